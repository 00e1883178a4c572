package notification

import (
	"errors"

	"go-notify/pkg/retry"
)

var (
	// ErrDeliveryBackend is a provider failure. It is retried through the broker.
	ErrDeliveryBackend = errors.New("delivery backend error")
	// ErrBackendNotConfigured is permanent: the message is dead-lettered without retry.
	ErrBackendNotConfigured = errors.New("delivery backend not configured")
	// ErrMalformedMessage is permanent: the body cannot be decoded or is incomplete.
	ErrMalformedMessage = errors.New("malformed notification message")
	// ErrInvalidRecipient is permanent: the provider refused the address itself.
	ErrInvalidRecipient = errors.New("invalid notification recipient")
	// ErrNotificationLost means neither the broker nor the fallback queue accepted the message.
	ErrNotificationLost = errors.New("notification lost: broker and fallback queue both failed")
)

// IsPermanent reports whether retrying err can never succeed.
func IsPermanent(err error) bool {
	return retry.IsPermanent(err) ||
		errors.Is(err, ErrBackendNotConfigured) ||
		errors.Is(err, ErrMalformedMessage) ||
		errors.Is(err, ErrInvalidRecipient)
}
