package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Channel is the delivery channel of a notification
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// NotificationType identifies the domain event that produced a notification
type NotificationType string

const (
	TypeRegistration NotificationType = "registration"
	TypeOTPResend    NotificationType = "otp_resend"
)

// NotificationMessage is the JSON body carried on the broker and in the fallback queue
type NotificationMessage struct {
	MessageID        string           `json:"message_id"`
	NotificationType NotificationType `json:"notification_type"`
	Channel          Channel          `json:"channel"`
	UserID           int64            `json:"user_id"`
	Email            string           `json:"email,omitempty"`
	PhoneNumber      string           `json:"phone_number,omitempty"`
	OTP              string           `json:"otp"`
	Timestamp        time.Time        `json:"timestamp"`
	AttemptCount     int              `json:"attempt_count"`
}

// Message headers
const (
	HeaderMessageID     = "message-id"
	HeaderAttemptCount  = "x-attempt-count"
	HeaderChannel       = "x-channel"
	HeaderFailureReason = "x-failure-reason"
)

// Recipient returns the address the message is delivered to on its channel.
func (m NotificationMessage) Recipient() string {
	if m.Channel == ChannelSMS {
		return m.PhoneNumber
	}
	return m.Email
}

// Validate checks that the message can be handed to a delivery backend.
func (m NotificationMessage) Validate() error {
	var errs []error
	switch m.Channel {
	case ChannelEmail, ChannelSMS:
	default:
		errs = append(errs, fmt.Errorf("unknown channel %q", m.Channel))
	}
	if strings.TrimSpace(m.Recipient()) == "" {
		errs = append(errs, errors.New("recipient is empty"))
	}
	if strings.TrimSpace(m.OTP) == "" {
		errs = append(errs, errors.New("otp is empty"))
	}
	if m.AttemptCount < 0 {
		errs = append(errs, errors.New("attempt_count cannot be negative"))
	}
	return errors.Join(errs...)
}
