package notification

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go-notify/internal/broker"
	"go-notify/pkg/models"
	"go-notify/pkg/retry"
)

// VerificationMobile selects SMS delivery; any other method selects email.
const VerificationMobile = "mobile"

// User is the part of an account the notification pipeline needs.
type User struct {
	ID                 int64
	Email              string
	PhoneNumber        string
	VerificationMethod string
}

func (u User) Channel() models.Channel {
	if strings.EqualFold(u.VerificationMethod, VerificationMobile) {
		return models.ChannelSMS
	}
	return models.ChannelEmail
}

// RoutingKey maps a channel to its binding on the registration exchange.
func RoutingKey(ch models.Channel) string {
	if ch == models.ChannelSMS {
		return broker.RoutingKeySMS
	}
	return broker.RoutingKeyEmail
}

func newMessage(id string, user User, otp string, kind models.NotificationType, now time.Time) models.NotificationMessage {
	msg := models.NotificationMessage{
		MessageID:        id,
		NotificationType: kind,
		Channel:          user.Channel(),
		UserID:           user.ID,
		OTP:              otp,
		Timestamp:        now.UTC(),
	}
	if msg.Channel == models.ChannelSMS {
		msg.PhoneNumber = user.PhoneNumber
	} else {
		msg.Email = user.Email
	}
	return msg
}

// Decode parses a queued body. When the body omits its channel the queue's
// channel is assumed. Every failure is permanent and wraps ErrMalformedMessage.
func Decode(body []byte, channel models.Channel) (models.NotificationMessage, error) {
	var msg models.NotificationMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, retry.Permanent(fmt.Errorf("%w: %w", ErrMalformedMessage, err))
	}
	if msg.Channel == "" {
		msg.Channel = channel
	}
	if channel != "" && msg.Channel != channel {
		return msg, retry.Permanent(fmt.Errorf("%w: %s message on %s queue", ErrMalformedMessage, msg.Channel, channel))
	}
	if err := msg.Validate(); err != nil {
		return msg, retry.Permanent(fmt.Errorf("%w: %w", ErrMalformedMessage, err))
	}
	return msg, nil
}
