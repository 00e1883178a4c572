package notification

import (
	"context"
	"errors"
	"fmt"

	"go-notify/internal/delivery/email"
	"go-notify/internal/delivery/sms"
	"go-notify/pkg/models"
	"go-notify/pkg/retry"
)

// Deliverer hands a decoded message to the backend for its channel and
// classifies the failure as retryable or permanent.
type Deliverer struct {
	email email.Sender
	sms   sms.Sender
}

// NewDeliverer accepts nil backends. Messages for a nil backend fail permanently.
func NewDeliverer(emailSender email.Sender, smsSender sms.Sender) *Deliverer {
	return &Deliverer{email: emailSender, sms: smsSender}
}

func (d *Deliverer) Deliver(ctx context.Context, msg models.NotificationMessage) error {
	switch msg.Channel {
	case models.ChannelEmail:
		return d.deliverEmail(ctx, msg)
	case models.ChannelSMS:
		return d.deliverSMS(ctx, msg)
	default:
		return retry.Permanent(fmt.Errorf("%w: unknown channel %q", ErrMalformedMessage, msg.Channel))
	}
}

// DeliverRaw decodes body and delivers it. The routing key selects the channel.
func (d *Deliverer) DeliverRaw(ctx context.Context, routingKey string, body []byte) error {
	channel := models.ChannelEmail
	if routingKey == RoutingKey(models.ChannelSMS) {
		channel = models.ChannelSMS
	}

	msg, err := Decode(body, channel)
	if err != nil {
		return err
	}
	return d.Deliver(ctx, msg)
}

func (d *Deliverer) deliverEmail(ctx context.Context, msg models.NotificationMessage) error {
	if d.email == nil {
		return retry.Permanent(fmt.Errorf("%w: email", ErrBackendNotConfigured))
	}

	err := d.email.Send(ctx, msg.Email, msg.OTP)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, email.ErrInvalidRecipient):
		return retry.Permanent(fmt.Errorf("%w: %w", ErrInvalidRecipient, err))
	default:
		return fmt.Errorf("%w: email: %w", ErrDeliveryBackend, err)
	}
}

func (d *Deliverer) deliverSMS(ctx context.Context, msg models.NotificationMessage) error {
	if d.sms == nil || !d.sms.IsConfigured() {
		return retry.Permanent(fmt.Errorf("%w: sms", ErrBackendNotConfigured))
	}

	res, err := d.sms.SendOTP(ctx, msg.PhoneNumber, msg.OTP)
	switch {
	case errors.Is(err, sms.ErrNotConfigured):
		return retry.Permanent(fmt.Errorf("%w: sms: %w", ErrBackendNotConfigured, err))
	case errors.Is(err, sms.ErrInvalidPhone):
		return retry.Permanent(fmt.Errorf("%w: %w", ErrInvalidRecipient, err))
	case err != nil:
		return fmt.Errorf("%w: sms: %w", ErrDeliveryBackend, err)
	case !res.Success:
		return fmt.Errorf("%w: sms: %s", ErrDeliveryBackend, res.Error)
	}
	return nil
}
