package email

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"

	"go-notify/internal/observability"

	"github.com/mrz1836/postmark"
	"github.com/sirupsen/logrus"
)

var (
	ErrFailedToSendEmail = errors.New("failed to send email")
	ErrInvalidConfig     = errors.New("invalid email config")
	ErrInvalidRecipient  = errors.New("invalid email recipient")
)

// Sender delivers a one-time password to an email address.
type Sender interface {
	Send(ctx context.Context, recipient, otp string) error
}

type Config struct {
	ServerToken string
	BaseURL     string
	From        string
	Subject     string
}

type PostmarkSender struct {
	client *postmark.Client
	cfg    Config
}

func NewPostmarkSender(cfg Config) (*PostmarkSender, error) {
	if cfg.ServerToken == "" {
		return nil, fmt.Errorf("%w: server token is required", ErrInvalidConfig)
	}
	if !strings.Contains(cfg.From, "@") {
		return nil, fmt.Errorf("%w: sender address %q is not valid", ErrInvalidConfig, cfg.From)
	}
	if cfg.Subject == "" {
		cfg.Subject = "Your verification code"
	}

	client := postmark.NewClient(cfg.ServerToken, "")
	if cfg.BaseURL != "" {
		client.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}

	return &PostmarkSender{client: client, cfg: cfg}, nil
}

func (s *PostmarkSender) Send(ctx context.Context, recipient, otp string) error {
	if err := validateRecipient(recipient); err != nil {
		return err
	}

	resp, err := s.client.SendEmail(ctx, postmark.Email{
		From:     s.cfg.From,
		To:       recipient,
		Subject:  s.cfg.Subject,
		Tag:      "otp",
		HTMLBody: renderHTML(otp),
		TextBody: renderText(otp),
	})
	if err != nil {
		return errors.Join(ErrFailedToSendEmail, err)
	}
	if resp.ErrorCode > 0 {
		return errors.Join(
			ErrFailedToSendEmail,
			fmt.Errorf("postmark error: %d - %s", resp.ErrorCode, resp.Message),
		)
	}
	return nil
}

// LogSender logs the code instead of sending it. Used when no Postmark token is configured.
type LogSender struct {
	logger *logrus.Entry
}

func NewLogSender() *LogSender {
	return &LogSender{logger: observability.Component("email")}
}

func (s *LogSender) Send(_ context.Context, recipient, otp string) error {
	if err := validateRecipient(recipient); err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{
		"recipient": recipient,
		"otp":       otp,
	}).Info("Email delivery disabled, logging verification code")
	return nil
}

func validateRecipient(recipient string) error {
	at := strings.LastIndex(recipient, "@")
	if at < 1 || at == len(recipient)-1 || strings.ContainsAny(recipient, " \t\r\n") {
		return fmt.Errorf("%w: %q", ErrInvalidRecipient, recipient)
	}
	return nil
}

func renderHTML(otp string) string {
	return "<p>Your verification code is <strong>" + html.EscapeString(otp) + "</strong>.</p>" +
		"<p>It expires in 10 minutes. If you did not request it, ignore this email.</p>"
}

func renderText(otp string) string {
	return "Your verification code is " + otp + ". It expires in 10 minutes."
}
