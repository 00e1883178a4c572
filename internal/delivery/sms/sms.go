package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go-notify/internal/observability"

	"github.com/sirupsen/logrus"
)

var (
	ErrNotConfigured  = errors.New("sms gateway not configured")
	ErrInvalidPhone   = errors.New("invalid phone number")
	ErrGatewayFailure = errors.New("sms gateway failure")
)

// Result is the outcome reported by the gateway for one message.
type Result struct {
	Success   bool
	MessageID string
	Error     string
}

// Sender delivers a one-time password by SMS.
type Sender interface {
	IsConfigured() bool
	SendOTP(ctx context.Context, phone, otp string) (Result, error)
}

type Config struct {
	GatewayURL string
	APIKey     string
	SenderID   string
	Timeout    time.Duration
}

// Gateway posts messages to an HTTP SMS provider.
type Gateway struct {
	cfg    Config
	client *http.Client
	logger *logrus.Entry
}

func NewGateway(cfg Config) *Gateway {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Gateway{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: observability.Component("sms"),
	}
}

func (g *Gateway) IsConfigured() bool {
	return g.cfg.GatewayURL != "" && g.cfg.APIKey != ""
}

type sendRequest struct {
	To      string `json:"to"`
	From    string `json:"from,omitempty"`
	Message string `json:"message"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	Error     string `json:"error"`
}

// SendOTP returns an error for transport failures and a Result with
// Success=false when the provider rejects the message.
func (g *Gateway) SendOTP(ctx context.Context, phone, otp string) (Result, error) {
	if !g.IsConfigured() {
		return Result{Error: ErrNotConfigured.Error()}, ErrNotConfigured
	}

	to, err := NormalizePhone(phone)
	if err != nil {
		return Result{Error: err.Error()}, err
	}

	payload, err := json.Marshal(sendRequest{
		To:      to,
		From:    g.cfg.SenderID,
		Message: fmt.Sprintf("Your verification code is %s. It expires in 10 minutes.", otp),
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode sms request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.GatewayURL, bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("failed to build sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return Result{Error: err.Error()}, fmt.Errorf("%w: %w", ErrGatewayFailure, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var decoded sendResponse
	_ = json.Unmarshal(body, &decoded)

	if resp.StatusCode >= 500 {
		return Result{Error: decoded.Error}, fmt.Errorf("%w: status %d", ErrGatewayFailure, resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		msg := decoded.Error
		if msg == "" {
			msg = fmt.Sprintf("gateway rejected message with status %d", resp.StatusCode)
		}
		g.logger.WithFields(logrus.Fields{
			"status": resp.StatusCode,
			"error":  msg,
		}).Warn("SMS rejected by gateway")
		return Result{Error: msg}, nil
	}

	return Result{Success: true, MessageID: decoded.MessageID}, nil
}

var phoneDigits = regexp.MustCompile(`^\+?[0-9]{8,15}$`)

// NormalizePhone strips separators and checks the number looks like E.164.
func NormalizePhone(phone string) (string, error) {
	cleaned := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "").Replace(strings.TrimSpace(phone))
	if !phoneDigits.MatchString(cleaned) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPhone, phone)
	}
	return cleaned, nil
}
