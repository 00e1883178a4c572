package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go-notify/internal/fallback"
	"go-notify/internal/notification"
	"go-notify/internal/observability"
	"go-notify/internal/throttle"

	"github.com/go-chi/chi/v5"
)

type notificationRequest struct {
	UserID             int64  `json:"user_id"`
	Email              string `json:"email"`
	PhoneNumber        string `json:"phone_number"`
	VerificationMethod string `json:"verification_method"`
	OTP                string `json:"otp"`
}

func (req notificationRequest) validate() error {
	if strings.TrimSpace(req.OTP) == "" {
		return errors.New("otp is required")
	}
	if strings.EqualFold(req.VerificationMethod, notification.VerificationMobile) {
		if strings.TrimSpace(req.PhoneNumber) == "" {
			return errors.New("phone_number is required for mobile verification")
		}
		return nil
	}
	if strings.TrimSpace(req.Email) == "" {
		return errors.New("email is required")
	}
	return nil
}

type notificationResponse struct {
	Success    bool              `json:"success"`
	Path       notification.Path `json:"path"`
	MessageID  string            `json:"message_id"`
	FallbackID string            `json:"fallback_id,omitempty"`
}

type NotificationHandler struct {
	publisher NotificationPublisher
}

func (h *NotificationHandler) Registration(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, h.publisher.PublishRegistration)
}

func (h *NotificationHandler) OTPResend(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, h.publisher.PublishOTPResend)
}

type publishFunc func(ctx context.Context, user notification.User, otp string) (notification.Result, error)

func (h *NotificationHandler) handle(w http.ResponseWriter, r *http.Request, publish publishFunc) {
	var req notificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	user := notification.User{
		ID:                 req.UserID,
		Email:              req.Email,
		PhoneNumber:        req.PhoneNumber,
		VerificationMethod: req.VerificationMethod,
	}

	res, err := publish(r.Context(), user, req.OTP)
	switch {
	case errors.Is(err, notification.ErrMalformedMessage):
		respondError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "notification could not be queued")
		return
	}

	respondJSON(w, http.StatusAccepted, notificationResponse{
		Success:    true,
		Path:       res.Path,
		MessageID:  res.MessageID,
		FallbackID: res.FallbackID,
	})
}

type healthResponse struct {
	Status   string                  `json:"status"`
	Broker   string                  `json:"broker"`
	Fallback *fallback.Stats         `json:"fallback,omitempty"`
	Metrics  *observability.Snapshot `json:"metrics,omitempty"`
}

type HealthHandler struct {
	broker   BrokerHealth
	fallback FallbackStats
	metrics  MetricsSnapshot
}

// Get reports "degraded" while the broker is down since notifications are
// then only reaching the fallback queue.
func (h *HealthHandler) Get(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Broker: "up"}

	if h.broker != nil {
		if err := h.broker.HealthCheck(r.Context()); err != nil {
			resp.Status = "degraded"
			resp.Broker = "down"
		}
	}

	if h.fallback != nil {
		stats, err := h.fallback.Stats(r.Context())
		if err != nil {
			resp.Status = "unhealthy"
			respondJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
		resp.Fallback = &stats
	}

	if h.metrics != nil {
		snap := h.metrics.Snapshot()
		resp.Metrics = &snap
	}

	respondJSON(w, http.StatusOK, resp)
}

type ThrottleHandler struct {
	svc *throttle.Service
}

func (h *ThrottleHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Get(r.Context(), chi.URLParam(r, "ip"))
	if errors.Is(err, throttle.ErrNotFound) {
		respondError(w, http.StatusNotFound, "no throttle record for this address")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load throttle record")
		return
	}
	respondJSON(w, http.StatusOK, rec)
}
