// Package server exposes the notification pipeline over HTTP.
package server

import (
	"context"
	"net/http"
	"time"

	"go-notify/internal/fallback"
	"go-notify/internal/notification"
	"go-notify/internal/observability"
	"go-notify/internal/throttle"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

type NotificationPublisher interface {
	PublishRegistration(ctx context.Context, user notification.User, otp string) (notification.Result, error)
	PublishOTPResend(ctx context.Context, user notification.User, otp string) (notification.Result, error)
}

type BrokerHealth interface {
	HealthCheck(ctx context.Context) error
}

type FallbackStats interface {
	Stats(ctx context.Context) (fallback.Stats, error)
}

type MetricsSnapshot interface {
	Snapshot() observability.Snapshot
}

// Deps are the collaborators the HTTP layer calls into.
type Deps struct {
	Publisher NotificationPublisher
	Broker    BrokerHealth
	Fallback  FallbackStats
	Metrics   MetricsSnapshot
	Throttle  *throttle.Service
}

// NewRouter creates and configures the HTTP router.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	health := &HealthHandler{broker: deps.Broker, fallback: deps.Fallback, metrics: deps.Metrics}
	notifications := &NotificationHandler{publisher: deps.Publisher}

	r.Get("/health", health.Get)

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if deps.Throttle != nil {
				r.Use(throttle.Middleware(deps.Throttle))
			}
			r.Post("/notifications/registration", notifications.Registration)
			r.Post("/notifications/otp-resend", notifications.OTPResend)
		})

		if deps.Throttle != nil {
			throttles := &ThrottleHandler{svc: deps.Throttle}
			r.Get("/throttle/{ip}", throttles.Get)
		}
	})

	return r
}

func requestLogger(next http.Handler) http.Handler {
	logger := observability.Component("http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logger.WithFields(logrus.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"bytes":      ww.BytesWritten(),
			"duration":   time.Since(start).String(),
		}).Info("Request handled")
	})
}
