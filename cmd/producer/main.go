package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go-notify/internal/app"
	"go-notify/internal/config"
	"go-notify/internal/notification"
	"go-notify/internal/observability"

	"github.com/sirupsen/logrus"
)

type options struct {
	user   notification.User
	otp    string
	resend bool
}

// Publishes a single notification the same way the API does, which makes it
// handy for checking a deployment end to end.
func main() {
	var opts options
	flag.Int64Var(&opts.user.ID, "user-id", 1, "user id")
	flag.StringVar(&opts.user.Email, "email", "", "recipient email address")
	flag.StringVar(&opts.user.PhoneNumber, "phone", "", "recipient phone number")
	flag.StringVar(&opts.user.VerificationMethod, "method", "email", "verification method: email or mobile")
	flag.StringVar(&opts.otp, "otp", "", "one-time password to send")
	flag.BoolVar(&opts.resend, "resend", false, "publish as an OTP resend instead of a registration")
	flag.Parse()

	if err := run(opts); err != nil {
		observability.Component("producer").WithError(err).Error("Notification was not published")
		os.Exit(1)
	}
}

func run(opts options) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	observability.InitLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger := observability.Component("producer")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := app.NewBrokerClient(cfg, "producer")
	defer client.Close()
	if err := client.Connect(ctx); err != nil {
		logger.WithError(err).Warn("Broker unavailable, the notification will be stored for later delivery")
	}

	deliverer, err := app.NewDeliverer(cfg)
	if err != nil {
		return fmt.Errorf("building delivery backends: %w", err)
	}
	sink, closeSink := app.NewDeadLetterSink(cfg)
	defer closeSink()

	fb, err := app.OpenFallback(ctx, cfg, deliverer.DeliverRaw, sink, nil)
	if err != nil {
		return fmt.Errorf("opening fallback queue: %w", err)
	}
	defer fb.Close()

	publisher := notification.NewPublisher(client, fb.Queue, nil)
	publish := publisher.PublishRegistration
	if opts.resend {
		publish = publisher.PublishOTPResend
	}

	res, err := publish(ctx, opts.user, opts.otp)
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"path":        res.Path,
		"message_id":  res.MessageID,
		"fallback_id": res.FallbackID,
	}).Info("Notification published")
	return nil
}
