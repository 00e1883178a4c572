package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "user.registration", cfg.AMQP.Exchange)
	assert.Equal(t, 5*time.Second, cfg.AMQP.PublishTimeout)
	assert.Equal(t, 1, cfg.AMQP.Prefetch)
	assert.Equal(t, 3, cfg.Consumer.MaxAttempts)
	assert.Equal(t, "sqlite", cfg.Fallback.Driver)
	assert.Equal(t, 30*time.Second, cfg.Fallback.Interval)
	assert.Equal(t, 5, cfg.Fallback.MaxRetries)
	assert.Equal(t, 10*time.Minute, cfg.Fallback.MaxBackoff)
	assert.Equal(t, 5, cfg.Throttle.MaxAttempts)
	assert.Equal(t, time.Minute, cfg.Throttle.DecayWindow)
	assert.Empty(t, cfg.Kafka.Brokers)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("THROTTLE_DRIVER", "redis")
	t.Setenv("THROTTLE_MAX_ATTEMPTS", "10")
	t.Setenv("FALLBACK_DRIVER", "postgres")
	t.Setenv("FALLBACK_DSN", "postgres://localhost/notify")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Len(t, cfg.Kafka.Brokers, 2)
	assert.Equal(t, "redis", cfg.Throttle.Driver)
	assert.Equal(t, 10, cfg.Throttle.MaxAttempts)
	assert.Equal(t, "postgres", cfg.Fallback.Driver)
	assert.Equal(t, "postgres://localhost/notify", cfg.Fallback.DSN)
}

func TestLoad_InvalidDriver(t *testing.T) {
	t.Setenv("FALLBACK_DRIVER", "mongo")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FALLBACK_DRIVER")
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := &Config{}
	err := cfg.Validate()
	require.Error(t, err)

	msg := err.Error()
	assert.Contains(t, msg, "AMQP_URL")
	assert.Contains(t, msg, "CONSUMER_MAX_ATTEMPTS")
	assert.Contains(t, msg, "THROTTLE_DRIVER")
}

func TestLoad_TrustedProxies(t *testing.T) {
	t.Setenv("THROTTLE_TRUSTED_PROXIES", "10.0.0.0/8,192.0.2.10")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"10.0.0.0/8", "192.0.2.10"}, cfg.Throttle.TrustedProxies)
	assert.Equal(t, 5*time.Second, cfg.AMQP.DialTimeout)
}

func TestLoad_InvertedBackoff(t *testing.T) {
	t.Setenv("FALLBACK_BASE_BACKOFF", "5m")
	t.Setenv("FALLBACK_MAX_BACKOFF", "1m")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FALLBACK_MAX_BACKOFF")
	assert.Contains(t, err.Error(), "maxBackoff must be at least initialBackoff")
}
