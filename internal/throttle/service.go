package throttle

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"time"

	"go-notify/internal/observability"

	"github.com/sirupsen/logrus"
)

type Option func(*Service)

// WithGeoResolver enables best-effort country enrichment of new records.
func WithGeoResolver(g GeoResolver) Option {
	return func(s *Service) {
		s.geo = g
	}
}

// WithTrustedProxies makes ClientIP honour forwarding headers sent by these peers.
func WithTrustedProxies(prefixes ...netip.Prefix) Option {
	return func(s *Service) {
		s.trustedProxies = append(s.trustedProxies, prefixes...)
	}
}

func WithMetrics(m observability.MetricsCollector) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

type Service struct {
	store   Store
	policy  Policy
	geo     GeoResolver
	metrics observability.MetricsCollector
	now     func() time.Time
	logger  *logrus.Entry

	trustedProxies []netip.Prefix

	lookupTimeout time.Duration
	inflight      sync.Map
	wg            sync.WaitGroup
}

func NewService(store Store, policy Policy, opts ...Option) *Service {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultPolicy().MaxAttempts
	}
	if policy.DecayWindow <= 0 {
		policy.DecayWindow = DefaultPolicy().DecayWindow
	}

	s := &Service{
		store:         store,
		policy:        policy,
		metrics:       observability.NewInMemoryMetrics(),
		now:           time.Now,
		logger:        observability.Component("throttle"),
		lookupTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Policy() Policy {
	return s.policy
}

// Hit records one request from ip and reports whether it may proceed.
func (s *Service) Hit(ctx context.Context, ip string) (Decision, error) {
	now := s.now()
	d, err := s.store.Hit(ctx, ip, s.policy, now)
	if err != nil {
		return Decision{}, err
	}

	if !d.Allowed {
		s.metrics.IncThrottled()
		s.logger.WithFields(logrus.Fields{
			"ip":          ip,
			"total_hits":  d.Record.TotalHits,
			"retry_after": d.RetryAfterSeconds(),
		}).Warn("Request throttled")
	} else if d.Record.Blocked(now) {
		s.logger.WithFields(logrus.Fields{
			"ip":          ip,
			"counts":      d.Record.Counts,
			"block_until": *d.Record.BlockUntil,
		}).Info("Throttle block started")
	}

	if d.Record.Country == nil {
		s.enrich(ip)
	}
	return d, nil
}

func (s *Service) Get(ctx context.Context, ip string) (Record, error) {
	return s.store.Get(ctx, ip)
}

// Wait blocks until pending country lookups finish.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) enrich(ip string) {
	if s.geo == nil || !isPublicIP(ip) {
		return
	}
	if _, busy := s.inflight.LoadOrStore(ip, struct{}{}); busy {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.inflight.Delete(ip)

		ctx, cancel := context.WithTimeout(context.Background(), s.lookupTimeout)
		defer cancel()

		country, err := s.geo.Country(ctx, ip)
		if err != nil || country == "" {
			s.logger.WithError(err).WithField("ip", ip).Debug("Country lookup skipped")
			return
		}
		if err := s.store.SetCountry(ctx, ip, country); err != nil {
			s.logger.WithError(err).WithField("ip", ip).Debug("Failed to store country")
		}
	}()
}

func isPublicIP(raw string) bool {
	ip := net.ParseIP(raw)
	if ip == nil {
		return false
	}
	return !(ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsMulticast())
}
