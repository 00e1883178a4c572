package throttle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go-notify/internal/observability"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGeo struct {
	mu      sync.Mutex
	country string
	err     error
	lookups []string
}

func (g *fakeGeo) Country(_ context.Context, ip string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lookups = append(g.lookups, ip)
	return g.country, g.err
}

func (g *fakeGeo) calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.lookups...)
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newTestService(store Store, opts ...Option) (*Service, *clock) {
	c := &clock{now: t0}
	svc := NewService(store, DefaultPolicy(), opts...)
	svc.now = c.Now
	return svc, c
}

func TestService_BlocksAndCountsMetrics(t *testing.T) {
	metrics := observability.NewInMemoryMetrics()
	svc, c := newTestService(NewMemoryStore(), WithMetrics(metrics))
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		d, err := svc.Hit(ctx, "10.0.0.1")
		require.NoError(t, err)
		require.True(t, d.Allowed)
		c.now = c.now.Add(time.Second)
	}

	d, err := svc.Hit(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, int64(1), metrics.Throttled.Load())

	other, err := svc.Hit(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, other.Allowed, "limits are per IP")

	rec, err := svc.Get(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), rec.TotalHits)
}

func TestService_EnrichesCountryForPublicIPs(t *testing.T) {
	geo := &fakeGeo{country: "Thailand"}
	store := NewMemoryStore()
	svc, _ := newTestService(store, WithGeoResolver(geo))
	ctx := context.Background()

	_, err := svc.Hit(ctx, "203.0.113.7")
	require.NoError(t, err)
	svc.Wait()

	rec, err := store.Get(ctx, "203.0.113.7")
	require.NoError(t, err)
	require.NotNil(t, rec.Country)
	assert.Equal(t, "Thailand", *rec.Country)

	_, err = svc.Hit(ctx, "203.0.113.7")
	require.NoError(t, err)
	svc.Wait()
	assert.Len(t, geo.calls(), 1, "known countries are not looked up again")
}

func TestService_SkipsPrivateAddresses(t *testing.T) {
	geo := &fakeGeo{country: "Nowhere"}
	svc, _ := newTestService(NewMemoryStore(), WithGeoResolver(geo))

	for _, ip := range []string{"10.0.0.1", "127.0.0.1", "192.168.1.10", "::1", "not-an-ip"} {
		_, err := svc.Hit(context.Background(), ip)
		require.NoError(t, err)
	}
	svc.Wait()

	assert.Empty(t, geo.calls())
}

func TestService_GeoFailureLeavesCountryEmpty(t *testing.T) {
	geo := &fakeGeo{err: errors.New("lookup quota exceeded")}
	store := NewMemoryStore()
	svc, _ := newTestService(store, WithGeoResolver(geo))

	d, err := svc.Hit(context.Background(), "198.51.100.4")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	svc.Wait()

	rec, err := store.Get(context.Background(), "198.51.100.4")
	require.NoError(t, err)
	assert.Nil(t, rec.Country)
}

func TestNewService_DefaultsPolicy(t *testing.T) {
	svc := NewService(NewMemoryStore(), Policy{})
	assert.Equal(t, DefaultPolicy(), svc.Policy())
}
