package throttle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// hitScript applies one request to the hash at KEYS[1].
// ARGV: now (unix ms), decay window (ms), max attempts.
// Returns {allowed, retry_after_ms, counts, total_hits, last_seen, block_until, country}.
var hitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])

local v = redis.call('HMGET', key, 'counts', 'total_hits', 'last_seen', 'block_until', 'country')
local counts = tonumber(v[1] or '0')
local total = tonumber(v[2] or '0') + 1
local last = tonumber(v[3] or '0')
local block = tonumber(v[4] or '0')

if block > 0 and now >= block then
    block = 0
    counts = 0
end

local allowed = 1
local retry = 0
if block > 0 then
    allowed = 0
    retry = block - now
else
    if last > 0 and now - last >= window then
        counts = 0
    end
    counts = counts + 1
    last = now
    if counts > max then
        block = now + window
        retry = window
    end
end

redis.call('HSET', key, 'counts', counts, 'total_hits', total, 'last_seen', last, 'block_until', block)
return {allowed, retry, counts, total, last, block, v[5]}
`)

// RedisStore keeps one hash per IP so every API instance shares the counters.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// OpenRedis connects using a redis:// URL and verifies the connection.
func OpenRedis(ctx context.Context, url, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisStore(client, prefix), nil
}

func (s *RedisStore) key(ip string) string {
	return s.prefix + ip
}

func (s *RedisStore) Hit(ctx context.Context, ip string, policy Policy, now time.Time) (Decision, error) {
	res, err := hitScript.Run(ctx, s.client, []string{s.key(ip)},
		now.UnixMilli(), policy.DecayWindow.Milliseconds(), policy.MaxAttempts,
	).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("throttle script: %w", err)
	}
	if len(res) < 6 {
		return Decision{}, fmt.Errorf("throttle script: unexpected reply of length %d", len(res))
	}

	nums := make([]int64, 6)
	for i := range nums {
		n, ok := res[i].(int64)
		if !ok {
			return Decision{}, fmt.Errorf("throttle script: field %d is %T", i, res[i])
		}
		nums[i] = n
	}

	rec := Record{
		IP:        ip,
		Counts:    int(nums[2]),
		TotalHits: nums[3],
		LastSeen:  msToTime(nums[4]),
	}
	if nums[5] > 0 {
		until := msToTime(nums[5])
		rec.BlockUntil = &until
	}
	if len(res) > 6 {
		if c, ok := res[6].(string); ok && c != "" {
			rec.Country = &c
		}
	}

	return Decision{
		Allowed:    nums[0] == 1,
		RetryAfter: time.Duration(nums[1]) * time.Millisecond,
		Record:     rec,
	}, nil
}

func (s *RedisStore) Get(ctx context.Context, ip string) (Record, error) {
	fields, err := s.client.HGetAll(ctx, s.key(ip)).Result()
	if err != nil {
		return Record{}, err
	}
	if len(fields) == 0 {
		return Record{}, ErrNotFound
	}

	rec := Record{IP: ip}
	var errs []error
	parse := func(name string) int64 {
		raw, ok := fields[name]
		if !ok {
			return 0
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("field %s: %w", name, err))
		}
		return n
	}

	rec.Counts = int(parse("counts"))
	rec.TotalHits = parse("total_hits")
	rec.LastSeen = msToTime(parse("last_seen"))
	if until := parse("block_until"); until > 0 {
		t := msToTime(until)
		rec.BlockUntil = &t
	}
	if c, ok := fields["country"]; ok && c != "" {
		rec.Country = &c
	}
	return rec, errors.Join(errs...)
}

func (s *RedisStore) SetCountry(ctx context.Context, ip, country string) error {
	n, err := s.client.Exists(ctx, s.key(ip)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return s.client.HSet(ctx, s.key(ip), "country", country).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func msToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
