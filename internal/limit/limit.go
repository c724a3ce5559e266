// Package limit throttles repeated failed token validations per client.
package limit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Guard tracks failures per key and reports when a key must be refused.
type Guard interface {
	Blocked(ctx context.Context, key string) (bool, error)
	RecordFailure(ctx context.Context, key string) error
	Reset(ctx context.Context, key string) error
}

const maxTrackedKeys = 10000

// Memory is an in-process Guard. Each key owns a token bucket holding
// maxFailures tokens that refills over window.
type Memory struct {
	mu          sync.Mutex
	keys        map[string]*rate.Limiter
	maxFailures int
	every       rate.Limit
	now         func() time.Time
}

// NewMemory allows maxFailures failures per window before blocking a key.
func NewMemory(maxFailures int, window time.Duration) *Memory {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Memory{
		keys:        make(map[string]*rate.Limiter),
		maxFailures: maxFailures,
		every:       rate.Every(window / time.Duration(maxFailures)),
		now:         time.Now,
	}
}

func (m *Memory) Blocked(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lim, ok := m.keys[key]
	if !ok {
		return false, nil
	}
	return lim.TokensAt(m.now()) < 1, nil
}

func (m *Memory) RecordFailure(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	lim, ok := m.keys[key]
	if !ok {
		if len(m.keys) >= maxTrackedKeys {
			m.evictLocked(now)
		}
		lim = rate.NewLimiter(m.every, m.maxFailures)
		m.keys[key] = lim
	}
	lim.AllowN(now, 1)
	return nil
}

func (m *Memory) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.keys, key)
	m.mu.Unlock()
	return nil
}

// evictLocked drops keys whose bucket has fully refilled.
func (m *Memory) evictLocked(now time.Time) {
	for k, lim := range m.keys {
		if lim.TokensAt(now) >= float64(m.maxFailures) {
			delete(m.keys, k)
		}
	}
}

// Redis shares failure counters across replicas using fixed windows.
type Redis struct {
	client      redis.Cmdable
	prefix      string
	maxFailures int64
	window      time.Duration
}

// NewRedis builds a Guard over client. Keys are stored as prefix+key.
func NewRedis(client redis.Cmdable, prefix string, maxFailures int, window time.Duration) *Redis {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if window <= 0 {
		window = time.Minute
	}
	if prefix == "" {
		prefix = "consentgate:validate:"
	}
	return &Redis{client: client, prefix: prefix, maxFailures: int64(maxFailures), window: window}
}

func (r *Redis) Blocked(ctx context.Context, key string) (bool, error) {
	raw, err := r.client.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("limit: read counter: %w", err)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false, fmt.Errorf("limit: parse counter: %w", err)
	}
	return n >= r.maxFailures, nil
}

func (r *Redis) RecordFailure(ctx context.Context, key string) error {
	k := r.prefix + key
	n, err := r.client.Incr(ctx, k).Result()
	if err != nil {
		return fmt.Errorf("limit: increment counter: %w", err)
	}
	if n == 1 {
		if err := r.client.Expire(ctx, k, r.window).Err(); err != nil {
			return fmt.Errorf("limit: set window: %w", err)
		}
	}
	return nil
}

func (r *Redis) Reset(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.prefix+key).Err()
}
