// Package cooldown throttles how often a verification code can be re-sent to
// the same address.
package cooldown

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/dgellow/authfront/internal/flow"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

const (
	redisKeyPrefix = "authfront:resend:"
	// pruneThreshold is the number of tracked keys above which idle
	// limiters are swept.
	pruneThreshold = 1024
)

var (
	_ flow.ResendLimiter = (*MemoryLimiter)(nil)
	_ flow.ResendLimiter = (*RedisLimiter)(nil)
)

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// MemoryLimiter allows one resend per key per cooldown within this process.
type MemoryLimiter struct {
	cooldown time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// NewMemoryLimiter creates a process-local limiter.
func NewMemoryLimiter(cooldown time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		cooldown: cooldown,
		now:      time.Now,
		entries:  make(map[string]*entry),
	}
}

// Allow reports whether key may resend now, consuming the allowance if so.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	if l.cooldown <= 0 {
		return true, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.entries[key]
	if !ok {
		if len(l.entries) >= pruneThreshold {
			l.pruneLocked(now)
		}
		e = &entry{limiter: rate.NewLimiter(rate.Every(l.cooldown), 1)}
		l.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1), nil
}

// pruneLocked drops limiters idle long enough to have refilled.
func (l *MemoryLimiter) pruneLocked(now time.Time) {
	for key, e := range l.entries {
		if now.Sub(e.lastSeen) >= l.cooldown {
			delete(l.entries, key)
		}
	}
}

// RedisLimiter shares the cooldown across replicas. The first resend for a
// key claims a marker that expires after the cooldown.
type RedisLimiter struct {
	client   redis.UniversalClient
	cooldown time.Duration
}

// NewRedisLimiter creates a limiter on an existing client. The limiter never
// closes the client.
func NewRedisLimiter(client redis.UniversalClient, cooldown time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, cooldown: cooldown}
}

// Allow reports whether key may resend now, consuming the allowance if so.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if l.cooldown <= 0 {
		return true, nil
	}
	ok, err := l.client.SetNX(ctx, redisKey(key), 1, l.cooldown).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim resend cooldown: %w", err)
	}
	return ok, nil
}

// redisKey hashes key so addresses are not stored in clear.
func redisKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return redisKeyPrefix + hex.EncodeToString(sum[:])
}
