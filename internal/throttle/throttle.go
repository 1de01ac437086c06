// Package throttle bounds each identity's outbound rate. Self-imposed
// pacing (a sliding window) and provider-imposed backoff (cooldowns) are
// tracked separately so the two never fight each other: a provider cooldown
// always denies regardless of window headroom.
package throttle

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// CooldownKeyPrefix is the Redis key prefix for mirrored provider cooldowns
	CooldownKeyPrefix = "cooldown:"
)

// window is one identity's throttle state.
type window struct {
	actions       []time.Time // grant timestamps inside the sliding window
	cooldownUntil time.Time
}

// Throttle is the per-identity sliding-window send limiter. The window
// lives in memory on the hot path; provider cooldowns are additionally
// mirrored to Redis with a TTL so they survive restarts. Redis failures are
// logged and ignored (fail open), matching how the API rate limiter treats
// Redis.
type Throttle struct {
	mu      sync.Mutex
	windows map[uuid.UUID]*window

	windowSize time.Duration
	maxActions int

	redis *redis.Client // may be nil
	now   func() time.Time
}

// New creates a throttle allowing maxActions per windowSize per identity.
// redisClient may be nil (tests, degraded mode).
func New(windowSize time.Duration, maxActions int, redisClient *redis.Client) *Throttle {
	return &Throttle{
		windows:    make(map[uuid.UUID]*window),
		windowSize: windowSize,
		maxActions: maxActions,
		redis:      redisClient,
		now:        time.Now,
	}
}

// Headroom reports whether the identity may act now. When denied, retryAfter
// is the earliest duration after which a retry can succeed: the remaining
// provider cooldown, or the time until the oldest windowed action expires.
func (t *Throttle) Headroom(identityID uuid.UUID) (ok bool, retryAfter time.Duration) {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	w := t.windows[identityID]
	if w == nil {
		w = &window{}
		t.windows[identityID] = w
	}

	// Provider cooldown wins over window headroom, always.
	if now.Before(w.cooldownUntil) {
		return false, w.cooldownUntil.Sub(now)
	}

	t.prune(w, now)
	if len(w.actions) >= t.maxActions {
		return false, w.actions[0].Add(t.windowSize).Sub(now)
	}
	return true, 0
}

// Consume counts one granted action against the identity's window.
func (t *Throttle) Consume(identityID uuid.UUID) {
	now := t.now()
	t.mu.Lock()
	w := t.windows[identityID]
	if w == nil {
		w = &window{}
		t.windows[identityID] = w
	}
	t.prune(w, now)
	w.actions = append(w.actions, now)
	t.mu.Unlock()
}

// SetCooldown applies a provider-imposed backoff unconditionally, even if
// it is shorter than the remaining window. The cooldown is mirrored to
// Redis so a restarted process does not hammer a provider that just told
// us to back off.
func (t *Throttle) SetCooldown(identityID uuid.UUID, d time.Duration) {
	until := t.now().Add(d)

	t.mu.Lock()
	w := t.windows[identityID]
	if w == nil {
		w = &window{}
		t.windows[identityID] = w
	}
	w.cooldownUntil = until
	t.mu.Unlock()

	if t.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		key := CooldownKeyPrefix + identityID.String()
		if err := t.redis.Set(ctx, key, until.Unix(), d).Err(); err != nil {
			log.Printf("throttle: mirror cooldown for %s: %v", identityID, err)
		}
	}
}

// RestoreCooldowns reloads mirrored cooldowns from Redis at startup.
func (t *Throttle) RestoreCooldowns(ctx context.Context) {
	if t.redis == nil {
		return
	}
	iter := t.redis.Scan(ctx, 0, CooldownKeyPrefix+"*", 0).Iterator()
	restored := 0
	for iter.Next(ctx) {
		key := iter.Val()
		id, err := uuid.Parse(key[len(CooldownKeyPrefix):])
		if err != nil {
			continue
		}
		unix, err := t.redis.Get(ctx, key).Int64()
		if err != nil {
			continue
		}
		until := time.Unix(unix, 0)
		if until.Before(t.now()) {
			continue
		}
		t.mu.Lock()
		t.windows[id] = &window{cooldownUntil: until}
		t.mu.Unlock()
		restored++
	}
	if err := iter.Err(); err != nil {
		log.Printf("throttle: restore cooldowns: %v", err)
		return
	}
	if restored > 0 {
		log.Printf("✅ Restored %d provider cooldowns from Redis", restored)
	}
}

// Forget drops throttle state for a retired or banned identity.
func (t *Throttle) Forget(identityID uuid.UUID) {
	t.mu.Lock()
	delete(t.windows, identityID)
	t.mu.Unlock()

	if t.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := t.redis.Del(ctx, CooldownKeyPrefix+identityID.String()).Err(); err != nil {
			log.Printf("throttle: clear cooldown for %s: %v", identityID, err)
		}
	}
}

// prune drops window entries older than windowSize. Caller holds the lock.
func (t *Throttle) prune(w *window, now time.Time) {
	cutoff := now.Add(-t.windowSize)
	i := 0
	for i < len(w.actions) && !w.actions[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.actions = w.actions[i:]
	}
}
