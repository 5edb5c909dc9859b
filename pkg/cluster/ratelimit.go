package cluster

import (
	"sync"
	"time"
)

// RateLimiter is satisfied by both the in-memory sliding-window limiter and
// the NATS-KV-backed cluster-wide variant.
type RateLimiter interface {
	IsAllowed(key string, limit int, window time.Duration) bool
}

// SlidingWindowLimiter is an in-process, per-key sliding-window rate
// limiter: IsAllowed(key, limit, window) denies the (limit+1)-th call within
// window.
type SlidingWindowLimiter struct {
	mu       sync.Mutex
	windows  map[string][]time.Time
}

// NewSlidingWindowLimiter creates an empty in-memory RateLimiter.
func NewSlidingWindowLimiter() *SlidingWindowLimiter {
	return &SlidingWindowLimiter{windows: make(map[string][]time.Time)}
}

func (l *SlidingWindowLimiter) IsAllowed(key string, limit int, window time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-window)

	timestamps := l.windows[key]
	kept := timestamps[:0]
	for _, t := range timestamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= limit {
		l.windows[key] = kept
		return false
	}

	kept = append(kept, now)
	l.windows[key] = kept
	return true
}

// KVRateLimiter is a cluster-wide rate limiter backed by a JetStream KV
// bucket: each key's counter is a KV entry that expires with the bucket's
// TTL, mirroring the lease-expiry idiom used for locks and leader terms. The
// window argument of IsAllowed is not used.
type KVRateLimiter struct {
	coord *KVCoordinator
}

// NewKVRateLimiter creates a cluster-wide RateLimiter over coord. The
// bucket's configured TTL should match the intended rate-limit window.
func NewKVRateLimiter(coord *KVCoordinator) *KVRateLimiter {
	return &KVRateLimiter{coord: coord}
}

func (l *KVRateLimiter) IsAllowed(key string, limit int, window time.Duration) bool {
	entry, err := l.coord.kv.Get(key)
	if err != nil {
		// First call in this window: initialize the counter.
		_, createErr := l.coord.kv.Create(key, []byte("1"))
		return createErr == nil
	}

	count := bytesToInt(entry.Value())
	if count >= limit {
		return false
	}

	_, err = l.coord.kv.Update(key, intToBytes(count+1), entry.Revision())
	return err == nil
}

func bytesToInt(b []byte) int {
	n := 0
	for _, c := range b {
		if c < '0' || c > '9' {
			return n
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func intToBytes(n int) []byte {
	if n == 0 {
		return []byte("0")
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return digits
}
