// Package cluster implements distributed coordination primitives on top of
// NATS JetStream's key/value store: distributed lock, leader election, and
// a cluster-wide rate limiter. A Create on a not-yet-existing key is the
// acquisition primitive; bucket TTL realizes lease auto-expiry.
package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/fluxorio/cqrsflow/pkg/core"
	"github.com/nats-io/nats.go"
)

// KVCoordinator wraps a JetStream KeyValue bucket used for lock/leader/rate
// state. A Create call on a not-yet-existing key is the acquisition
// primitive; the bucket's TTL realizes lease auto-expiry on holder crash.
type KVCoordinator struct {
	kv nats.KeyValue
}

// NewKVCoordinator opens (creating if absent) a JetStream KV bucket with the
// given per-key TTL, used as the lease length for locks and leader terms.
func NewKVCoordinator(nc *nats.Conn, bucket string, ttl time.Duration) (*KVCoordinator, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	kv, err := js.KeyValue(bucket)
	if err != nil {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket: bucket,
			TTL:    ttl,
		})
		if err != nil {
			return nil, fmt.Errorf("create kv bucket %s: %w", bucket, err)
		}
	}
	return &KVCoordinator{kv: kv}, nil
}

// Lock is a held distributed lock; Release frees it.
type Lock struct {
	coord    *KVCoordinator
	key      string
	revision uint64
}

// TryAcquire attempts a single, non-blocking acquisition of key. It returns
// (nil, false, nil) on contention rather than blocking.
func (c *KVCoordinator) TryAcquire(key string) (*Lock, bool, error) {
	revision, err := c.kv.Create(key, []byte("locked"))
	if err != nil {
		// Create fails with ErrKeyExists (or wraps it) when the key is
		// already held and not yet expired.
		return nil, false, nil
	}
	return &Lock{coord: c, key: key, revision: revision}, true, nil
}

// Acquire blocks (bounded by ctx) until key is acquired or ctx is done,
// polling on a short interval — JetStream KV has no native blocking acquire.
func (c *KVCoordinator) Acquire(ctx context.Context, key string) (*Lock, *core.Error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		lock, ok, err := c.TryAcquire(key)
		if err != nil {
			return nil, core.Wrap(core.KindTransient, "LOCK_BACKEND_ERROR", "failed to attempt lock acquisition", err)
		}
		if ok {
			return lock, nil
		}

		select {
		case <-ctx.Done():
			return nil, core.Wrap(core.KindTransient, "LOCK_ACQUIRE_TIMEOUT", "timed out waiting to acquire lock", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Release frees the lock. Releasing twice is a no-op.
func (l *Lock) Release() *core.Error {
	if err := l.coord.kv.Delete(l.key, nats.LastRevision(l.revision)); err != nil {
		// Already expired or already deleted — releasing is best-effort.
		return nil
	}
	return nil
}
