package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"
)

// LeaderElector runs TryBecomeLeader/renew cycles against a KVCoordinator so
// that at most one nodeId wins leadership for a given key at a time.
type LeaderElector struct {
	coord    *KVCoordinator
	key      string
	nodeID   string
	endpoint string
	ttl      time.Duration

	isLeader atomic.Bool
	revision atomic.Uint64
}

// NewLeaderElector creates an elector for key, identifying this node as
// nodeID reachable at endpoint (used to answer LeaderEndpoint on other
// nodes).
func NewLeaderElector(coord *KVCoordinator, key, nodeID, endpoint string, ttl time.Duration) *LeaderElector {
	return &LeaderElector{coord: coord, key: key, nodeID: nodeID, endpoint: endpoint, ttl: ttl}
}

type leaderRecord struct {
	NodeID   string `json:"nodeId"`
	Endpoint string `json:"endpoint"`
}

// TryBecomeLeader attempts a single leadership acquisition or renewal.
func (e *LeaderElector) TryBecomeLeader() (bool, error) {
	payload := []byte(fmt.Sprintf(`{"nodeId":%q,"endpoint":%q}`, e.nodeID, e.endpoint))

	if e.isLeader.Load() {
		rev, err := e.coord.kv.Update(e.key, payload, e.revision.Load())
		if err != nil {
			e.isLeader.Store(false)
			return false, nil
		}
		e.revision.Store(rev)
		return true, nil
	}

	rev, err := e.coord.kv.Create(e.key, payload)
	if err != nil {
		return false, nil
	}
	e.revision.Store(rev)
	e.isLeader.Store(true)
	return true, nil
}

// IsLeader reports this node's last-known leadership status. It does not
// perform a round-trip; call RunRenewLoop to keep it current.
func (e *LeaderElector) IsLeader() bool { return e.isLeader.Load() }

// GetCurrentLeader returns the current leader's nodeId, if any.
func (e *LeaderElector) GetCurrentLeader() (string, bool) {
	entry, err := e.coord.kv.Get(e.key)
	if err != nil {
		return "", false
	}
	var rec leaderRecord
	if json.Unmarshal(entry.Value(), &rec) != nil {
		return "", false
	}
	return rec.NodeID, true
}

// LeaderEndpoint satisfies mediator.LeaderGate.
func (e *LeaderElector) LeaderEndpoint() (string, bool) {
	entry, err := e.coord.kv.Get(e.key)
	if err != nil {
		return "", false
	}
	var rec leaderRecord
	if json.Unmarshal(entry.Value(), &rec) != nil {
		return "", false
	}
	return rec.Endpoint, true
}

// RunRenewLoop repeatedly attempts leadership every interval (typically
// ttl/3) until ctx is cancelled. Leaders that fail to renew before ttl lose
// leadership when the JetStream KV entry expires.
func (e *LeaderElector) RunRenewLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = e.TryBecomeLeader()
		}
	}
}
