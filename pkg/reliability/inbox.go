package reliability

import (
	"sync"
	"time"

	"github.com/fluxorio/cqrsflow/pkg/core"
)

// Inbox gives handlers exactly-once-effect semantics: TryStore is atomic and
// returns true only on the first insertion of a given messageId within ttl.
type Inbox interface {
	TryStore(messageID core.MessageID, ttl time.Duration) (bool, *core.Error)
}

// MemoryInbox is the in-process reference Inbox. An expired entry is
// replaced when its messageId is stored again; there is no background
// sweep, so expired entries for other ids stay in memory.
type MemoryInbox struct {
	mu      sync.Mutex
	entries map[core.MessageID]time.Time // messageId -> expiresAt
}

// NewMemoryInbox creates an empty in-memory Inbox.
func NewMemoryInbox() *MemoryInbox {
	return &MemoryInbox{entries: make(map[core.MessageID]time.Time)}
}

func (i *MemoryInbox) TryStore(messageID core.MessageID, ttl time.Duration) (bool, *core.Error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	now := time.Now()
	if expiresAt, ok := i.entries[messageID]; ok && now.Before(expiresAt) {
		return false, nil
	}

	i.entries[messageID] = now.Add(ttl)
	return true, nil
}
