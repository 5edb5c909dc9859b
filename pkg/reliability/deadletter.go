package reliability

import (
	"sort"
	"sync"
	"time"

	"github.com/fluxorio/cqrsflow/pkg/core"
)

// DeadLetter records a message that permanently failed delivery.
type DeadLetter struct {
	MessageID   string
	OriginQueue string
	Payload     []byte
	FailedAt    time.Time
	Reason      string
	RetryCount  uint32
	Permanent   bool
	Headers     map[string]string
}

// DeadLetterStore stores DeadLetters keyed by (originQueue, messageId).
type DeadLetterStore interface {
	Store(dl DeadLetter) *core.Error
	ListByQueue(originQueue string, offset, limit int) ([]DeadLetter, *core.Error)
	Remove(originQueue, messageID string) *core.Error
	MarkPermanent(originQueue, messageID string) *core.Error
}

type deadLetterKey struct {
	originQueue string
	messageID   string
}

// MemoryDeadLetterStore is the in-process reference DeadLetterStore.
type MemoryDeadLetterStore struct {
	mu    sync.RWMutex
	items map[deadLetterKey]*DeadLetter
}

// NewMemoryDeadLetterStore creates an empty in-memory DeadLetterStore.
func NewMemoryDeadLetterStore() *MemoryDeadLetterStore {
	return &MemoryDeadLetterStore{items: make(map[deadLetterKey]*DeadLetter)}
}

func (s *MemoryDeadLetterStore) Store(dl DeadLetter) *core.Error {
	if dl.MessageID == "" || dl.OriginQueue == "" {
		return core.NewError(core.KindValidation, "INVALID_DEAD_LETTER", "messageId and originQueue are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := dl
	s.items[deadLetterKey{dl.OriginQueue, dl.MessageID}] = &cp
	return nil
}

func (s *MemoryDeadLetterStore) ListByQueue(originQueue string, offset, limit int) ([]DeadLetter, *core.Error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []DeadLetter
	for key, dl := range s.items {
		if key.originQueue == originQueue {
			matched = append(matched, *dl)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].FailedAt.Before(matched[j].FailedAt) })

	if offset >= len(matched) {
		return nil, nil
	}
	end := len(matched)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return matched[offset:end], nil
}

func (s *MemoryDeadLetterStore) Remove(originQueue, messageID string) *core.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, deadLetterKey{originQueue, messageID})
	return nil
}

func (s *MemoryDeadLetterStore) MarkPermanent(originQueue, messageID string) *core.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dl, ok := s.items[deadLetterKey{originQueue, messageID}]
	if !ok {
		return core.NewError(core.KindNotFound, "DEAD_LETTER_NOT_FOUND", "no dead letter with that originQueue/messageId")
	}
	dl.Permanent = true
	return nil
}
