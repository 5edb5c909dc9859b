package eventstore

import (
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/fluxorio/cqrsflow/pkg/core"
)

// streamLog holds one stream's events behind its own mutex, so distinct
// streams serialize independently. See FSStore for the durable backend built
// directly on pkg/appendlog.Store.
type streamLog struct {
	mu      sync.Mutex
	events  []EventEnvelope
	version int64
}

// MemoryStore is the in-process reference Event Store implementation.
type MemoryStore struct {
	mu      sync.RWMutex
	streams map[string]*streamLog
}

// NewMemoryStore creates an empty in-memory Event Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{streams: make(map[string]*streamLog)}
}

func (s *MemoryStore) getOrCreate(streamID string) *streamLog {
	s.mu.RLock()
	log, ok := s.streams[streamID]
	s.mu.RUnlock()
	if ok {
		return log
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if log, ok := s.streams[streamID]; ok {
		return log
	}
	log = &streamLog{}
	s.streams[streamID] = log
	return log
}

func (s *MemoryStore) Append(streamID string, events []interface{}, expectedVersion int64) (int64, *core.Error) {
	if err := core.ValidateStreamID(streamID); err != nil {
		return 0, err.(*core.Error)
	}
	if len(events) == 0 {
		return 0, core.NewError(core.KindValidation, "EMPTY_APPEND", "events cannot be empty")
	}

	log := s.getOrCreate(streamID)
	log.mu.Lock()
	defer log.mu.Unlock()

	if expectedVersion != NoConcurrencyCheck && expectedVersion != log.version {
		return 0, NewConcurrencyConflictError(log.version, expectedVersion)
	}

	now := time.Now()
	for _, evt := range events {
		log.version++
		log.events = append(log.events, EventEnvelope{
			Event:     evt,
			EventType: reflect.TypeOf(evt).String(),
			Version:   log.version,
			Timestamp: now,
		})
	}
	return log.version, nil
}

func (s *MemoryStore) Read(streamID string, fromVersion int64, maxCount int) (EventStream, *core.Error) {
	if err := core.ValidateStreamID(streamID); err != nil {
		return EventStream{}, err.(*core.Error)
	}
	if fromVersion <= 0 {
		fromVersion = 1
	}

	s.mu.RLock()
	log, ok := s.streams[streamID]
	s.mu.RUnlock()
	if !ok {
		return EventStream{StreamID: streamID, Version: 0}, nil
	}

	log.mu.Lock()
	defer log.mu.Unlock()

	var result []EventEnvelope
	for _, e := range log.events {
		if e.Version < fromVersion {
			continue
		}
		result = append(result, e)
		if maxCount > 0 && len(result) >= maxCount {
			break
		}
	}
	return EventStream{StreamID: streamID, Version: log.version, Events: result}, nil
}

func (s *MemoryStore) StreamExists(streamID string) (bool, *core.Error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.streams[streamID]
	return ok, nil
}

func (s *MemoryStore) GetStreamVersion(streamID string) (int64, *core.Error) {
	s.mu.RLock()
	log, ok := s.streams[streamID]
	s.mu.RUnlock()
	if !ok {
		return 0, nil
	}
	log.mu.Lock()
	defer log.mu.Unlock()
	return log.version, nil
}

func (s *MemoryStore) DeleteStream(streamID string) *core.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams, streamID)
	return nil
}

func (s *MemoryStore) ListStreams(pattern string) ([]string, *core.Error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id := range s.streams {
		if pattern == "" || pattern == "*" {
			ids = append(ids, id)
			continue
		}
		matched, err := filepath.Match(pattern, id)
		if err != nil {
			return nil, core.Wrap(core.KindValidation, "INVALID_PATTERN", "malformed stream pattern", err)
		}
		if matched {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
