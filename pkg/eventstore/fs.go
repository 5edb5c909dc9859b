package eventstore

import (
	"encoding/json"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/fluxorio/cqrsflow/pkg/appendlog"
	"github.com/fluxorio/cqrsflow/pkg/core"
)

// fsRecord is the wire format written to the underlying append-only log: one
// JSON record per stored event, tagged with its stream id so a single flat
// log can back every stream.
type fsRecord struct {
	StreamID  string            `json:"stream_id"`
	EventType string            `json:"event_type"`
	Payload   json.RawMessage   `json:"payload"`
	Version   int64             `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// FSStore is a durable, single-node Event Store backed directly by
// pkg/appendlog.Store: every Append call writes one fsRecord per event onto
// the flat segment-file log, and an in-memory per-stream index — rebuilt by
// replaying the log at startup — answers Read/GetStreamVersion/ListStreams
// without touching disk. Appends across all streams share the log's single
// writer, so this store trades per-stream append concurrency (MemoryStore
// and PostgresStore both have it) for segment-file durability without a
// database; use PostgresStore when concurrent writers across many streams
// matter.
type FSStore struct {
	log    appendlog.Store
	codec  func(interface{}) ([]byte, error)
	decode func([]byte, string) (interface{}, error)

	mu      sync.Mutex
	streams map[string][]EventEnvelope
	version map[string]int64
}

// NewFSStore opens (recovering, if segments already exist) a file-backed
// Event Store rooted at dir.
func NewFSStore(dir string, registry EventTypeRegistry) (*FSStore, *core.Error) {
	log, err := appendlog.NewFSStore(appendlog.DefaultFSStoreConfig(dir))
	if err != nil {
		return nil, core.Wrap(core.KindTransient, CodeStorageUnavailable, "failed to open append log", err)
	}

	s := &FSStore{
		log:     log,
		streams: make(map[string][]EventEnvelope),
		version: make(map[string]int64),
		codec: func(v interface{}) ([]byte, error) {
			return json.Marshal(v)
		},
		decode: func(data []byte, eventType string) (interface{}, error) {
			factory, ok := registry[eventType]
			if !ok {
				var generic map[string]interface{}
				if err := json.Unmarshal(data, &generic); err != nil {
					return nil, err
				}
				return generic, nil
			}
			v := factory()
			if err := json.Unmarshal(data, v); err != nil {
				return nil, err
			}
			return v, nil
		},
	}
	if rerr := s.replay(); rerr != nil {
		_ = log.Close()
		return nil, rerr
	}
	return s, nil
}

// replayBatch bounds each Read call during startup replay.
const replayBatch = 4096

func (s *FSStore) replay() *core.Error {
	from := appendlog.Offset(0)
	for {
		recs, err := s.log.Read(from, replayBatch)
		if err != nil {
			return core.Wrap(core.KindFatal, CodeStorageCorruption, "failed to replay append log", err)
		}
		for _, rec := range recs {
			var fr fsRecord
			if jerr := json.Unmarshal(rec.Data, &fr); jerr != nil {
				return core.Wrap(core.KindFatal, CodeStorageCorruption, "failed to decode append log record", jerr)
			}
			if fr.Version == 0 {
				// Tombstone written by DeleteStream.
				delete(s.streams, fr.StreamID)
				delete(s.version, fr.StreamID)
				continue
			}
			decoded, derr := s.decode(fr.Payload, fr.EventType)
			if derr != nil {
				return core.Wrap(core.KindFatal, CodeStorageCorruption, "failed to decode event payload", derr)
			}
			s.streams[fr.StreamID] = append(s.streams[fr.StreamID], EventEnvelope{
				Event:     decoded,
				EventType: fr.EventType,
				Version:   fr.Version,
				Timestamp: fr.Timestamp,
				Metadata:  fr.Metadata,
			})
			s.version[fr.StreamID] = fr.Version
		}
		if len(recs) < replayBatch {
			return nil
		}
		from = recs[len(recs)-1].Offset + 1
	}
}

func (s *FSStore) Append(streamID string, events []interface{}, expectedVersion int64) (int64, *core.Error) {
	if err := core.ValidateStreamID(streamID); err != nil {
		return 0, err.(*core.Error)
	}
	if len(events) == 0 {
		return 0, core.NewError(core.KindValidation, "EMPTY_APPEND", "events cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.version[streamID]
	if expectedVersion != NoConcurrencyCheck && expectedVersion != current {
		return 0, NewConcurrencyConflictError(current, expectedVersion)
	}

	now := time.Now()
	newVersion := current
	appended := make([]EventEnvelope, 0, len(events))
	for _, evt := range events {
		newVersion++
		payload, encErr := s.codec(evt)
		if encErr != nil {
			return 0, core.Wrap(core.KindValidation, "ENCODE_FAILED", "failed to encode event payload", encErr)
		}
		eventType := reflect.TypeOf(evt).String()
		data, merr := json.Marshal(fsRecord{
			StreamID:  streamID,
			EventType: eventType,
			Payload:   payload,
			Version:   newVersion,
			Timestamp: now,
		})
		if merr != nil {
			return 0, core.Wrap(core.KindValidation, "ENCODE_FAILED", "failed to encode append log record", merr)
		}
		if _, werr := s.log.Append(data); werr != nil {
			return 0, core.Wrap(core.KindTransient, CodeStorageUnavailable, "failed to append to log", werr)
		}
		appended = append(appended, EventEnvelope{Event: evt, EventType: eventType, Version: newVersion, Timestamp: now})
	}

	s.streams[streamID] = append(s.streams[streamID], appended...)
	s.version[streamID] = newVersion
	return newVersion, nil
}

func (s *FSStore) Read(streamID string, fromVersion int64, maxCount int) (EventStream, *core.Error) {
	if err := core.ValidateStreamID(streamID); err != nil {
		return EventStream{}, err.(*core.Error)
	}
	if fromVersion <= 0 {
		fromVersion = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	events, ok := s.streams[streamID]
	if !ok {
		return EventStream{StreamID: streamID, Version: 0}, nil
	}

	var result []EventEnvelope
	for _, e := range events {
		if e.Version < fromVersion {
			continue
		}
		result = append(result, e)
		if maxCount > 0 && len(result) >= maxCount {
			break
		}
	}
	return EventStream{StreamID: streamID, Version: s.version[streamID], Events: result}, nil
}

func (s *FSStore) StreamExists(streamID string) (bool, *core.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.streams[streamID]
	return ok, nil
}

func (s *FSStore) GetStreamVersion(streamID string) (int64, *core.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version[streamID], nil
}

// DeleteStream removes the stream from the index and writes a tombstone
// record so the deletion survives a restart's replay. The underlying log is
// append-only; the stream's physical records are never truncated.
func (s *FSStore) DeleteStream(streamID string) *core.Error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, merr := json.Marshal(fsRecord{StreamID: streamID, Version: 0})
	if merr != nil {
		return core.Wrap(core.KindValidation, "ENCODE_FAILED", "failed to encode delete tombstone", merr)
	}
	if _, werr := s.log.Append(data); werr != nil {
		return core.Wrap(core.KindTransient, CodeStorageUnavailable, "failed to append delete tombstone", werr)
	}

	delete(s.streams, streamID)
	delete(s.version, streamID)
	return nil
}

func (s *FSStore) ListStreams(pattern string) ([]string, *core.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()

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

// Close releases the underlying append log's resources (flush goroutine,
// open segment file).
func (s *FSStore) Close() *core.Error {
	if err := s.log.Close(); err != nil {
		return core.Wrap(core.KindTransient, CodeStorageUnavailable, "failed to close append log", err)
	}
	return nil
}

// Compile-time interface assertion.
var _ Store = (*FSStore)(nil)
