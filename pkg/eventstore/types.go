// Package eventstore implements a per-stream append-only event log with
// optimistic concurrency, the durable backbone for the cqrsflow event
// sourcing model.
package eventstore

import (
	"time"

	"github.com/fluxorio/cqrsflow/pkg/core"
)

// EventEnvelope wraps one stored event with its stream position.
type EventEnvelope struct {
	Event     interface{}
	EventType string
	Version   int64
	Timestamp time.Time
	Metadata  map[string]string
}

// EventStream is the ordered result of a Read call. Versions are contiguous
// starting at the fromVersion passed to Read; an absent stream reads back as an empty stream
// with Version 0.
type EventStream struct {
	StreamID string
	Version  int64
	Events   []EventEnvelope
}

// NoConcurrencyCheck is passed as expectedVersion to Append to skip the
// optimistic concurrency check entirely.
const NoConcurrencyCheck int64 = -1

const (
	CodeConcurrencyConflict = "CONCURRENCY_CONFLICT"
	CodeStorageUnavailable  = "STORAGE_UNAVAILABLE"
	CodeStorageCorruption   = "STORAGE_CORRUPTION"
)

// ConcurrencyConflict is the cause payload of a Failure(Conflict) returned by
// Append when expectedVersion does not match the stream's current version.
type ConcurrencyConflict struct {
	Current  int64
	Expected int64
}

func (c *ConcurrencyConflict) Error() string {
	return "concurrency conflict: stream is at a different version than expected"
}

// NewConcurrencyConflictError builds the typed *core.Error Append returns on
// an optimistic concurrency failure.
func NewConcurrencyConflictError(current, expected int64) *core.Error {
	return core.Wrap(core.KindConflict, CodeConcurrencyConflict, "stream version does not match expectedVersion", &ConcurrencyConflict{Current: current, Expected: expected})
}

// Store is the Event Store contract. Implementations serialize appends to
// the same streamId (per-stream mutex or compare-and-swap on version);
// appends to distinct streams may proceed in parallel.
type Store interface {
	// Append writes events to streamId, returning the new stream version.
	// expectedVersion == NoConcurrencyCheck skips the check; otherwise it
	// must equal the stream's current version or the call fails with
	// Failure(Conflict).
	Append(streamID string, events []interface{}, expectedVersion int64) (int64, *core.Error)

	// Read returns events from fromVersion (1-based, inclusive) up to
	// maxCount events (0 means unlimited). Reading an absent stream returns
	// an empty EventStream with Version 0, never an error.
	Read(streamID string, fromVersion int64, maxCount int) (EventStream, *core.Error)

	StreamExists(streamID string) (bool, *core.Error)
	GetStreamVersion(streamID string) (int64, *core.Error)

	// DeleteStream removes the stream and its events. A subsequent Read
	// returns empty, version=0.
	DeleteStream(streamID string) *core.Error

	// ListStreams returns stream ids matching pattern ("*" wildcard).
	ListStreams(pattern string) ([]string, *core.Error)
}
