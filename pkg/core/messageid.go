package core

import (
	"sync"
	"time"
)

// MessageID is a 64-bit monotonic identifier. Uniqueness is a per-process
// invariant: the high bits are a millisecond timestamp, the low bits a
// counter that guarantees strict ordering even when two ids are minted
// within the same millisecond.
type MessageID uint64

const messageIDCounterBits = 18

var messageIDGen = &messageIDGenerator{}

type messageIDGenerator struct {
	mu        sync.Mutex
	lastMilli int64
	counter   uint64
}

// NewMessageID mints a process-unique, timestamp-sortable id.
func NewMessageID() MessageID {
	return messageIDGen.next()
}

func (g *messageIDGenerator) next() MessageID {
	g.mu.Lock()
	defer g.mu.Unlock()

	milli := time.Now().UnixMilli()
	if milli <= g.lastMilli {
		milli = g.lastMilli
		g.counter++
		if g.counter >= (1 << messageIDCounterBits) {
			// Counter exhausted within this millisecond: force the clock
			// forward rather than wrap and risk reissuing an id.
			milli++
			g.counter = 0
		}
	} else {
		g.counter = 0
	}
	g.lastMilli = milli

	return MessageID(uint64(milli)<<messageIDCounterBits | g.counter)
}

// Timestamp extracts the millisecond timestamp embedded in the id.
func (m MessageID) Timestamp() time.Time {
	milli := int64(uint64(m) >> messageIDCounterBits)
	return time.UnixMilli(milli)
}
