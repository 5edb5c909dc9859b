// Package reliability implements the at-least-once / exactly-once-effect
// envelopes that sit between the mediator, the event store, and external
// transports: outbox, inbox, dead-letter store, and idempotency store.
package reliability

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fluxorio/cqrsflow/pkg/core"
	"github.com/fluxorio/cqrsflow/pkg/core/concurrency"
)

// OutboxMessage is created inside the same unit-of-work as an event append;
// a separate processor loop dispatches it to the external transport.
type OutboxMessage struct {
	ID          string
	MessageType string
	Payload     []byte
	CreatedAt   time.Time
	ProcessedAt *time.Time
	Attempts    uint32
}

// Outbox stores pending outbound messages FIFO by CreatedAt.
type Outbox interface {
	Add(msg OutboxMessage) *core.Error
	GetPending(limit int) ([]OutboxMessage, *core.Error)
	MarkAsProcessed(id string) *core.Error
	IncrementAttempts(id string) *core.Error
}

// MemoryOutbox is the in-process reference Outbox.
type MemoryOutbox struct {
	mu       sync.Mutex
	messages map[string]*OutboxMessage
}

// NewMemoryOutbox creates an empty in-memory Outbox.
func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{messages: make(map[string]*OutboxMessage)}
}

func (o *MemoryOutbox) Add(msg OutboxMessage) *core.Error {
	if msg.ID == "" {
		return core.NewError(core.KindValidation, "INVALID_OUTBOX_MESSAGE", "outbox message id cannot be empty")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	cp := msg
	o.messages[msg.ID] = &cp
	return nil
}

func (o *MemoryOutbox) GetPending(limit int) ([]OutboxMessage, *core.Error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var pending []OutboxMessage
	for _, m := range o.messages {
		if m.ProcessedAt == nil {
			pending = append(pending, *m)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })

	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (o *MemoryOutbox) MarkAsProcessed(id string) *core.Error {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, ok := o.messages[id]
	if !ok || m.ProcessedAt != nil {
		return nil // idempotent: already processed or never existed
	}
	now := time.Now()
	m.ProcessedAt = &now
	return nil
}

func (o *MemoryOutbox) IncrementAttempts(id string) *core.Error {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, ok := o.messages[id]
	if !ok {
		return core.NewError(core.KindNotFound, "OUTBOX_MESSAGE_NOT_FOUND", "no pending outbox message with that id")
	}
	m.Attempts++
	return nil
}

// Dispatcher sends a processed OutboxMessage's payload to the external
// transport. The Processor calls it once per pending row.
type Dispatcher func(msg OutboxMessage) error

// Processor drains pending Outbox rows and dispatches them. A failed
// dispatch is retried on a later RunOnce/RunOnceConcurrent call with no
// delay between attempts (backoffBase and backoffCap are not read); once a
// message has failed maxAttempts times it lands in the DeadLetterStore.
type Processor struct {
	outbox        Outbox
	dlq           DeadLetterStore
	dispatch      Dispatcher
	maxAttempts   uint32
	backoffBase   time.Duration
	backoffCap    time.Duration
	originQueue   string
}

// NewProcessor builds an outbox Processor.
func NewProcessor(outbox Outbox, dlq DeadLetterStore, dispatch Dispatcher, maxAttempts uint32, originQueue string) *Processor {
	return &Processor{
		outbox:      outbox,
		dlq:         dlq,
		dispatch:    dispatch,
		maxAttempts: maxAttempts,
		backoffBase: 100 * time.Millisecond,
		backoffCap:  5 * time.Second,
		originQueue: originQueue,
	}
}

// RunOnce drains up to batchSize pending rows, dispatching each in order; a
// dispatch failure retries up to maxAttempts before landing the message in
// the DLQ.
func (p *Processor) RunOnce(batchSize int) *core.Error {
	pending, err := p.outbox.GetPending(batchSize)
	if err != nil {
		return err
	}

	for _, msg := range pending {
		if settleErr := p.settle(msg, p.dispatch(msg)); settleErr != nil {
			return settleErr
		}
	}
	return nil
}

// settle records the outcome of one dispatch attempt: mark processed on
// success, or increment attempts and escalate to the DLQ once maxAttempts is
// reached.
func (p *Processor) settle(msg OutboxMessage, dispatchErr error) *core.Error {
	if dispatchErr == nil {
		return p.outbox.MarkAsProcessed(msg.ID)
	}

	if incErr := p.outbox.IncrementAttempts(msg.ID); incErr != nil {
		return incErr
	}
	if msg.Attempts+1 < p.maxAttempts {
		return nil
	}
	if dlqErr := p.dlq.Store(DeadLetter{
		MessageID:   msg.ID,
		OriginQueue: p.originQueue,
		Payload:     msg.Payload,
		FailedAt:    time.Now(),
		Reason:      dispatchErr.Error(),
		RetryCount:  msg.Attempts + 1,
	}); dlqErr != nil {
		return dlqErr
	}
	return p.outbox.MarkAsProcessed(msg.ID)
}

// dispatchOutcome carries one task's result back through the Mailbox.
type dispatchOutcome struct {
	msg OutboxMessage
	err error
}

// RunOnceConcurrent behaves like RunOnce but fans the batch out across a
// bounded pkg/core/concurrency.WorkerPool instead of dispatching serially,
// useful when Dispatcher does network I/O and pending rows are independent
// of each other. Per-task outcomes are collected through a Mailbox — the
// same hidden-channel abstraction the pool itself is built on — rather than
// a raw channel, so settling stays on the calling goroutine and outbox/DLQ
// writes are never run concurrently with each other.
func (p *Processor) RunOnceConcurrent(batchSize, workers int) *core.Error {
	pending, err := p.outbox.GetPending(batchSize)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	if workers < 1 {
		workers = 1
	}

	pool := concurrency.NewWorkerPool(context.Background(), concurrency.WorkerPoolConfig{
		Workers:   workers,
		QueueSize: len(pending),
	})
	if startErr := pool.Start(); startErr != nil {
		return core.Wrap(core.KindFatal, "OUTBOX_POOL_START_FAILED", "failed to start outbox dispatch pool", startErr)
	}

	outcomes := concurrency.NewBoundedMailbox(len(pending))
	for _, msg := range pending {
		msg := msg
		task := concurrency.NewNamedTask("outbox-dispatch-"+msg.ID, func(context.Context) error {
			dispatchErr := p.dispatch(msg)
			_ = outcomes.Send(dispatchOutcome{msg: msg, err: dispatchErr})
			return dispatchErr
		})
		if subErr := pool.Submit(task); subErr != nil {
			_ = outcomes.Send(dispatchOutcome{msg: msg, err: subErr})
		}
	}

	var settleErr *core.Error
	for i := 0; i < len(pending); i++ {
		raw, recvErr := outcomes.Receive(context.Background())
		if recvErr != nil {
			break
		}
		outcome := raw.(dispatchOutcome)
		if settleErr == nil {
			settleErr = p.settle(outcome.msg, outcome.err)
		}
	}

	if stopErr := pool.Stop(context.Background()); stopErr != nil && settleErr == nil {
		return core.Wrap(core.KindFatal, "OUTBOX_POOL_STOP_FAILED", "outbox dispatch pool failed to stop cleanly", stopErr)
	}
	return settleErr
}
