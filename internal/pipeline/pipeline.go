// Package pipeline is the instruction bus: it accepts instructions, schedules
// them under their conflict strategy, executes them optimistically and
// reconciles confirmations.
//
// All state mutation happens on the single-writer Run loop. Callers talk to
// the loop through an unbounded FIFO of events:
//
//	Dispatch ──submit──▶ ┌──────────┐ ──Offer/Admit──▶ scheduler
//	send goroutine ─────▶│ Run loop │ ──Execute─────▶ executor ──▶ transport
//	push / Notify ──────▶│  (FIFO)  │ ──Reconcile───▶ reconciler
//	timers, TTL janitor ▶└──────────┘ ──Record──────▶ journal
//
// Thread-safety model:
//   - Dispatch, Submit, Notify, Barrier, Snapshot: safe from any goroutine
//   - Run: must be called from exactly one goroutine
//   - registry callbacks (Commit, Optimistic, listeners): run on the loop,
//     except Validate and ResourceKeys which run in the Dispatch caller
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/relay/internal/correlation"
	"github.com/roach88/relay/internal/executor"
	"github.com/roach88/relay/internal/instruction"
	"github.com/roach88/relay/internal/push"
	"github.com/roach88/relay/internal/reconcile"
	"github.com/roach88/relay/internal/registry"
	"github.com/roach88/relay/internal/scheduler"
	"github.com/roach88/relay/internal/transport"
)

// ErrAlreadyRunning is returned by a second call to Run.
var ErrAlreadyRunning = errors.New("pipeline already running")

// ErrStopped is returned by Barrier once the pipeline has stopped, and by Run
// after Stop.
var ErrStopped = errors.New("pipeline stopped")

// Pipeline is the instruction bus.
type Pipeline struct {
	registry  *registry.Registry
	transport transport.Transport

	maxConcurrency int
	correlationTTL time.Duration
	settledTTL     time.Duration
	gen            correlation.Generator
	logger         *slog.Logger
	recorders      []Recorder
	metrics        Metrics
	listeners      []push.Handler
	deliveryHook   func(string)
	now            func() time.Time

	clock   *instruction.Clock
	queue   *eventQueue
	tracker *correlation.Tracker
	sched   *scheduler.Scheduler
	exec    *executor.Executor
	rec     *reconcile.Reconciler

	// live is owned by the loop: correlation id -> in-flight instruction.
	live map[string]*record
	// rctx is the context recorders receive; it survives Run cancellation
	// so shutdown transitions are still journaled.
	rctx context.Context

	snapshot atomic.Pointer[Snapshot]
	started  atomic.Bool
	done     chan struct{}

	subsMu sync.Mutex
	subs   []func()
}

// submission is what Dispatch hands to the loop.
type submission struct {
	inst       *instruction.Instruction
	entry      registry.Entry
	optimistic *registry.Optimistic
	ticket     *Ticket
}

// record is the loop's view of one live instruction.
type record struct {
	submission
	txn         *correlation.Transaction
	submittedAt time.Time
}

// New creates a pipeline over reg and t. Run must be called to start it.
func New(reg *registry.Registry, t transport.Transport, opts ...Option) *Pipeline {
	p := &Pipeline{
		registry:  reg,
		transport: t,
		gen:       correlation.UUIDv7Generator{},
		logger:    slog.Default(),
		now:       time.Now,
		clock:     instruction.NewClock(),
		queue:     newEventQueue(),
		live:      make(map[string]*record),
		rctx:      context.Background(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.tracker = correlation.NewTracker(
		correlation.WithTTL(p.correlationTTL),
		correlation.WithSettledTTL(p.settledTTL),
		correlation.WithExpiryCallback(func(id string) {
			p.queue.Enqueue(event{kind: eventExpire, id: id})
		}),
	)
	p.sched = scheduler.New(p.maxConcurrency)
	p.exec = executor.New(t, p.tracker, executor.Hooks{
		Deliver: func(d executor.Delivery) {
			p.queue.Enqueue(event{kind: eventDelivery, delivery: d})
			if p.deliveryHook != nil {
				p.deliveryHook(d.CorrelationID)
			}
		},
		Timeout: func(id string) {
			p.queue.Enqueue(event{kind: eventTimeout, id: id})
		},
		Record: p.record,
	}, executor.WithLogger(p.logger), executor.WithNow(p.now))
	p.rec = reconcile.New(p.tracker, p.logger)

	p.publishSnapshot()
	return p
}

// Dispatch submits an instruction and returns its Ticket.
//
// Unknown types and invalid payloads are rejected synchronously with an
// UNKNOWN_TYPE or VALIDATION *instruction.Error; the scheduler never sees
// them. After Stop, Dispatch fails with STOPPED.
func (p *Pipeline) Dispatch(typ string, payload any, opts ...DispatchOption) (*Ticket, error) {
	entry, err := p.registry.Lookup(typ)
	if err != nil {
		return nil, err
	}
	if entry.Validate != nil {
		if err := entry.Validate(payload); err != nil {
			return nil, instruction.NewValidationError(typ, err)
		}
	}
	keys, err := registry.Keys(entry, payload)
	if err != nil {
		return nil, instruction.NewValidationError(typ, err)
	}

	inst := &instruction.Instruction{
		Type:          typ,
		Payload:       payload,
		CorrelationID: p.gen.Generate(),
		ResourceKeys:  keys,
		Strategy:      entry.Strategy,
		Expect:        entry.Expect,
		Priority:      entry.Priority,
		Status:        instruction.StatusPending,
		CreatedAt:     p.now(),
	}
	sub := &submission{inst: inst, entry: entry, ticket: newTicket(inst.CorrelationID, typ)}
	for _, opt := range opts {
		opt(sub)
	}
	if o := sub.optimistic; o != nil && (o.Capture == nil || o.Apply == nil || o.Restore == nil) {
		return nil, instruction.NewValidationError(typ, fmt.Errorf("optimistic override needs Capture, Apply and Restore"))
	}

	if !p.queue.Enqueue(event{kind: eventSubmit, submission: sub}) {
		return nil, instruction.NewError(instruction.CodeStopped, inst, "pipeline stopped", nil)
	}
	if p.metrics != nil {
		p.metrics.Submitted(typ)
	}
	return sub.ticket, nil
}

// Submit is Dispatch followed by Ticket.Wait.
func (p *Pipeline) Submit(ctx context.Context, typ string, payload any, opts ...DispatchOption) (instruction.Result, error) {
	t, err := p.Dispatch(typ, payload, opts...)
	if err != nil {
		return instruction.Result{}, err
	}
	return t.Wait(ctx)
}

// Notify hands a push event to the loop. Returns false after Stop.
func (p *Pipeline) Notify(ev push.Event) bool {
	return p.queue.Enqueue(event{kind: eventPush, push: ev})
}

// Attach subscribes the pipeline to sub. The subscription is cancelled on
// shutdown.
func (p *Pipeline) Attach(sub push.Subscriber) {
	cancel := sub.Subscribe(func(ev push.Event) { p.Notify(ev) })
	p.subsMu.Lock()
	p.subs = append(p.subs, cancel)
	p.subsMu.Unlock()
}

// Barrier waits until every event enqueued before the call has been
// processed by the loop.
func (p *Pipeline) Barrier(ctx context.Context) error {
	done := make(chan struct{})
	if !p.queue.Enqueue(event{kind: eventBarrier, done: done}) {
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the single-writer event loop and blocks until ctx is cancelled
// or Stop is called. On return every live instruction has settled: one whose
// confirmation was already committed as committed, the rest rolled back and
// failed with STOPPED. All goroutines owned by the pipeline have exited.
//
// Event processing never aborts the loop: a failing callback fails its
// instruction and the loop moves on.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		if p.queue.Closed() {
			return ErrStopped
		}
		return ErrAlreadyRunning
	}
	defer close(p.done)
	p.rctx = context.WithoutCancel(ctx)

	p.logger.Info("pipeline starting", "max_concurrency", p.sched.Stats().MaxConcurrency)

	for {
		if ev, ok := p.queue.TryDequeue(); ok {
			p.process(ev)
			continue
		}

		select {
		case <-ctx.Done():
			p.logger.Info("pipeline stopping: context cancelled")
			p.queue.Close()
			p.shutdown()
			return ctx.Err()

		case <-p.queue.Wait():
			// The signal channel is closed by Close, which makes this case
			// fire immediately.
			if p.queue.Closed() && p.queue.Len() == 0 {
				p.logger.Info("pipeline stopping: queue closed")
				p.shutdown()
				return nil
			}
		}
	}
}

// Stop closes the event queue and waits for Run to finish shutting down.
//
// If Run was never started, Stop does the shutdown itself: submissions
// already accepted settle with STOPPED and a later Run returns ErrStopped.
func (p *Pipeline) Stop() {
	p.queue.Close()
	if p.started.CompareAndSwap(false, true) {
		p.shutdown()
		close(p.done)
		return
	}
	<-p.done
}

// Done is closed once the pipeline has shut down.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// shutdown settles everything still in flight. Called once, from Run or from
// Stop when Run never started.
func (p *Pipeline) shutdown() {
	p.subsMu.Lock()
	for _, cancel := range p.subs {
		cancel()
	}
	p.subs = nil
	p.subsMu.Unlock()

	// Events accepted before Close still get an answer.
	for {
		ev, ok := p.queue.TryDequeue()
		if !ok {
			break
		}
		switch ev.kind {
		case eventSubmit:
			ev.submission.ticket.settle(instruction.Result{},
				instruction.NewError(instruction.CodeStopped, ev.submission.inst, "pipeline stopped", nil))
		case eventBarrier:
			close(ev.done)
		}
	}

	for _, inst := range p.sched.Drain() {
		r, ok := p.live[inst.CorrelationID]
		if !ok {
			continue
		}
		if r.txn != nil && r.txn.Committed() {
			// Its change already landed; the missing confirmation would
			// only have acknowledged it.
			p.tracker.Remove(inst.CorrelationID)
			p.note(r.inst, "settled committed on shutdown")
			p.finishCommitted(r)
			continue
		}
		p.exec.Abort(inst.CorrelationID)
		if r.txn != nil {
			d := p.rec.Abandon(r.txn)
			if d.RolledBack {
				p.note(r.inst, "rolled back")
			}
		}
		p.finishFailed(r, instruction.NewError(instruction.CodeStopped, r.inst, "pipeline stopped", nil))
	}

	p.publishSnapshot()
	p.exec.Close()
	p.tracker.Close()
	p.logger.Info("pipeline stopped")
}

func (p *Pipeline) record(t instruction.Transition) {
	p.logger.Debug("instruction transition",
		"seq", t.Seq,
		"correlation_id", t.CorrelationID,
		"type", t.Type,
		"from", t.From.String(),
		"to", t.To.String(),
		"detail", t.Detail,
	)
	for _, r := range p.recorders {
		if err := r.Record(p.rctx, t); err != nil {
			p.logger.Error("journal write failed",
				"correlation_id", t.CorrelationID,
				"error", err,
			)
		}
	}
}

// transition moves inst and records the change. An illegal edge is a
// programming error in the loop; it is logged and the status left unchanged.
func (p *Pipeline) transition(inst *instruction.Instruction, to instruction.Status, detail string) bool {
	from, err := inst.Transition(to)
	if err != nil {
		p.logger.Error("illegal transition", "error", err)
		return false
	}
	p.record(inst.Observed(from, detail, p.now()))
	return true
}

// note records an event that did not change status.
func (p *Pipeline) note(inst *instruction.Instruction, detail string) {
	p.record(inst.Observed(inst.Status, detail, p.now()))
}
