// Package executor runs the execution phase of admitted instructions.
//
// For each admitted instruction the executor, in order:
//  1. transitions it to executing,
//  2. captures the rollback snapshot,
//  3. builds the remote request,
//  4. registers the pending Transaction with the tracker,
//  5. applies the optimistic mutation,
//  6. transitions to awaitingConfirmation,
//  7. arms the entry timeout and sends the request on its own goroutine.
//
// The Transaction is registered before dispatch so a confirmation that races
// ahead of the send (an early push) always finds it.
//
// Thread-safety: Execute, Abort and Inflight must be called from the pipeline
// loop. The send goroutines and timers only report back through Hooks.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/relay/internal/correlation"
	"github.com/roach88/relay/internal/instruction"
	"github.com/roach88/relay/internal/registry"
	"github.com/roach88/relay/internal/transport"
)

// Delivery is the outcome of one transport call.
type Delivery struct {
	CorrelationID string
	Response      transport.Response

	// Err is non-nil when the call failed or returned a non-2xx status.
	Err error
}

// Hooks connect the executor to the pipeline loop.
type Hooks struct {
	// Deliver is called from a send goroutine. Must not block.
	Deliver func(Delivery)

	// Timeout is called from a timer goroutine when an instruction's entry
	// timeout elapses. Must not block.
	Timeout func(correlationID string)

	// Record observes each status change driven by the executor. Called on
	// the loop goroutine.
	Record func(instruction.Transition)
}

// Executor dispatches instructions to the transport.
type Executor struct {
	transport transport.Transport
	tracker   *correlation.Tracker
	hooks     Hooks
	logger    *slog.Logger
	now       func() time.Time

	root    context.Context
	stop    context.CancelFunc
	flights map[string]*flight
	wg      sync.WaitGroup
}

type flight struct {
	cancel context.CancelFunc
	timer  *time.Timer
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithNow overrides the wall clock used for CreatedAt and transition times.
func WithNow(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// New creates an executor. Close must be called to wait for in-flight sends.
func New(t transport.Transport, tracker *correlation.Tracker, hooks Hooks, opts ...Option) *Executor {
	root, stop := context.WithCancel(context.Background())
	e := &Executor{
		transport: t,
		tracker:   tracker,
		hooks:     hooks,
		logger:    slog.Default(),
		now:       time.Now,
		root:      root,
		stop:      stop,
		flights:   make(map[string]*flight),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs the execution phase for an admitted instruction.
//
// optimistic overrides entry.Optimistic when non-nil. On success the
// instruction is awaitingConfirmation and the returned Transaction is
// registered with the tracker. On error the instruction is left in executing,
// any partial optimistic mutation has been restored and nothing is
// registered; the error is an EXECUTION *instruction.Error.
func (e *Executor) Execute(inst *instruction.Instruction, entry registry.Entry, optimistic *registry.Optimistic) (*correlation.Transaction, error) {
	if err := e.transition(inst, instruction.StatusExecuting, ""); err != nil {
		return nil, err
	}
	if optimistic == nil {
		optimistic = entry.Optimistic
	}

	txn := &correlation.Transaction{
		CorrelationID:  inst.CorrelationID,
		InstructionSeq: inst.Seq,
		Type:           inst.Type,
		Expected:       inst.Expect,
		CreatedAt:      e.now(),
		CommitFunc:     entry.Commit,
	}

	if optimistic != nil {
		snapshot, err := optimistic.Capture(inst.Payload)
		if err != nil {
			return nil, instruction.NewError(instruction.CodeExecution, inst, "capture snapshot", err)
		}
		txn.Snapshot = snapshot
		txn.RestoreFunc = optimistic.Restore
	}

	req, err := entry.BuildRequest(inst.Payload)
	if err != nil {
		return nil, instruction.NewError(instruction.CodeExecution, inst, "build request", err)
	}
	req.CorrelationID = inst.CorrelationID

	e.tracker.Put(txn)

	if optimistic != nil {
		if err := optimistic.Apply(inst.Payload); err != nil {
			e.tracker.Remove(inst.CorrelationID)
			if _, rerr := txn.Rollback(); rerr != nil {
				e.logger.Error("restore after failed optimistic apply",
					"correlation_id", inst.CorrelationID,
					"type", inst.Type,
					"error", rerr,
				)
			}
			return nil, instruction.NewError(instruction.CodeExecution, inst, "apply optimistic update", err)
		}
	}

	if err := e.transition(inst, instruction.StatusAwaitingConfirmation, ""); err != nil {
		return nil, err
	}

	e.dispatch(inst.CorrelationID, req, entry.Timeout)
	return txn, nil
}

func (e *Executor) dispatch(id string, req transport.Request, timeout time.Duration) {
	ctx, cancel := context.WithCancel(e.root)
	f := &flight{cancel: cancel}
	if timeout > 0 && e.hooks.Timeout != nil {
		f.timer = time.AfterFunc(timeout, func() { e.hooks.Timeout(id) })
	}
	e.flights[id] = f

	e.logger.Debug("dispatching request",
		"correlation_id", id,
		"method", req.Method,
		"path", req.Path,
		"timeout", timeout,
	)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		resp, err := e.transport.Send(ctx, req)
		if err == nil && !resp.OK() {
			err = &transport.StatusError{StatusCode: resp.StatusCode, Body: resp.Body}
		}
		// Aborted requests are not reported: their instruction is already settled.
		if ctx.Err() != nil {
			return
		}
		if e.hooks.Deliver != nil {
			e.hooks.Deliver(Delivery{CorrelationID: id, Response: resp, Err: err})
		}
	}()
}

// Abort stops the timeout timer and cancels the request of id if it is still
// in flight. Called whenever an instruction settles. Returns false if no
// flight was registered.
func (e *Executor) Abort(id string) bool {
	f, ok := e.flights[id]
	if !ok {
		return false
	}
	delete(e.flights, id)
	if f.timer != nil {
		f.timer.Stop()
	}
	f.cancel()
	return true
}

// Inflight returns the number of flights not yet aborted.
func (e *Executor) Inflight() int {
	return len(e.flights)
}

// Close aborts every flight and waits for the send goroutines to return.
// Transports must honour context cancellation for Close to return promptly.
func (e *Executor) Close() {
	for id := range e.flights {
		e.Abort(id)
	}
	e.stop()
	e.wg.Wait()
}

func (e *Executor) transition(inst *instruction.Instruction, to instruction.Status, detail string) error {
	from, err := inst.Transition(to)
	if err != nil {
		return instruction.NewError(instruction.CodeExecution, inst, "state machine", err)
	}
	if e.hooks.Record != nil {
		e.hooks.Record(inst.Observed(from, detail, e.now()))
	}
	return nil
}

// TransportError wraps a failed delivery as a TRANSPORT *instruction.Error.
func TransportError(inst *instruction.Instruction, err error) *instruction.Error {
	var se *transport.StatusError
	if errors.As(err, &se) {
		return instruction.NewError(instruction.CodeTransport, inst, fmt.Sprintf("remote returned %d", se.StatusCode), err)
	}
	return instruction.NewError(instruction.CodeTransport, inst, "request failed", err)
}
