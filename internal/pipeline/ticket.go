package pipeline

import (
	"context"
	"sync"

	"github.com/roach88/relay/internal/instruction"
)

// Ticket is the caller's handle on a dispatched instruction. It resolves
// exactly once, when the instruction reaches a terminal state.
type Ticket struct {
	CorrelationID string
	Type          string

	once   sync.Once
	done   chan struct{}
	result instruction.Result
	err    error
}

func newTicket(correlationID, typ string) *Ticket {
	return &Ticket{CorrelationID: correlationID, Type: typ, done: make(chan struct{})}
}

// Done is closed when the ticket resolves.
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the instruction settles or ctx is done.
//
// A discarded instruction resolves with a Result whose Outcome is
// OutcomeDiscarded and a nil error. Failures return an *instruction.Error.
// Cancelling ctx abandons the wait, not the instruction.
func (t *Ticket) Wait(ctx context.Context) (instruction.Result, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return instruction.Result{}, ctx.Err()
	}
}

// Settled reports whether the ticket has resolved, without blocking.
func (t *Ticket) Settled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *Ticket) settle(r instruction.Result, err error) {
	t.once.Do(func() {
		t.result = r
		t.err = err
		close(t.done)
	})
}
