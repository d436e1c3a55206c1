package instruction

import (
	"fmt"
	"strconv"
)

// Status is the position of an instruction in its lifecycle.
type Status int

const (
	// StatusPending: created and queued, not yet admitted by the scheduler.
	StatusPending Status = iota + 1
	// StatusAdmitted: holds its resource locks and a concurrency slot.
	StatusAdmitted
	// StatusExecuting: snapshot captured, optimistic mutation being applied.
	StatusExecuting
	// StatusAwaitingConfirmation: request sent, waiting for response and/or push.
	StatusAwaitingConfirmation
	// StatusCommitted: confirmed state applied exactly once.
	StatusCommitted
	// StatusDiscarded: superseded by a newer conflicting instruction.
	StatusDiscarded
	// StatusFailed: rejected, timed out or stopped; optimistic change rolled back.
	StatusFailed
)

// String returns the wire name of the status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusAdmitted:
		return "admitted"
	case StatusExecuting:
		return "executing"
	case StatusAwaitingConfirmation:
		return "awaitingConfirmation"
	case StatusCommitted:
		return "committed"
	case StatusDiscarded:
		return "discarded"
	case StatusFailed:
		return "failed"
	default:
		return "Status(" + strconv.Itoa(int(s)) + ")"
	}
}

// ParseStatus is the inverse of String.
func ParseStatus(s string) (Status, error) {
	for st := StatusPending; st <= StatusFailed; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", s)
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCommitted || s == StatusDiscarded || s == StatusFailed
}

// Active reports whether the instruction occupies a concurrency slot.
func (s Status) Active() bool {
	return s == StatusAdmitted || s == StatusExecuting || s == StatusAwaitingConfirmation
}

// transitions lists the legal successor states of each status.
var transitions = map[Status][]Status{
	StatusPending:              {StatusAdmitted, StatusDiscarded, StatusFailed},
	StatusAdmitted:             {StatusExecuting, StatusDiscarded, StatusFailed},
	StatusExecuting:            {StatusAwaitingConfirmation, StatusDiscarded, StatusFailed},
	StatusAwaitingConfirmation: {StatusCommitted, StatusDiscarded, StatusFailed},
}

// CanTransition reports whether from -> to is a legal edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
