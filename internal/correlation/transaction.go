package correlation

import (
	"sort"
	"time"

	"github.com/roach88/relay/internal/instruction"
)

// Transaction is the pending transaction of one dispatched instruction.
//
// It is created before the request is sent and consulted by every response or
// push carrying the same correlation id. A Transaction is not safe for
// concurrent use; the pipeline loop is its only writer.
type Transaction struct {
	CorrelationID  string
	InstructionSeq int64
	Type           string
	Expected       instruction.ExpectedSource

	// Snapshot is the opaque state captured before the optimistic mutation.
	Snapshot  any
	CreatedAt time.Time

	// CommitFunc applies a confirmed result to the external state store.
	CommitFunc func(instruction.Confirmation) error

	// RestoreFunc undoes the optimistic mutation from Snapshot. Nil when the
	// instruction had no optimistic step.
	RestoreFunc func(snapshot any) error

	seen         map[instruction.Source]bool
	attempted    bool
	committed    bool
	rolledBack   bool
	confirmation instruction.Confirmation
}

// Seen reports whether a confirmation from src was already recorded.
func (t *Transaction) Seen(src instruction.Source) bool {
	return t.seen[src]
}

// MarkSeen records that a confirmation from src arrived.
func (t *Transaction) MarkSeen(src instruction.Source) {
	if t.seen == nil {
		t.seen = make(map[instruction.Source]bool, 2)
	}
	t.seen[src] = true
}

// SeenSources returns the recorded sources in name order.
func (t *Transaction) SeenSources() []instruction.Source {
	out := make([]instruction.Source, 0, len(t.seen))
	for src := range t.seen {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Satisfied reports whether the expected-source condition holds.
func (t *Transaction) Satisfied() bool {
	return t.Expected.SatisfiedBy(t.seen)
}

// Committed reports whether ApplyCommit has succeeded.
func (t *Transaction) Committed() bool {
	return t.committed
}

// Confirmation returns the confirmation that was committed.
func (t *Transaction) Confirmation() instruction.Confirmation {
	return t.confirmation
}

// ApplyCommit invokes CommitFunc at most once. Later calls are no-ops that
// return nil; a commit that failed is never attempted again.
func (t *Transaction) ApplyCommit(conf instruction.Confirmation) error {
	if t.attempted {
		return nil
	}
	t.attempted = true
	if t.CommitFunc != nil {
		if err := t.CommitFunc(conf); err != nil {
			return err
		}
	}
	t.committed = true
	t.confirmation = conf
	return nil
}

// Rollback restores the snapshot at most once.
// Returns (false, nil) when there was nothing to restore or it already ran.
func (t *Transaction) Rollback() (bool, error) {
	if t.rolledBack || t.RestoreFunc == nil {
		return false, nil
	}
	t.rolledBack = true
	return true, t.RestoreFunc(t.Snapshot)
}
