// Package reconcile matches confirmations to pending transactions.
//
// Reconciliation rules, per correlation id:
//   - no pending transaction: ignored, which makes reconciliation idempotent;
//   - the same source twice: a duplicate, ignored;
//   - failure before any successful confirmation: roll back, remove, fail;
//   - failure after a successful confirmation: logged, the confirmed state
//     stands;
//   - first success: commit exactly once; later successes are only recorded
//     as seen;
//   - the transaction settles once the expected sources have all been seen.
//
// Thread-safety: the Reconciler must only be used from the pipeline loop.
package reconcile

import (
	"log/slog"

	"github.com/roach88/relay/internal/correlation"
	"github.com/roach88/relay/internal/instruction"
)

// Kind classifies what a reconciliation step did.
type Kind int

const (
	// Ignored: no pending transaction carries the id.
	Ignored Kind = iota + 1
	// Duplicate: the source had already confirmed this transaction.
	Duplicate
	// Recorded: the confirmation was applied but the transaction still
	// waits for another source.
	Recorded
	// Settled: the transaction is complete and committed.
	Settled
	// Failed: the transaction was rolled back and removed.
	Failed
)

// String returns the lower-case name of the kind.
func (k Kind) String() string {
	switch k {
	case Ignored:
		return "ignored"
	case Duplicate:
		return "duplicate"
	case Recorded:
		return "recorded"
	case Settled:
		return "settled"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Decision is the outcome of one reconciliation step.
type Decision struct {
	Kind Kind
	Txn  *correlation.Transaction

	// Committed is true when this step applied the commit.
	Committed bool

	// Err is the failure cause when Kind is Failed. A commit rejection is
	// reported as CommitErr instead.
	Err       error
	CommitErr error

	// RolledBack reports whether a snapshot was restored.
	RolledBack  bool
	RollbackErr error

	// LateFailure is a failure that arrived after a successful confirmation.
	LateFailure error
}

// Reconciler applies confirmations to the tracker's transactions.
type Reconciler struct {
	tracker *correlation.Tracker
	logger  *slog.Logger
}

// New creates a reconciler over tracker. A nil logger selects slog.Default().
func New(tracker *correlation.Tracker, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{tracker: tracker, logger: logger}
}

// Reconcile applies one confirmation signal. cause is nil for a success.
func (r *Reconciler) Reconcile(id string, src instruction.Source, conf instruction.Confirmation, cause error) Decision {
	txn, ok := r.tracker.Get(id)
	if !ok {
		return Decision{Kind: Ignored}
	}
	if txn.Seen(src) {
		r.logger.Debug("duplicate confirmation ignored",
			"correlation_id", id,
			"source", src,
		)
		return Decision{Kind: Duplicate, Txn: txn}
	}
	txn.MarkSeen(src)

	if cause != nil {
		if !txn.Committed() {
			return r.fail(txn, Decision{Kind: Failed, Txn: txn, Err: cause})
		}
		r.logger.Warn("confirmation failed after commit, keeping confirmed state",
			"correlation_id", id,
			"type", txn.Type,
			"source", src,
			"error", cause,
		)
		d := Decision{Kind: Recorded, Txn: txn, LateFailure: cause}
		if txn.Satisfied() {
			r.tracker.Remove(id)
			d.Kind = Settled
		}
		return d
	}

	d := Decision{Kind: Recorded, Txn: txn}
	if !txn.Committed() {
		conf.CorrelationID = id
		conf.Source = src
		if err := txn.ApplyCommit(conf); err != nil {
			return r.fail(txn, Decision{Kind: Failed, Txn: txn, CommitErr: err})
		}
		d.Committed = true
	}
	if txn.Satisfied() {
		r.tracker.Remove(id)
		d.Kind = Settled
	}
	return d
}

// Expire settles txn after its timeout or TTL elapsed.
//
// If a confirmation was already committed the transaction settles committed;
// otherwise it is rolled back and fails with cause. txn is passed explicitly
// because TTL eviction removes it from the tracker before the callback runs.
func (r *Reconciler) Expire(txn *correlation.Transaction, cause error) Decision {
	if txn.Committed() {
		r.tracker.Remove(txn.CorrelationID)
		return Decision{Kind: Settled, Txn: txn}
	}
	return r.fail(txn, Decision{Kind: Failed, Txn: txn, Err: cause})
}

// Abandon drops txn on discard or shutdown. A committed transaction keeps its
// confirmed state; anything else is rolled back.
func (r *Reconciler) Abandon(txn *correlation.Transaction) Decision {
	r.tracker.Remove(txn.CorrelationID)
	d := Decision{Kind: Failed, Txn: txn}
	if txn.Committed() {
		return d
	}
	d.RolledBack, d.RollbackErr = txn.Rollback()
	r.logRollback(txn, d)
	return d
}

func (r *Reconciler) fail(txn *correlation.Transaction, d Decision) Decision {
	r.tracker.Remove(txn.CorrelationID)
	d.RolledBack, d.RollbackErr = txn.Rollback()
	r.logRollback(txn, d)
	return d
}

func (r *Reconciler) logRollback(txn *correlation.Transaction, d Decision) {
	if d.RollbackErr != nil {
		r.logger.Error("rollback failed",
			"correlation_id", txn.CorrelationID,
			"type", txn.Type,
			"error", d.RollbackErr,
		)
		return
	}
	if d.RolledBack {
		r.logger.Debug("optimistic update rolled back",
			"correlation_id", txn.CorrelationID,
			"type", txn.Type,
		)
	}
}
