package pipeline

import (
	"fmt"

	"github.com/roach88/relay/internal/executor"
	"github.com/roach88/relay/internal/instruction"
	"github.com/roach88/relay/internal/push"
	"github.com/roach88/relay/internal/reconcile"
)

// process routes one event. Called only from the Run goroutine.
func (p *Pipeline) process(ev event) {
	switch ev.kind {
	case eventSubmit:
		p.handleSubmit(ev.submission)
	case eventDelivery:
		p.handleDelivery(ev.delivery)
	case eventPush:
		p.handlePush(ev.push)
	case eventTimeout:
		p.handleTimeout(ev.id)
	case eventExpire:
		p.handleExpire(ev.id)
	case eventBarrier:
		close(ev.done)
		return
	default:
		p.logger.Error("unknown loop event", "kind", ev.kind.String())
		return
	}

	p.admit()
	p.publishSnapshot()
}

func (p *Pipeline) handleSubmit(sub *submission) {
	inst := sub.inst
	p.clock.Stamp(inst)
	r := &record{submission: *sub, submittedAt: p.now()}

	p.logger.Debug("processing submission",
		"seq", inst.Seq,
		"correlation_id", inst.CorrelationID,
		"type", inst.Type,
		"keys", inst.ResourceKeys,
	)
	p.note(inst, "submitted")

	preempted, err := p.sched.Offer(inst)
	if err != nil {
		// The id belongs to another live instruction, so none of the shared
		// structures may be touched on its behalf.
		ierr := instruction.NewError(instruction.CodeExecution, inst, "schedule", err)
		p.transition(inst, instruction.StatusFailed, string(ierr.Code))
		sub.ticket.settle(instruction.Result{}, ierr)
		return
	}
	for _, old := range preempted {
		p.discard(old.CorrelationID, inst.CorrelationID)
	}
	p.live[inst.CorrelationID] = r
}

// admit runs admission passes until no more instructions can start. An
// execution failure frees its slot immediately, so one pass can enable the
// next.
func (p *Pipeline) admit() {
	for {
		admitted := p.sched.Admit()
		if len(admitted) == 0 {
			return
		}
		for _, inst := range admitted {
			r, ok := p.live[inst.CorrelationID]
			if !ok {
				p.sched.Release(inst.CorrelationID)
				continue
			}
			if !p.transition(inst, instruction.StatusAdmitted, "") {
				continue
			}
			txn, err := p.exec.Execute(inst, r.entry, r.optimistic)
			if err != nil {
				p.logger.Warn("execution failed",
					"correlation_id", inst.CorrelationID,
					"type", inst.Type,
					"error", err,
				)
				p.finishFailed(r, err)
				continue
			}
			r.txn = txn
		}
	}
}

func (p *Pipeline) handleDelivery(d executor.Delivery) {
	r, ok := p.live[d.CorrelationID]
	if !ok || r.txn == nil {
		p.logger.Debug("response for settled instruction dropped", "correlation_id", d.CorrelationID)
		return
	}

	var dec reconcile.Decision
	if d.Err != nil {
		cause := executor.TransportError(r.inst, d.Err)
		dec = p.rec.Reconcile(d.CorrelationID, instruction.SourceResponse, instruction.Confirmation{}, cause)
	} else {
		conf := instruction.Confirmation{Data: d.Response.Body}
		dec = p.rec.Reconcile(d.CorrelationID, instruction.SourceResponse, conf, nil)
	}
	p.apply(r, dec, instruction.SourceResponse)
}

func (p *Pipeline) handlePush(ev push.Event) {
	if ev.Correlated() {
		if r, ok := p.live[ev.CorrelationID]; ok && r.txn != nil {
			conf := instruction.Confirmation{EventType: ev.EventType, Data: ev.Payload}
			dec := p.rec.Reconcile(ev.CorrelationID, instruction.SourcePush, conf, nil)
			p.apply(r, dec, instruction.SourcePush)
			return
		}
		if p.tracker.Settled(ev.CorrelationID) {
			p.logger.Debug("push for settled instruction dropped",
				"correlation_id", ev.CorrelationID,
				"event_type", ev.EventType,
			)
			if p.metrics != nil {
				p.metrics.Duplicate(instruction.SourcePush)
			}
			return
		}
	}

	p.logger.Debug("server-originated push",
		"event_type", ev.EventType,
		"aggregate_id", ev.AggregateID,
		"listeners", len(p.listeners),
	)
	for _, h := range p.listeners {
		h(ev)
	}
}

func (p *Pipeline) handleTimeout(id string) {
	r, ok := p.live[id]
	if !ok || r.txn == nil {
		return
	}
	cause := instruction.NewError(instruction.CodeTimeout, r.inst,
		fmt.Sprintf("no confirmation within %s", r.entry.Timeout), nil)
	p.apply(r, p.rec.Expire(r.txn, cause), "")
}

// handleExpire reacts to TTL eviction. The tracker has already dropped the
// transaction; the live record still holds it.
func (p *Pipeline) handleExpire(id string) {
	r, ok := p.live[id]
	if !ok || r.txn == nil {
		return
	}
	cause := instruction.NewError(instruction.CodeTimeout, r.inst, "correlation ttl elapsed", nil)
	p.apply(r, p.rec.Expire(r.txn, cause), "")
}

// apply turns a reconciliation decision into transitions and settlement.
func (p *Pipeline) apply(r *record, dec reconcile.Decision, src instruction.Source) {
	if dec.Committed {
		p.note(r.inst, fmt.Sprintf("committed via %s", src))
	}
	if dec.LateFailure != nil {
		p.note(r.inst, fmt.Sprintf("%s failed after commit", src))
	}
	if dec.RolledBack {
		p.note(r.inst, "rolled back")
	}

	switch dec.Kind {
	case reconcile.Duplicate:
		p.note(r.inst, fmt.Sprintf("duplicate %s ignored", src))
		if p.metrics != nil {
			p.metrics.Duplicate(src)
		}
	case reconcile.Settled:
		p.finishCommitted(r)
	case reconcile.Failed:
		if dec.CommitErr != nil {
			p.finishFailed(r, instruction.NewError(instruction.CodeCommit, r.inst, "commit rejected", dec.CommitErr))
			return
		}
		p.finishFailed(r, dec.Err)
	case reconcile.Recorded, reconcile.Ignored:
	}
}

// discard settles id as superseded by newer. An instruction whose
// confirmation was already committed is not undone: it settles committed and
// newer simply runs after it.
func (p *Pipeline) discard(id, newer string) {
	r, ok := p.live[id]
	if !ok {
		return
	}
	if r.txn != nil && r.txn.Committed() {
		p.tracker.Remove(id)
		p.note(r.inst, "preempted after commit by "+newer)
		p.finishCommitted(r)
		return
	}
	p.exec.Abort(id)
	if r.txn != nil {
		if d := p.rec.Abandon(r.txn); d.RolledBack {
			p.note(r.inst, "rolled back")
		}
	} else {
		p.tracker.Remove(id)
	}
	p.transition(r.inst, instruction.StatusDiscarded, "superseded by "+newer)
	p.finish(r, instruction.Result{
		CorrelationID: id,
		Type:          r.inst.Type,
		Outcome:       instruction.OutcomeDiscarded,
		SupersededBy:  newer,
	}, nil, "")
}

func (p *Pipeline) finishCommitted(r *record) {
	p.exec.Abort(r.inst.CorrelationID)
	p.sched.Release(r.inst.CorrelationID)
	p.transition(r.inst, instruction.StatusCommitted, "")

	conf := r.txn.Confirmation()
	p.finish(r, instruction.Result{
		CorrelationID: r.inst.CorrelationID,
		Type:          r.inst.Type,
		Outcome:       instruction.OutcomeCommitted,
		Source:        conf.Source,
		Data:          conf.Data,
	}, nil, "")
}

// finishFailed settles r with err, which should be an *instruction.Error.
func (p *Pipeline) finishFailed(r *record, err error) {
	id := r.inst.CorrelationID
	p.exec.Abort(id)
	p.sched.Release(id)
	p.tracker.Remove(id)

	code := instruction.CodeOf(err)
	p.transition(r.inst, instruction.StatusFailed, string(code))
	p.logger.Info("instruction failed",
		"correlation_id", id,
		"type", r.inst.Type,
		"code", string(code),
		"error", err,
	)
	p.finish(r, instruction.Result{}, err, code)
}

func (p *Pipeline) finish(r *record, res instruction.Result, err error, code instruction.ErrorCode) {
	delete(p.live, r.inst.CorrelationID)
	r.ticket.settle(res, err)

	if p.metrics != nil {
		outcome := string(res.Outcome)
		if err != nil {
			outcome = "failed"
		}
		p.metrics.Settled(r.inst.Type, outcome, code, p.now().Sub(r.submittedAt))
	}
}
