// Package scheduler decides which pending instructions may run.
//
// The scheduler owns three structures: the waiting queue (ordered by
// priority, then arrival), the resource lock table (key -> holder) and the
// active set, bounded by MaxConcurrency.
//
// Admission rule: a waiting instruction is admitted iff
//   - fewer than MaxConcurrency instructions are active,
//   - none of its resource keys is locked, and
//   - for each of its keys it is the earliest-arrived waiting instruction.
//
// The last condition keeps every key FIFO, so priority only reorders
// independent work. Conflict strategy is applied on Offer: a discardOutdated
// instruction preempts every active or waiting instruction it shares a key
// with.
//
// Thread-safety: none. The scheduler is driven from the pipeline loop.
package scheduler

import (
	"errors"
	"fmt"
	"sort"

	"github.com/wangjia184/sortedset"

	"github.com/roach88/relay/internal/instruction"
)

// DefaultMaxConcurrency is the active-set bound used when none is configured.
const DefaultMaxConcurrency = 10

// ErrDuplicate is returned by Offer for a correlation id already scheduled.
var ErrDuplicate = errors.New("instruction already scheduled")

// Scheduler is the admission controller.
type Scheduler struct {
	maxConcurrency int

	// waiting holds *instruction.Instruction keyed by correlation id.
	waiting *sortedset.SortedSet
	active  map[string]*instruction.Instruction
	locks   map[string]string
}

// New creates a scheduler admitting at most maxConcurrency instructions at a
// time. Non-positive values select DefaultMaxConcurrency.
func New(maxConcurrency int) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}
	return &Scheduler{
		maxConcurrency: maxConcurrency,
		waiting:        sortedset.New(),
		active:         make(map[string]*instruction.Instruction),
		locks:          make(map[string]string),
	}
}

// score orders by descending priority, then ascending arrival.
func score(inst *instruction.Instruction) sortedset.SCORE {
	return sortedset.SCORE(int64(-inst.Priority)<<32 + inst.Seq)
}

// Offer queues inst.
//
// For a discardOutdated instruction every active or waiting instruction
// sharing one of its keys is removed first (active ones release their locks
// and slot) and returned, in arrival order, so the caller can discard them.
func (s *Scheduler) Offer(inst *instruction.Instruction) ([]*instruction.Instruction, error) {
	id := inst.CorrelationID
	if s.waiting.GetByKey(id) != nil || s.active[id] != nil {
		return nil, fmt.Errorf("offer %s: %w", id, ErrDuplicate)
	}

	var preempted []*instruction.Instruction
	if inst.Strategy == instruction.StrategyDiscardOutdated {
		for _, other := range s.waitingInstructions() {
			if other.SharesKey(inst) {
				s.waiting.Remove(other.CorrelationID)
				preempted = append(preempted, other)
			}
		}
		for _, other := range s.active {
			if other.SharesKey(inst) {
				s.Release(other.CorrelationID)
				preempted = append(preempted, other)
			}
		}
		sortBySeq(preempted)
	}

	s.waiting.AddOrUpdate(id, score(inst), inst)
	return preempted, nil
}

// Admit runs one admission pass and returns the newly admitted instructions
// in admission order. Admitted instructions hold their locks until Release.
func (s *Scheduler) Admit() []*instruction.Instruction {
	if len(s.active) >= s.maxConcurrency {
		return nil
	}
	queue := s.waitingInstructions()
	if len(queue) == 0 {
		return nil
	}

	earliest := make(map[string]int64)
	for _, inst := range queue {
		for _, k := range inst.ResourceKeys {
			if seq, ok := earliest[k]; !ok || inst.Seq < seq {
				earliest[k] = inst.Seq
			}
		}
	}

	var admitted []*instruction.Instruction
	for _, inst := range queue {
		if len(s.active) >= s.maxConcurrency {
			break
		}
		if !s.admissible(inst, earliest) {
			continue
		}
		s.waiting.Remove(inst.CorrelationID)
		s.active[inst.CorrelationID] = inst
		for _, k := range inst.ResourceKeys {
			s.locks[k] = inst.CorrelationID
		}
		admitted = append(admitted, inst)
	}
	return admitted
}

func (s *Scheduler) admissible(inst *instruction.Instruction, earliest map[string]int64) bool {
	for _, k := range inst.ResourceKeys {
		if _, locked := s.locks[k]; locked {
			return false
		}
		if earliest[k] != inst.Seq {
			return false
		}
	}
	return true
}

// Release frees the slot and locks of an active instruction, or removes a
// waiting one. Returns false if id is unknown.
func (s *Scheduler) Release(id string) bool {
	if inst, ok := s.active[id]; ok {
		delete(s.active, id)
		for _, k := range inst.ResourceKeys {
			if s.locks[k] == id {
				delete(s.locks, k)
			}
		}
		return true
	}
	return s.waiting.Remove(id) != nil
}

// Holder returns the correlation id locking key.
func (s *Scheduler) Holder(key string) (string, bool) {
	id, ok := s.locks[key]
	return id, ok
}

// Drain removes everything and returns the active and waiting instructions
// in arrival order.
func (s *Scheduler) Drain() []*instruction.Instruction {
	out := s.waitingInstructions()
	for _, inst := range s.active {
		out = append(out, inst)
	}
	sortBySeq(out)

	s.waiting = sortedset.New()
	s.active = make(map[string]*instruction.Instruction)
	s.locks = make(map[string]string)
	return out
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Waiting        int
	Active         int
	MaxConcurrency int

	// Locks maps resource key -> holder correlation id.
	Locks map[string]string
}

// Stats returns a copy of the current state.
func (s *Scheduler) Stats() Stats {
	locks := make(map[string]string, len(s.locks))
	for k, v := range s.locks {
		locks[k] = v
	}
	return Stats{
		Waiting:        s.waiting.GetCount(),
		Active:         len(s.active),
		MaxConcurrency: s.maxConcurrency,
		Locks:          locks,
	}
}

// waitingInstructions returns the queue in admission priority order.
func (s *Scheduler) waitingInstructions() []*instruction.Instruction {
	if s.waiting.GetCount() == 0 {
		return nil
	}
	nodes := s.waiting.GetByRankRange(1, -1, false)
	out := make([]*instruction.Instruction, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Value.(*instruction.Instruction))
	}
	return out
}

func sortBySeq(insts []*instruction.Instruction) {
	sort.Slice(insts, func(i, j int) bool { return insts[i].Seq < insts[j].Seq })
}
