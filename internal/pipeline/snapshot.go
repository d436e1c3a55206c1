package pipeline

import (
	"sort"

	"github.com/roach88/relay/internal/instruction"
)

// Snapshot is a read-only view of the pipeline, published by the loop after
// every event. Callers must not modify it.
type Snapshot struct {
	Waiting        int
	Active         int
	MaxConcurrency int

	// Pending is the number of transactions awaiting confirmation.
	Pending int

	// Locks maps resource key -> holder correlation id.
	Locks map[string]string

	// Live lists non-terminal instructions in arrival order.
	Live []LiveInstruction
}

// LiveInstruction describes one non-terminal instruction.
type LiveInstruction struct {
	Seq           int64
	CorrelationID string
	Type          string
	Status        instruction.Status
	ResourceKeys  []string
}

// Snapshot returns the most recently published view. Safe from any
// goroutine.
func (p *Pipeline) Snapshot() Snapshot {
	return *p.snapshot.Load()
}

func (p *Pipeline) publishSnapshot() {
	st := p.sched.Stats()
	s := &Snapshot{
		Waiting:        st.Waiting,
		Active:         st.Active,
		MaxConcurrency: st.MaxConcurrency,
		Pending:        p.tracker.Len(),
		Locks:          st.Locks,
		Live:           make([]LiveInstruction, 0, len(p.live)),
	}
	for _, r := range p.live {
		s.Live = append(s.Live, LiveInstruction{
			Seq:           r.inst.Seq,
			CorrelationID: r.inst.CorrelationID,
			Type:          r.inst.Type,
			Status:        r.inst.Status,
			ResourceKeys:  append([]string(nil), r.inst.ResourceKeys...),
		})
	}
	sort.Slice(s.Live, func(i, j int) bool { return s.Live[i].Seq < s.Live[j].Seq })
	p.snapshot.Store(s)

	if p.metrics != nil {
		p.metrics.Observe(s.Waiting, s.Active, s.Pending)
	}
}
