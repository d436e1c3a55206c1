package journal

import (
	"context"
	"sync"

	"github.com/roach88/relay/internal/instruction"
)

// Memory is an in-process journal. Safe for concurrent use.
type Memory struct {
	mu          sync.Mutex
	transitions []instruction.Transition
}

// NewMemory creates an empty in-memory journal.
func NewMemory() *Memory {
	return &Memory{}
}

// Record implements pipeline.Recorder.
func (m *Memory) Record(_ context.Context, t instruction.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, t)
	return nil
}

// Transitions returns a copy of everything recorded so far.
func (m *Memory) Transitions() []instruction.Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]instruction.Transition(nil), m.transitions...)
}

// ByCorrelation returns the transitions of one instruction.
func (m *Memory) ByCorrelation(correlationID string) []instruction.Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []instruction.Transition{}
	for _, t := range m.transitions {
		if t.CorrelationID == correlationID {
			out = append(out, t)
		}
	}
	return out
}

// Lines renders every transition with Transition.String, one per entry.
func (m *Memory) Lines() []string {
	ts := m.Transitions()
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.String())
	}
	return out
}
