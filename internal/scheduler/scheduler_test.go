package scheduler

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/relay/internal/instruction"
)

func inst(seq int64, strategy instruction.Strategy, keys ...string) *instruction.Instruction {
	return &instruction.Instruction{
		Seq:           seq,
		Type:          "test",
		CorrelationID: fmt.Sprintf("c%d", seq),
		ResourceKeys:  keys,
		Strategy:      strategy,
		Status:        instruction.StatusPending,
	}
}

func ids(insts []*instruction.Instruction) []string {
	out := make([]string, 0, len(insts))
	for _, i := range insts {
		out = append(out, i.CorrelationID)
	}
	return out
}

func offer(t *testing.T, s *Scheduler, i *instruction.Instruction) []*instruction.Instruction {
	t.Helper()
	preempted, err := s.Offer(i)
	require.NoError(t, err)
	return preempted
}

func TestSerialize_OneAtATimeInArrivalOrder(t *testing.T) {
	s := New(10)
	offer(t, s, inst(1, instruction.StrategySerialize, "task:a"))
	offer(t, s, inst(2, instruction.StrategySerialize, "task:a"))
	offer(t, s, inst(3, instruction.StrategySerialize, "task:a"))

	assert.Equal(t, []string{"c1"}, ids(s.Admit()))
	assert.Empty(t, s.Admit())

	holder, ok := s.Holder("task:a")
	require.True(t, ok)
	assert.Equal(t, "c1", holder)

	require.True(t, s.Release("c1"))
	assert.Equal(t, []string{"c2"}, ids(s.Admit()))
	require.True(t, s.Release("c2"))
	assert.Equal(t, []string{"c3"}, ids(s.Admit()))
}

func TestIndependentKeysRunConcurrently(t *testing.T) {
	s := New(10)
	offer(t, s, inst(1, instruction.StrategySerialize, "task:a"))
	offer(t, s, inst(2, instruction.StrategySerialize, "task:b"))

	assert.Equal(t, []string{"c1", "c2"}, ids(s.Admit()))
}

func TestConcurrencyBound(t *testing.T) {
	s := New(2)
	for i := int64(1); i <= 5; i++ {
		offer(t, s, inst(i, instruction.StrategySerialize, fmt.Sprintf("task:%d", i)))
	}

	assert.Equal(t, []string{"c1", "c2"}, ids(s.Admit()))
	assert.Equal(t, 2, s.Stats().Active)
	assert.Equal(t, 3, s.Stats().Waiting)

	s.Release("c2")
	assert.Equal(t, []string{"c3"}, ids(s.Admit()))
	assert.Equal(t, 2, s.Stats().Active)
}

func TestPriorityReordersIndependentWorkOnly(t *testing.T) {
	s := New(1)
	offer(t, s, inst(1, instruction.StrategySerialize, "task:blocker"))
	require.Equal(t, []string{"c1"}, ids(s.Admit()))

	low := inst(2, instruction.StrategySerialize, "task:a")
	sameKeyHigh := inst(3, instruction.StrategySerialize, "task:a")
	sameKeyHigh.Priority = 5
	otherHigh := inst(4, instruction.StrategySerialize, "task:b")
	otherHigh.Priority = 5
	offer(t, s, low)
	offer(t, s, sameKeyHigh)
	offer(t, s, otherHigh)

	s.Release("c1")
	// c3 has the highest priority but must wait behind c2 on task:a.
	assert.Equal(t, []string{"c4"}, ids(s.Admit()))
	s.Release("c4")
	assert.Equal(t, []string{"c2"}, ids(s.Admit()))
	s.Release("c2")
	assert.Equal(t, []string{"c3"}, ids(s.Admit()))
}

func TestMultiKeyWaitsForEveryKey(t *testing.T) {
	s := New(10)
	offer(t, s, inst(1, instruction.StrategySerialize, "task:a"))
	offer(t, s, inst(2, instruction.StrategySerialize, "task:a", "task:b"))
	offer(t, s, inst(3, instruction.StrategySerialize, "task:b"))

	// c3 is blocked by c2 being earlier on task:b even though task:b is unlocked.
	assert.Equal(t, []string{"c1"}, ids(s.Admit()))
	s.Release("c1")
	assert.Equal(t, []string{"c2"}, ids(s.Admit()))
	s.Release("c2")
	assert.Equal(t, []string{"c3"}, ids(s.Admit()))
}

func TestDiscardOutdated_PreemptsActiveAndWaiting(t *testing.T) {
	s := New(10)
	offer(t, s, inst(1, instruction.StrategyDiscardOutdated, "list:v"))
	require.Equal(t, []string{"c1"}, ids(s.Admit()))

	preempted := offer(t, s, inst(2, instruction.StrategyDiscardOutdated, "list:v"))
	assert.Equal(t, []string{"c1"}, ids(preempted))
	_, locked := s.Holder("list:v")
	assert.False(t, locked)

	assert.Equal(t, []string{"c2"}, ids(s.Admit()))

	// A queued instruction behind the active one is preempted along with it.
	s2 := New(10)
	offer(t, s2, inst(1, instruction.StrategyDiscardOutdated, "list:v"))
	s2.Admit()
	offer(t, s2, inst(2, instruction.StrategySerialize, "list:v"))
	preempted = offer(t, s2, inst(3, instruction.StrategyDiscardOutdated, "list:v", "list:w"))
	assert.Equal(t, []string{"c1", "c2"}, ids(preempted))
	assert.Equal(t, []string{"c3"}, ids(s2.Admit()))
}

func TestDiscardOutdated_LeavesUnrelatedWork(t *testing.T) {
	s := New(10)
	offer(t, s, inst(1, instruction.StrategyDiscardOutdated, "list:v"))
	offer(t, s, inst(2, instruction.StrategyDiscardOutdated, "list:w"))
	s.Admit()

	preempted := offer(t, s, inst(3, instruction.StrategyDiscardOutdated, "list:v"))
	assert.Equal(t, []string{"c1"}, ids(preempted))
	assert.Equal(t, 1, s.Stats().Active)
}

func TestOffer_Duplicate(t *testing.T) {
	s := New(10)
	i := inst(1, instruction.StrategySerialize, "task:a")
	offer(t, s, i)
	_, err := s.Offer(i)
	assert.ErrorIs(t, err, ErrDuplicate)

	s.Admit()
	_, err = s.Offer(i)
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestReleaseWaitingAndUnknown(t *testing.T) {
	s := New(1)
	offer(t, s, inst(1, instruction.StrategySerialize, "task:a"))
	offer(t, s, inst(2, instruction.StrategySerialize, "task:b"))
	s.Admit()

	assert.True(t, s.Release("c2"))
	assert.False(t, s.Release("c2"))
	assert.Equal(t, 0, s.Stats().Waiting)
}

func TestDrain(t *testing.T) {
	s := New(1)
	offer(t, s, inst(1, instruction.StrategySerialize, "task:a"))
	offer(t, s, inst(2, instruction.StrategySerialize, "task:a"))
	s.Admit()

	assert.Equal(t, []string{"c1", "c2"}, ids(s.Drain()))
	st := s.Stats()
	assert.Zero(t, st.Active)
	assert.Zero(t, st.Waiting)
	assert.Empty(t, st.Locks)
	assert.Empty(t, s.Admit())
}

func TestStatsCopiesLocks(t *testing.T) {
	s := New(0)
	offer(t, s, inst(1, instruction.StrategySerialize, "task:a"))
	s.Admit()

	st := s.Stats()
	assert.Equal(t, DefaultMaxConcurrency, st.MaxConcurrency)
	assert.Equal(t, map[string]string{"task:a": "c1"}, st.Locks)
	st.Locks["task:a"] = "x"
	holder, _ := s.Holder("task:a")
	assert.Equal(t, "c1", holder)
}
