package instruction

import "sync/atomic"

// Clock hands out arrival sequence numbers.
//
// Numbers start at 1 and are never reused within a pipeline. The scheduler
// orders each resource key by them, so they stand in for wall-clock time
// wherever two submissions could land in the same millisecond.
type Clock struct {
	last atomic.Int64
}

// NewClock returns a clock whose first stamp is 1.
func NewClock() *Clock {
	return &Clock{}
}

// ResumeClock returns a clock whose first stamp is last+1, for numbering
// that continues an existing journal.
func ResumeClock(last int64) *Clock {
	c := &Clock{}
	c.last.Store(last)
	return c
}

// Stamp assigns inst its arrival sequence number and returns it.
func (c *Clock) Stamp(inst *Instruction) int64 {
	inst.Seq = c.last.Add(1)
	return inst.Seq
}

// Last is the most recently stamped number, 0 before the first Stamp.
func (c *Clock) Last() int64 {
	return c.last.Load()
}
