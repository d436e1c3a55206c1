package instruction

import (
	"fmt"
	"slices"
	"time"
)

// Strategy is the policy applied when two instructions share a resource key.
type Strategy string

const (
	// StrategySerialize admits instructions on a shared key one at a time, in
	// submission order. Used for accumulation-sensitive operations.
	StrategySerialize Strategy = "serialize"

	// StrategyDiscardOutdated preempts any active or queued holder of a shared
	// key in favour of the newest instruction. Used for last-write-wins updates.
	StrategyDiscardOutdated Strategy = "discardOutdated"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	return s == StrategySerialize || s == StrategyDiscardOutdated
}

// Source identifies a confirmation channel.
type Source string

const (
	// SourceResponse is the direct transport response.
	SourceResponse Source = "response"
	// SourcePush is an out-of-band push notification echoing the correlation id.
	SourcePush Source = "push"
)

// ExpectedSource names which confirmation channels must be seen before a
// transaction settles.
type ExpectedSource string

const (
	ExpectResponse ExpectedSource = "response"
	ExpectPush     ExpectedSource = "push"
	ExpectEither   ExpectedSource = "either"
	ExpectBoth     ExpectedSource = "both"
)

// Valid reports whether e is a known expectation.
func (e ExpectedSource) Valid() bool {
	switch e {
	case ExpectResponse, ExpectPush, ExpectEither, ExpectBoth:
		return true
	}
	return false
}

// SatisfiedBy reports whether the seen set fulfils the expectation.
func (e ExpectedSource) SatisfiedBy(seen map[Source]bool) bool {
	switch e {
	case ExpectResponse:
		return seen[SourceResponse]
	case ExpectPush:
		return seen[SourcePush]
	case ExpectEither:
		return seen[SourceResponse] || seen[SourcePush]
	case ExpectBoth:
		return seen[SourceResponse] && seen[SourcePush]
	}
	return false
}

// Instruction is a typed request to change state.
//
// The pipeline owns an Instruction exclusively from creation until it reaches
// a terminal status. Callers never receive a pointer to it, only a Result.
type Instruction struct {
	// Seq is the instruction id: arrival order stamped by the pipeline Clock.
	Seq int64

	// Type is the registry key.
	Type string

	// Payload is the operation-specific data passed to the registry entry.
	Payload any

	// CorrelationID is globally unique and echoed by response and push.
	CorrelationID string

	// ResourceKeys are the shared resources touched, in derivation order.
	ResourceKeys []string

	Strategy Strategy
	Expect   ExpectedSource
	Priority int
	Status   Status

	CreatedAt time.Time
}

// Transition moves the instruction to the given status.
// Returns the previous status, or an error if the edge is illegal; on error
// the status is unchanged.
func (i *Instruction) Transition(to Status) (Status, error) {
	from := i.Status
	if !CanTransition(from, to) {
		return from, fmt.Errorf("instruction %s (%s): illegal transition %s -> %s",
			i.CorrelationID, i.Type, from, to)
	}
	i.Status = to
	return from, nil
}

// SharesKey reports whether i and other touch at least one common resource.
func (i *Instruction) SharesKey(other *Instruction) bool {
	for _, k := range i.ResourceKeys {
		if slices.Contains(other.ResourceKeys, k) {
			return true
		}
	}
	return false
}

// Transition is one observed lifecycle event of an instruction.
//
// A status change has From != To. A note (From == To) records something that
// happened without changing status, such as a confirmation being applied or a
// duplicate delivery being ignored.
type Transition struct {
	Seq           int64
	CorrelationID string
	Type          string
	From          Status
	To            Status
	Detail        string
	At            time.Time
}

// IsNote reports whether the transition left the status unchanged.
func (t Transition) IsNote() bool {
	return t.From == t.To
}

// String renders the transition without its timestamp, which keeps traces
// comparable across runs.
func (t Transition) String() string {
	if t.IsNote() {
		return fmt.Sprintf("%d %s %s [%s] %s", t.Seq, t.CorrelationID, t.Type, t.To, t.Detail)
	}
	s := fmt.Sprintf("%d %s %s %s -> %s", t.Seq, t.CorrelationID, t.Type, t.From, t.To)
	if t.Detail != "" {
		s += " " + t.Detail
	}
	return s
}

// Observed returns the Transition record of i having moved from -> i.Status.
// Pass from == i.Status for a note.
func (i *Instruction) Observed(from Status, detail string, at time.Time) Transition {
	return Transition{
		Seq:           i.Seq,
		CorrelationID: i.CorrelationID,
		Type:          i.Type,
		From:          from,
		To:            i.Status,
		Detail:        detail,
		At:            at,
	}
}
