package instruction

import "encoding/json"

// Outcome is the non-error terminal result of an instruction.
type Outcome string

const (
	// OutcomeCommitted: the confirmed state was applied.
	OutcomeCommitted Outcome = "committed"
	// OutcomeDiscarded: superseded by a newer instruction on a shared key.
	// This is deliberately not an error.
	OutcomeDiscarded Outcome = "discarded"
)

// Confirmation is a single successful confirmation signal.
type Confirmation struct {
	CorrelationID string
	Source        Source
	// EventType is the push event type, or empty for a direct response.
	EventType string
	Data      json.RawMessage
}

// Result is what a caller receives when its instruction settles without error.
type Result struct {
	CorrelationID string
	Type          string
	Outcome       Outcome

	// Source and Data describe the confirmation that was committed.
	// Empty when discarded.
	Source Source
	Data   json.RawMessage

	// SupersededBy is the correlation id of the instruction that discarded
	// this one.
	SupersededBy string
}

// Discarded reports whether the instruction was superseded.
func (r Result) Discarded() bool {
	return r.Outcome == OutcomeDiscarded
}
