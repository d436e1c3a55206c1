package harness

import (
	"github.com/roach88/relay/internal/metrics"
)

const (
	outcomeCommitted = "committed"
	outcomeDiscarded = "discarded"
	outcomeFailed    = "failed"
)

// Outcome is how one submitted instruction ended.
type Outcome struct {
	Ref     string `json:"ref"`
	Type    string `json:"type"`
	Outcome string `json:"outcome"`

	// Source is the confirmation channel that committed the instruction.
	Source string `json:"source,omitempty"`
	// SupersededBy is set for discarded instructions.
	SupersededBy string `json:"superseded_by,omitempty"`

	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every step ran and every assertion held.
	Pass bool `json:"pass"`

	// Trace is the journal of the run, one Transition.String per line.
	Trace []string `json:"trace"`

	// Outcomes are in submission order.
	Outcomes []Outcome `json:"outcomes"`

	Commits int            `json:"commits"`
	Metrics metrics.Counts `json:"metrics"`

	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:     true,
		Trace:    []string{},
		Outcomes: []Outcome{},
		Errors:   []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Outcome returns the outcome recorded for ref.
func (r *Result) Outcome(ref string) (Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.Ref == ref {
			return o, true
		}
	}
	return Outcome{}, false
}
