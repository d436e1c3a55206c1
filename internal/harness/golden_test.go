package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/relay/internal/metrics"
)

func TestReport(t *testing.T) {
	r := NewResult()
	r.Trace = []string{"1 a task.rename [pending] submitted"}
	r.Outcomes = []Outcome{
		{Ref: "a", Type: "task.rename", Outcome: "committed", Source: "push"},
		{Ref: "b", Type: "list.reorder", Outcome: "discarded", SupersededBy: "c"},
		{Ref: "c", Type: "list.reorder", Outcome: "failed", Code: "TIMEOUT", Error: "x"},
	}
	r.Commits = 1
	r.Metrics = metrics.Counts{Submitted: 3, Committed: 1, Discarded: 1, Failed: 1}

	want := `scenario: demo
trace:
  1 a task.rename [pending] submitted
outcomes:
  a task.rename committed source=push
  b list.reorder discarded superseded_by=c
  c list.reorder failed code=TIMEOUT
commits: 1
metrics: submitted=3 committed=1 discarded=1 failed=1 duplicates=0
`
	assert.Equal(t, want, string(Report("demo", r)))
}

func TestAssertionError_Message(t *testing.T) {
	err := &AssertionError{Type: "outcome", Expected: "a committed", Actual: "a failed", Trace: []string{"1 a x [pending] submitted"}}
	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: outcome")
	assert.Contains(t, msg, "Expected: a committed")
	assert.Contains(t, msg, "  1 a x [pending] submitted")
}
