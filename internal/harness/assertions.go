package harness

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/relay/internal/features/board"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, line := range e.Trace {
			fmt.Fprintf(&buf, "  %s\n", line)
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion and returns one message per
// failure.
func EvaluateAssertions(result *Result, assertions []Assertion, b *board.Board) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result, a, b); err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d (%s): %v", i, a.Type, err))
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion, b *board.Board) error {
	switch a.Type {
	case AssertOutcome:
		return assertOutcome(result, a)
	case AssertError:
		return assertError(result, a)
	case AssertCommitCount:
		return assertCommitCount(result, a)
	case AssertListOrder:
		return assertListOrder(b, a)
	case AssertTaskState:
		return assertTaskState(b, a)
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

func assertOutcome(result *Result, a Assertion) error {
	o, ok := result.Outcome(a.Ref)
	if !ok {
		return &AssertionError{Type: a.Type, Expected: a.Ref + " " + a.Outcome, Actual: "ref not submitted"}
	}
	if o.Outcome != a.Outcome {
		actual := o.Outcome
		if o.Code != "" {
			actual += " (" + o.Code + ": " + o.Error + ")"
		}
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%s %s", a.Ref, a.Outcome),
			Actual:   fmt.Sprintf("%s %s", a.Ref, actual),
			Trace:    result.Trace,
		}
	}
	return nil
}

func assertError(result *Result, a Assertion) error {
	o, ok := result.Outcome(a.Ref)
	if !ok {
		return &AssertionError{Type: a.Type, Expected: a.Ref + " " + a.Code, Actual: "ref not submitted"}
	}
	if o.Outcome != outcomeFailed || o.Code != a.Code {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%s failed with %s", a.Ref, a.Code),
			Actual:   fmt.Sprintf("%s %s %s", a.Ref, o.Outcome, o.Code),
			Trace:    result.Trace,
		}
	}
	if a.Message != "" && !strings.Contains(o.Error, a.Message) {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("error containing %q", a.Message),
			Actual:   o.Error,
		}
	}
	return nil
}

func assertCommitCount(result *Result, a Assertion) error {
	if result.Commits != *a.Count {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%d commits", *a.Count),
			Actual:   fmt.Sprintf("%d commits", result.Commits),
			Trace:    result.Trace,
		}
	}
	return nil
}

func assertListOrder(b *board.Board, a Assertion) error {
	got := b.List(a.View)
	if len(got) == 0 && len(a.Order) == 0 {
		return nil
	}
	if !slices.Equal(got, a.Order) {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%s = %v", a.View, a.Order),
			Actual:   fmt.Sprintf("%s = %v", a.View, got),
		}
	}
	return nil
}

func assertTaskState(b *board.Board, a Assertion) error {
	t, ok := b.Task(a.Task)
	if !ok {
		return &AssertionError{Type: a.Type, Expected: "task " + a.Task, Actual: "no such task"}
	}
	if a.Title != nil && t.Title != *a.Title {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%s title %q", a.Task, *a.Title),
			Actual:   fmt.Sprintf("%s title %q", a.Task, t.Title),
		}
	}
	if a.Completed != nil && t.Completed != *a.Completed {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%s completed=%t", a.Task, *a.Completed),
			Actual:   fmt.Sprintf("%s completed=%t", a.Task, t.Completed),
		}
	}
	return nil
}
