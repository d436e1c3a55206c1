package harness

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// Report renders a result in the golden-file format: the trace, the outcome
// of every ref and the metric totals.
func Report(name string, result *Result) []byte {
	var buf strings.Builder
	fmt.Fprintf(&buf, "scenario: %s\n", name)

	buf.WriteString("trace:\n")
	for _, line := range result.Trace {
		fmt.Fprintf(&buf, "  %s\n", line)
	}

	buf.WriteString("outcomes:\n")
	for _, o := range result.Outcomes {
		fmt.Fprintf(&buf, "  %s %s %s", o.Ref, o.Type, o.Outcome)
		switch {
		case o.Source != "":
			fmt.Fprintf(&buf, " source=%s", o.Source)
		case o.SupersededBy != "":
			fmt.Fprintf(&buf, " superseded_by=%s", o.SupersededBy)
		case o.Code != "":
			fmt.Fprintf(&buf, " code=%s", o.Code)
		}
		buf.WriteString("\n")
	}

	m := result.Metrics
	fmt.Fprintf(&buf, "commits: %d\n", result.Commits)
	fmt.Fprintf(&buf, "metrics: submitted=%d committed=%d discarded=%d failed=%d duplicates=%d\n",
		int(m.Submitted), int(m.Committed), int(m.Discarded), int(m.Failed), int(m.Duplicates))
	return []byte(buf.String())
}

// RunWithGolden executes a scenario and compares its report against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	AssertGolden(t, scenario.Name, result)
	return result, nil
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, name string, result *Result) {
	t.Helper()

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, Report(name, result))
}
