package harness

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roach88/relay/internal/journal"
)

func loadTestScenario(t *testing.T, name string) *Scenario {
	t.Helper()
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", name+".yaml"))
	require.NoError(t, err)
	return s
}

func TestGoldenScenarios(t *testing.T) {
	for _, name := range []string{
		"three_reorders",
		"serialize_transport_failure",
		"timeout_and_server_push",
		"push_first",
	} {
		t.Run(name, func(t *testing.T) {
			result, err := RunWithGolden(t, loadTestScenario(t, name))
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestRun_ThreeReorders(t *testing.T) {
	defer goleak.VerifyNone(t)

	result, err := Run(context.Background(), loadTestScenario(t, "three_reorders"))
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)

	p3, ok := result.Outcome("p3")
	require.True(t, ok)
	assert.Equal(t, "committed", p3.Outcome)
	assert.Equal(t, "response", p3.Source)
	assert.Equal(t, 1, result.Commits)
	assert.Equal(t, float64(1), result.Metrics.Duplicates)
}

func TestRun_ExecutionFailure(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: missing_task
description: "Optimistic capture of an unknown task fails at execution"
board:
  tasks: [{ id: t1, title: write }]
steps:
  - submit: { ref: x1, type: task.complete, payload: { task_id: t404, completed: true } }
  - submit: { ref: x2, type: task.complete, payload: { task_id: t1, completed: true } }
  - respond: { ref: x2, body: { task_id: t1, completed: true } }
assertions:
  - { type: error, ref: x1, code: EXECUTION, message: capture snapshot }
  - { type: task_state, task: t1, completed: true }
`))
	require.NoError(t, err)

	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Contains(t, result.Trace, "1 x1 task.complete executing -> failed EXECUTION")
}

func TestRun_StoppedWhileLive(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: stopped
description: "Instructions still live at the end are rolled back with STOPPED"
board:
  tasks: [{ id: t1, title: write }]
steps:
  - submit: { ref: a, type: task.rename, payload: { task_id: t1, title: draft } }
  - submit: { ref: b, type: task.rename, payload: { task_id: t1, title: final } }
assertions:
  - { type: error, ref: a, code: STOPPED }
  - { type: error, ref: b, code: STOPPED }
  - { type: task_state, task: t1, title: write }
  - { type: commit_count, count: 0 }
`))
	require.NoError(t, err)

	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Contains(t, result.Trace, "1 a task.rename [awaitingConfirmation] rolled back")
}

func TestRun_StepErrors(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: respond_to_waiting
description: "Answering an instruction whose request was never sent is a scenario error"
board:
  tasks: [{ id: t1, title: write }]
steps:
  - submit: { ref: a, type: task.rename, payload: { task_id: t1, title: draft } }
  - submit: { ref: b, type: task.rename, payload: { task_id: t1, title: final } }
  - respond: { ref: b, body: { task_id: t1, title: final } }
assertions:
  - { type: commit_count, count: 0 }
`))
	require.NoError(t, err)

	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "ref b is pending, not awaiting confirmation")
}

func TestRun_FailingAssertions(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: wrong_expectations
description: "Assertion failures are reported, not returned"
board:
  tasks: [{ id: t1, title: write }]
  lists: { daily: [t1] }
steps:
  - submit: { ref: a, type: task.rename, payload: { task_id: t1, title: draft } }
  - respond: { ref: a, body: { task_id: t1, title: draft } }
assertions:
  - { type: outcome, ref: a, outcome: discarded }
  - { type: task_state, task: t1, title: write }
  - { type: list_order, view: daily, order: [t2] }
  - { type: commit_count, count: 2 }
`))
	require.NoError(t, err)

	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Len(t, result.Errors, 4)
}

func TestRun_ConfigBlock(t *testing.T) {
	s := loadTestScenario(t, "push_first")
	s.Config = map[string]any{"max_concurrency": 0}
	_, err := Run(context.Background(), s)
	assert.ErrorContains(t, err, "max_concurrency")
}

func TestRun_ExtraRecorder(t *testing.T) {
	mem := journal.NewMemory()
	result, err := Run(context.Background(), loadTestScenario(t, "push_first"), WithRecorder(mem))
	require.NoError(t, err)
	assert.Equal(t, result.Trace, mem.Lines())
	assert.Len(t, mem.ByCorrelation("r1"), 6)
}
