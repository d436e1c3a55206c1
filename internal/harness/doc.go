// Package harness runs instruction pipeline scenarios against a scripted
// remote and checks the outcome.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: three_reorders
//	description: "Rapid reorders collapse to the last one"
//	config:
//	  default_timeout: 2s
//	board:
//	  tasks:
//	    - { id: t1, title: write }
//	  lists:
//	    daily: [t1, t2, t3]
//	steps:
//	  - submit: { ref: p1, type: list.reorder, payload: { view: daily, order: [t2, t1, t3] } }
//	  - respond: { ref: p1, status: 200, body: { view: daily, order: [t2, t1, t3] } }
//	  - push: { ref: p1, event_type: list.reordered, payload: { view: daily, order: [t2, t1, t3] } }
//	assertions:
//	  - { type: outcome, ref: p1, outcome: committed }
//	  - { type: list_order, view: daily, order: [t2, t1, t3] }
//
// The config block accepts the keys of internal/config. Each submit ref becomes
// the correlation id of its instruction, so refs appear verbatim in the trace.
//
// # Steps
//
//   - submit: dispatch an instruction; a synchronous rejection is recorded as
//     the ref's outcome
//   - respond: deliver a response (status defaults to 200) to an instruction
//     whose request is in flight
//   - fail: deliver a transport error
//   - push: notify a push event; without ref it is a server-originated change
//   - wait: block until the ref settles (for timeouts)
//
// After the last step the pipeline is stopped, so anything still live fails
// with STOPPED and is rolled back before assertions run.
//
// # Assertion Types
//
//   - outcome: committed, discarded or failed
//   - error: failure code and optional message substring
//   - commit_count: number of confirmed results applied to the board
//   - list_order: final order of a view
//   - task_state: final fields of a task
//
// # Determinism
//
// Every step waits for the loop to drain before the next one runs, so the
// trace of a scenario is stable and can be compared against golden files
// with RunWithGolden.
package harness
