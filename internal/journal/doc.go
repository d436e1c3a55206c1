// Package journal records instruction lifecycle transitions.
//
// The journal is diagnostic: it answers "what happened to correlation id X"
// after the fact. It is never replayed and the pipeline does not depend on
// it for correctness.
//
// Two implementations satisfy pipeline.Recorder:
//   - Store: SQLite in WAL mode, one row per Transition, for the CLI trace
//     command and long-running processes.
//   - Memory: an in-process slice used by the scenario harness and tests.
//
// Ordering: rows are read back in insertion order (id ASC), which equals the
// loop's processing order because the loop is the only writer.
package journal
