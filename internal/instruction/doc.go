// Package instruction defines the data model shared by every stage of the
// relay pipeline.
//
// An Instruction is one discrete, correlation-tracked request to change
// state. It moves through an explicit state machine:
//
//	pending -> admitted -> executing -> awaitingConfirmation -> committed
//	                                                          \-> discarded
//	                                                          \-> failed
//
// discarded and failed are reachable from every non-terminal state. Every
// status change is reported as a Transition so that observers (journal,
// metrics, logs) see an enumerable, ordered history per correlation id.
//
// The package also holds the error taxonomy (Error with an ErrorCode) and the
// logical Clock used to stamp arrival order.
package instruction
