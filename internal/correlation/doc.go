// Package correlation generates correlation ids and tracks the pending
// transaction of every dispatched instruction until it is reconciled,
// rolled back or expires.
//
// The Tracker holds two TTL caches. The pending cache maps correlation id to
// *Transaction and is the reconciliation table: whichever confirmation
// arrives first finds the same record. Entries that never see a
// confirmation are evicted after the TTL and reported through the expiry
// callback so the owner can fail the instruction. The settled cache
// remembers ids that were recently reconciled so a late or retried push event
// is recognised as a duplicate rather than as a foreign change.
package correlation
