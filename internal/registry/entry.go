package registry

import (
	"time"

	"github.com/roach88/relay/internal/instruction"
	"github.com/roach88/relay/internal/transport"
)

// Optimistic is the optimistic-apply step of an instruction.
//
// The executor calls Capture, then Apply, and keeps the captured snapshot so
// Restore can undo the mutation if the instruction fails or is discarded.
// Restore(Capture(p)) must leave the state exactly as it was before Apply(p).
type Optimistic struct {
	// Capture returns whatever state Apply is about to overwrite.
	Capture func(payload any) (snapshot any, err error)

	// Apply performs the local mutation.
	Apply func(payload any) error

	// Restore writes the snapshot back.
	Restore func(snapshot any) error
}

// Entry is the definition of one instruction type.
type Entry struct {
	// Type is set by Register.
	Type string

	// Validate rejects malformed payloads before scheduling. Optional.
	Validate func(payload any) error

	// ResourceKeys derives the shared resources the instruction touches.
	ResourceKeys func(payload any) ([]string, error)

	// KeySpaces are the resource-key prefixes ResourceKeys may produce,
	// e.g. "list:". At least one is required.
	KeySpaces []string

	Strategy instruction.Strategy

	// Expect selects which confirmation channels settle the instruction.
	// Defaults to instruction.ExpectResponse.
	Expect instruction.ExpectedSource

	// BuildRequest produces the remote call for a payload.
	BuildRequest func(payload any) (transport.Request, error)

	// Commit applies confirmed data to the external state store.
	// Called at most once per instruction.
	Commit func(conf instruction.Confirmation) error

	// Optimistic is optional.
	Optimistic *Optimistic

	// Priority orders independent queued work; higher runs first. Must lie
	// within [-MaxPriority, MaxPriority].
	Priority int

	// Timeout bounds the wait for the first confirmation. Defaults to the
	// registry default.
	Timeout time.Duration
}
