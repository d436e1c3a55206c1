package correlation

import (
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator produces correlation ids.
// Implemented by UUIDv7Generator (production) and SequenceGenerator (tests).
type Generator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 correlation ids.
//
// UUIDv7 is a millisecond timestamp followed by random bits, which makes ids
// collision resistant across clients and sortable by creation time.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
//
// Panics if UUID generation fails (should never happen in practice).
func (g UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// SequenceGenerator yields prefix1, prefix2, ... so tests can name the
// correlation id of the n-th submission in advance.
type SequenceGenerator struct {
	prefix string
	n      atomic.Int64
}

// NewSequenceGenerator returns a generator whose first id is prefix+"1".
func NewSequenceGenerator(prefix string) *SequenceGenerator {
	return &SequenceGenerator{prefix: prefix}
}

// Generate returns the next id in the sequence.
func (g *SequenceGenerator) Generate() string {
	return g.prefix + strconv.FormatInt(g.n.Add(1), 10)
}

// Issued returns how many ids have been generated.
func (g *SequenceGenerator) Issued() int {
	return int(g.n.Load())
}
