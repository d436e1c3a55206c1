package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/roach88/relay/internal/instruction"
)

// DefaultTimeout is applied to entries that declare no Timeout.
const DefaultTimeout = 10 * time.Second

var (
	// ErrDuplicateType is returned when a type is registered twice.
	ErrDuplicateType = errors.New("instruction type already registered")

	// ErrStrategyConflict is returned when an entry's key spaces overlap
	// those of an entry with a different conflict strategy.
	ErrStrategyConflict = errors.New("resource key spaces governed by conflicting strategies")

	// ErrInvalidEntry is returned for an entry missing required fields.
	ErrInvalidEntry = errors.New("invalid registry entry")
)

// MaxPriority bounds the magnitude of an entry's priority.
const MaxPriority = 1 << 20

// ValidPriority reports whether p is within [-MaxPriority, MaxPriority].
func ValidPriority(p int) bool {
	return p >= -MaxPriority && p <= MaxPriority
}

// Override adjusts a registered type's tunables, typically from config.
type Override struct {
	Timeout  time.Duration
	Priority *int
}

// Registry maps instruction type -> Entry.
//
// Thread-safety: Register and Lookup are safe for concurrent use, although
// registration is expected to finish before the pipeline starts.
type Registry struct {
	mu             sync.RWMutex
	entries        map[string]Entry
	defaultTimeout time.Duration
	overrides      map[string]Override
}

// Option configures a Registry.
type Option func(*Registry)

// WithDefaultTimeout sets the timeout applied to entries without one.
func WithDefaultTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.defaultTimeout = d
		}
	}
}

// WithOverrides applies per-type tunables at registration time.
func WithOverrides(overrides map[string]Override) Option {
	return func(r *Registry) {
		for typ, o := range overrides {
			r.overrides[typ] = o
		}
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		entries:        make(map[string]Entry),
		defaultTimeout: DefaultTimeout,
		overrides:      make(map[string]Override),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds the entry for typ.
//
// Returns ErrDuplicateType, ErrInvalidEntry or ErrStrategyConflict (wrapped
// with detail). All three are configuration errors; callers at startup
// should treat them as fatal.
func (r *Registry) Register(typ string, e Entry) error {
	typ = strings.TrimSpace(typ)
	if typ == "" {
		return fmt.Errorf("%w: empty type", ErrInvalidEntry)
	}
	if err := checkEntry(e); err != nil {
		return fmt.Errorf("register %q: %w", typ, err)
	}

	e.Type = typ
	e.KeySpaces = normalizeKeySpaces(e.KeySpaces)
	if e.Expect == "" {
		e.Expect = instruction.ExpectResponse
	}
	if e.Timeout <= 0 {
		e.Timeout = r.defaultTimeout
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if o, ok := r.overrides[typ]; ok {
		if o.Timeout > 0 {
			e.Timeout = o.Timeout
		}
		if o.Priority != nil {
			e.Priority = *o.Priority
		}
	}
	if !ValidPriority(e.Priority) {
		return fmt.Errorf("register %q: %w: priority %d out of range", typ, ErrInvalidEntry, e.Priority)
	}

	if _, exists := r.entries[typ]; exists {
		return fmt.Errorf("register %q: %w", typ, ErrDuplicateType)
	}
	for _, other := range r.entries {
		if other.Strategy == e.Strategy {
			continue
		}
		if a, b, ok := overlappingSpace(e.KeySpaces, other.KeySpaces); ok {
			return fmt.Errorf("register %q (%s, key space %q) vs %q (%s, key space %q): %w",
				typ, e.Strategy, a, other.Type, other.Strategy, b, ErrStrategyConflict)
		}
	}

	r.entries[typ] = e
	return nil
}

// MustRegister is Register that panics on configuration errors.
func (r *Registry) MustRegister(typ string, e Entry) {
	if err := r.Register(typ, e); err != nil {
		panic(err)
	}
}

// Lookup returns the entry for typ, or an UNKNOWN_TYPE *instruction.Error.
func (r *Registry) Lookup(typ string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[typ]
	if !ok {
		return Entry{}, instruction.NewUnknownTypeError(typ)
	}
	return e, nil
}

// Types returns the registered types in name order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.entries))
	for typ := range r.entries {
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of registered types.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func checkEntry(e Entry) error {
	var missing []string
	if e.ResourceKeys == nil {
		missing = append(missing, "ResourceKeys")
	}
	if e.BuildRequest == nil {
		missing = append(missing, "BuildRequest")
	}
	if e.Commit == nil {
		missing = append(missing, "Commit")
	}
	if len(normalizeKeySpaces(e.KeySpaces)) == 0 {
		missing = append(missing, "KeySpaces")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidEntry, strings.Join(missing, ", "))
	}
	if !e.Strategy.Valid() {
		return fmt.Errorf("%w: unknown strategy %q", ErrInvalidEntry, e.Strategy)
	}
	if e.Expect != "" && !e.Expect.Valid() {
		return fmt.Errorf("%w: unknown expected source %q", ErrInvalidEntry, e.Expect)
	}
	if o := e.Optimistic; o != nil && (o.Capture == nil || o.Apply == nil || o.Restore == nil) {
		return fmt.Errorf("%w: optimistic step needs Capture, Apply and Restore", ErrInvalidEntry)
	}
	return nil
}
