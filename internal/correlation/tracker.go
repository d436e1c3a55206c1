package correlation

import (
	"time"

	"github.com/ReneKroon/ttlcache"
)

const (
	// DefaultTTL bounds how long a pending transaction may wait for any
	// confirmation before it is garbage collected.
	DefaultTTL = 5 * time.Minute

	// DefaultSettledTTL is how long a reconciled id is remembered for
	// duplicate detection.
	DefaultSettledTTL = 10 * time.Minute
)

// Tracker is the correlation registry: correlation id -> *Transaction.
//
// Thread-safety: the underlying caches are safe for concurrent use. The
// Transactions they hold are not (see Transaction).
type Tracker struct {
	pending *ttlcache.Cache
	settled *ttlcache.Cache
}

// TrackerOption configures a Tracker.
type TrackerOption func(*trackerConfig)

type trackerConfig struct {
	ttl        time.Duration
	settledTTL time.Duration
	onExpire   func(correlationID string)
}

// WithTTL sets the pending transaction TTL.
func WithTTL(ttl time.Duration) TrackerOption {
	return func(c *trackerConfig) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithSettledTTL sets how long settled ids are remembered.
func WithSettledTTL(ttl time.Duration) TrackerOption {
	return func(c *trackerConfig) {
		if ttl > 0 {
			c.settledTTL = ttl
		}
	}
}

// WithExpiryCallback registers fn to be called with the correlation id of
// every pending transaction evicted by TTL. fn runs on the cache's janitor
// goroutine and must not block.
func WithExpiryCallback(fn func(correlationID string)) TrackerOption {
	return func(c *trackerConfig) {
		c.onExpire = fn
	}
}

// NewTracker creates a tracker. Close must be called to stop the cache
// janitor goroutines.
func NewTracker(opts ...TrackerOption) *Tracker {
	cfg := trackerConfig{ttl: DefaultTTL, settledTTL: DefaultSettledTTL}
	for _, opt := range opts {
		opt(&cfg)
	}

	pending := ttlcache.NewCache()
	pending.SetTTL(cfg.ttl)
	// A lookup must not keep an abandoned transaction alive.
	pending.SkipTtlExtensionOnHit(true)
	if cfg.onExpire != nil {
		onExpire := cfg.onExpire
		pending.SetExpirationCallback(func(key string, _ interface{}) {
			onExpire(key)
		})
	}

	settled := ttlcache.NewCache()
	settled.SetTTL(cfg.settledTTL)
	settled.SkipTtlExtensionOnHit(true)

	return &Tracker{pending: pending, settled: settled}
}

// Put registers a pending transaction under its correlation id.
func (t *Tracker) Put(txn *Transaction) {
	t.pending.Set(txn.CorrelationID, txn)
}

// Get returns the pending transaction for id.
func (t *Tracker) Get(correlationID string) (*Transaction, bool) {
	v, ok := t.pending.Get(correlationID)
	if !ok {
		return nil, false
	}
	txn, ok := v.(*Transaction)
	return txn, ok
}

// Remove drops the pending transaction and remembers the id as settled.
// Returns false if no transaction was pending.
func (t *Tracker) Remove(correlationID string) bool {
	removed := t.pending.Remove(correlationID)
	t.settled.Set(correlationID, true)
	return removed
}

// Settled reports whether id was reconciled, rolled back or expired recently.
func (t *Tracker) Settled(correlationID string) bool {
	_, ok := t.settled.Get(correlationID)
	return ok
}

// Len returns the number of pending transactions.
func (t *Tracker) Len() int {
	return t.pending.Count()
}

// Close stops both caches.
func (t *Tracker) Close() {
	t.pending.Close()
	t.settled.Close()
}
