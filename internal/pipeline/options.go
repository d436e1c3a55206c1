package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/relay/internal/correlation"
	"github.com/roach88/relay/internal/instruction"
	"github.com/roach88/relay/internal/push"
	"github.com/roach88/relay/internal/registry"
)

// Recorder receives every lifecycle Transition, on the loop goroutine.
// Implemented by the journal packages. Errors are logged, never fatal.
type Recorder interface {
	Record(ctx context.Context, t instruction.Transition) error
}

// Metrics receives pipeline measurements. Implemented by metrics.Metrics.
type Metrics interface {
	Submitted(typ string)
	Settled(typ string, outcome string, code instruction.ErrorCode, latency time.Duration)
	Duplicate(src instruction.Source)
	Observe(waiting, active, pending int)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMaxConcurrency bounds how many instructions may be active at once.
func WithMaxConcurrency(n int) Option {
	return func(p *Pipeline) {
		p.maxConcurrency = n
	}
}

// WithGenerator sets the correlation id generator. Defaults to UUIDv7.
func WithGenerator(g correlation.Generator) Option {
	return func(p *Pipeline) {
		if g != nil {
			p.gen = g
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithJournal adds transition recorders.
func WithJournal(recorders ...Recorder) Option {
	return func(p *Pipeline) {
		p.recorders = append(p.recorders, recorders...)
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithListener registers a handler for push events that confirm no
// instruction: server-originated changes and events with a foreign id.
// Listeners run on the loop goroutine and must not block.
func WithListener(h push.Handler) Option {
	return func(p *Pipeline) {
		p.listeners = append(p.listeners, h)
	}
}

// WithDeliveryHook registers fn to be called, from the send goroutine, after
// a transport outcome has been queued for the loop. Used by the scenario
// harness to sequence scripted responses deterministically.
func WithDeliveryHook(fn func(correlationID string)) Option {
	return func(p *Pipeline) {
		p.deliveryHook = fn
	}
}

// WithCorrelationTTL bounds how long a pending transaction may live.
func WithCorrelationTTL(d time.Duration) Option {
	return func(p *Pipeline) {
		p.correlationTTL = d
	}
}

// WithSettledTTL sets how long settled ids are remembered to drop late
// duplicates.
func WithSettledTTL(d time.Duration) Option {
	return func(p *Pipeline) {
		p.settledTTL = d
	}
}

// WithNow overrides the wall clock. Used by tests.
func WithNow(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// DispatchOption configures one submission.
type DispatchOption func(*submission)

// WithOptimistic overrides the entry's optimistic step for this submission.
func WithOptimistic(o *registry.Optimistic) DispatchOption {
	return func(s *submission) {
		s.optimistic = o
	}
}
