package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"github.com/roach88/relay/internal/config"
	"github.com/roach88/relay/internal/features/board"
	"github.com/roach88/relay/internal/instruction"
	"github.com/roach88/relay/internal/journal"
	"github.com/roach88/relay/internal/metrics"
	"github.com/roach88/relay/internal/pipeline"
	"github.com/roach88/relay/internal/push"
	"github.com/roach88/relay/internal/registry"
	"github.com/roach88/relay/internal/transport"
)

// DefaultWait bounds every blocking step.
const DefaultWait = 5 * time.Second

// Option configures Run.
type Option func(*runOptions)

type runOptions struct {
	logger    *slog.Logger
	recorders []pipeline.Recorder
	config    *config.Config
}

// WithLogger sets the pipeline logger. The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(o *runOptions) {
		o.logger = l
	}
}

// WithRecorder adds a journal next to the in-memory one, e.g. a SQLite
// journal.
func WithRecorder(r pipeline.Recorder) Option {
	return func(o *runOptions) {
		o.recorders = append(o.recorders, r)
	}
}

// WithConfig sets the base configuration the scenario's config block is
// applied to. Defaults to config.Default.
func WithConfig(cfg config.Config) Option {
	return func(o *runOptions) {
		o.config = &cfg
	}
}

// Harness is one scenario execution.
type Harness struct {
	pipeline   *pipeline.Pipeline
	board      *board.Board
	remote     *remote
	deliveries *deliveries
	gen        *refGenerator
	journal    *journal.Memory
	logger     *slog.Logger

	tickets map[string]*pipeline.Ticket
	// order lists refs in submission order, rejected ones included.
	order    []string
	types    map[string]string
	rejected map[string]error
}

// refGenerator hands out the scenario ref of the submission being dispatched.
type refGenerator struct {
	mu   sync.Mutex
	next string
}

func (g *refGenerator) set(ref string) {
	g.mu.Lock()
	g.next = ref
	g.mu.Unlock()
}

func (g *refGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.next
}

// Run executes a scenario and returns the result.
//
// Execution flow:
//  1. Resolve config and seed a fresh board
//  2. Start a pipeline over a scripted remote
//  3. Execute steps, draining the loop after each
//  4. Stop the pipeline and collect outcomes
//  5. Evaluate assertions
//
// A step that cannot be carried out fails the result and skips the remaining
// steps. The returned error is reserved for setup failures.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	ro := runOptions{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&ro)
	}

	cfg, err := scenarioConfig(ro.config, scenario.Config)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", scenario.Name, err)
	}

	b := board.New()
	b.Seed(scenario.Board.Tasks, scenario.Board.Lists)

	reg := registry.New(
		registry.WithDefaultTimeout(cfg.DefaultTimeout),
		registry.WithOverrides(cfg.Overrides()),
	)
	if err := board.Register(reg, b); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", scenario.Name, err)
	}

	promReg := prometheus.NewRegistry()
	h := &Harness{
		board:      b,
		remote:     newRemote(),
		deliveries: newDeliveries(),
		gen:        &refGenerator{},
		journal:    journal.NewMemory(),
		logger:     ro.logger,
		tickets:    make(map[string]*pipeline.Ticket),
		types:      make(map[string]string),
		rejected:   make(map[string]error),
	}
	recorders := append([]pipeline.Recorder{h.journal}, ro.recorders...)
	h.pipeline = pipeline.New(reg, h.remote,
		pipeline.WithGenerator(h.gen),
		pipeline.WithLogger(ro.logger),
		pipeline.WithJournal(recorders...),
		pipeline.WithMetrics(metrics.New(promReg)),
		pipeline.WithListener(board.Listener(b, ro.logger)),
		pipeline.WithDeliveryHook(h.deliveries.hook),
		pipeline.WithMaxConcurrency(cfg.MaxConcurrency),
		pipeline.WithCorrelationTTL(cfg.CorrelationTTL),
		pipeline.WithSettledTTL(cfg.SettledTTL),
	)

	runErr := make(chan error, 1)
	go func() { runErr <- h.pipeline.Run(ctx) }()

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.execute(ctx, step); err != nil {
			result.AddError(fmt.Sprintf("steps[%d]: %v", i, err))
			break
		}
	}

	h.pipeline.Stop()
	if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pipeline.ErrStopped) {
		return nil, fmt.Errorf("scenario %s: pipeline: %w", scenario.Name, err)
	}

	result.Trace = h.journal.Lines()
	result.Outcomes = h.outcomes()
	result.Commits = b.Commits()
	if counts, err := metrics.Summary(promReg); err == nil {
		result.Metrics = counts
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions, b) {
		result.AddError(msg)
	}
	return result, nil
}

func scenarioConfig(base *config.Config, overrides map[string]any) (config.Config, error) {
	cfg := config.Default()
	if base != nil {
		cfg = *base
	}
	if len(overrides) == 0 {
		return cfg, nil
	}
	data, err := yaml.Marshal(overrides)
	if err != nil {
		return config.Config{}, fmt.Errorf("encode config block: %w", err)
	}
	cfg, err = config.Overlay(cfg, data, config.FormatYAML)
	if err != nil {
		return config.Config{}, fmt.Errorf("config block: %w", err)
	}
	return cfg, nil
}

func (h *Harness) execute(ctx context.Context, step Step) error {
	switch {
	case step.Submit != nil:
		return h.submit(ctx, step.Submit)
	case step.Respond != nil:
		status := step.Respond.Status
		if status == 0 {
			status = http.StatusOK
		}
		body, err := encode(step.Respond.Body)
		if err != nil {
			return err
		}
		return h.answer(ctx, step.Respond.Ref, reply{resp: transport.Response{StatusCode: status, Body: body}})
	case step.Fail != nil:
		return h.answer(ctx, step.Fail.Ref, reply{err: errors.New(step.Fail.Error)})
	case step.Push != nil:
		return h.push(ctx, step.Push)
	case step.Wait != nil:
		return h.wait(ctx, step.Wait)
	}
	return fmt.Errorf("empty step")
}

func (h *Harness) submit(ctx context.Context, s *SubmitStep) error {
	h.order = append(h.order, s.Ref)
	h.types[s.Ref] = s.Type

	h.gen.set(s.Ref)
	ticket, err := h.pipeline.Dispatch(s.Type, s.Payload)
	if err != nil {
		h.logger.Info("submission rejected", "ref", s.Ref, "type", s.Type, "error", err)
		h.rejected[s.Ref] = err
		return nil
	}
	h.tickets[s.Ref] = ticket
	return h.barrier(ctx)
}

func (h *Harness) answer(ctx context.Context, ref string, rep reply) error {
	ticket, ok := h.tickets[ref]
	if !ok {
		return fmt.Errorf("ref %s was rejected at submission", ref)
	}
	if ticket.Settled() {
		// The request was cancelled; the answer is never read.
		h.remote.answer(ref, rep)
		return h.barrier(ctx)
	}

	if status := h.status(ref); status != instruction.StatusAwaitingConfirmation {
		return fmt.Errorf("ref %s is %s, not awaiting confirmation", ref, status)
	}
	if !h.remote.awaitRequest(ref, DefaultWait) {
		return fmt.Errorf("ref %s: no request reached the remote", ref)
	}
	if !h.remote.answer(ref, rep) {
		return fmt.Errorf("ref %s already answered", ref)
	}
	if !h.deliveries.await(ref, ticket.Done(), DefaultWait) {
		return fmt.Errorf("ref %s: answer was not delivered within %s", ref, DefaultWait)
	}
	return h.barrier(ctx)
}

func (h *Harness) push(ctx context.Context, s *PushStep) error {
	payload, err := encode(s.Payload)
	if err != nil {
		return err
	}
	eventID := fmt.Sprintf("ev-%d", len(h.journal.Transitions()))
	if s.Ref != "" {
		eventID = "ev-" + s.Ref
	}
	ok := h.pipeline.Notify(push.Event{
		EventID:       eventID,
		EventType:     s.EventType,
		AggregateID:   s.AggregateID,
		CorrelationID: s.Ref,
		Payload:       payload,
	})
	if !ok {
		return fmt.Errorf("pipeline stopped")
	}
	return h.barrier(ctx)
}

func (h *Harness) wait(ctx context.Context, s *WaitStep) error {
	ticket, ok := h.tickets[s.Ref]
	if !ok {
		return nil
	}
	within := DefaultWait
	if s.Within != "" {
		within, _ = time.ParseDuration(s.Within)
	}
	wctx, cancel := context.WithTimeout(ctx, within)
	defer cancel()
	select {
	case <-ticket.Done():
	case <-wctx.Done():
		return fmt.Errorf("ref %s did not settle within %s", s.Ref, within)
	}
	return h.barrier(ctx)
}

func (h *Harness) barrier(ctx context.Context) error {
	bctx, cancel := context.WithTimeout(ctx, DefaultWait)
	defer cancel()
	if err := h.pipeline.Barrier(bctx); err != nil {
		return fmt.Errorf("drain pipeline: %w", err)
	}
	return nil
}

func (h *Harness) status(ref string) instruction.Status {
	for _, li := range h.pipeline.Snapshot().Live {
		if li.CorrelationID == ref {
			return li.Status
		}
	}
	return instruction.StatusPending
}

// outcomes collects every ref's result once the pipeline has stopped.
func (h *Harness) outcomes() []Outcome {
	out := make([]Outcome, 0, len(h.order))
	for _, ref := range h.order {
		o := Outcome{Ref: ref, Type: h.types[ref]}
		if err, ok := h.rejected[ref]; ok {
			o.Outcome = outcomeFailed
			o.Code = string(instruction.CodeOf(err))
			o.Error = err.Error()
			out = append(out, o)
			continue
		}

		res, err := h.tickets[ref].Wait(context.Background())
		switch {
		case err != nil:
			o.Outcome = outcomeFailed
			o.Code = string(instruction.CodeOf(err))
			o.Error = err.Error()
		case res.Discarded():
			o.Outcome = outcomeDiscarded
			o.SupersededBy = res.SupersededBy
		default:
			o.Outcome = outcomeCommitted
			o.Source = string(res.Source)
		}
		out = append(out, o)
	}
	return out
}

func encode(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	return data, nil
}
