package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roach88/relay/internal/correlation"
	"github.com/roach88/relay/internal/instruction"
	"github.com/roach88/relay/internal/push"
	"github.com/roach88/relay/internal/registry"
	"github.com/roach88/relay/internal/transport"
)

const waitFor = 2 * time.Second

// ---------------------------------------------------------------------------
// Test domain: ordered lists (discardOutdated) and counters (serialize).
// ---------------------------------------------------------------------------

type reorder struct {
	View  string   `json:"view"`
	Order []string `json:"order"`
}

type add struct {
	Name  string `json:"name"`
	Delta int    `json:"delta"`
}

type state struct {
	mu           sync.Mutex
	lists        map[string][]string
	counters     map[string]int
	commits      int
	rejectCommit bool
}

func newState() *state {
	return &state{
		lists:    map[string][]string{"daily": {"c", "b", "a"}},
		counters: map[string]int{},
	}
}

func (s *state) list(view string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lists[view]...)
}

func (s *state) counter(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[name]
}

func (s *state) commitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

func (s *state) commit(apply func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rejectCommit {
		return errors.New("stale revision")
	}
	s.commits++
	apply()
	return nil
}

type envOptions struct {
	timeout        time.Duration
	maxConcurrency int
}

func (s *state) register(t *testing.T, o envOptions) *registry.Registry {
	t.Helper()
	reg := registry.New(registry.WithDefaultTimeout(o.timeout))

	listEntry := func(expect instruction.ExpectedSource) registry.Entry {
		return registry.Entry{
			Validate: registry.MustSchema(`
view:  string & != ""
order: [...string]
`),
			ResourceKeys: func(p any) ([]string, error) {
				r, err := registry.Payload[reorder](p)
				if err != nil {
					return nil, err
				}
				return []string{"list:" + r.View}, nil
			},
			KeySpaces: []string{"list:"},
			Strategy:  instruction.StrategyDiscardOutdated,
			Expect:    expect,
			BuildRequest: func(p any) (transport.Request, error) {
				r, _ := registry.Payload[reorder](p)
				return transport.Request{Method: http.MethodPut, Path: "/views/" + r.View + "/order", Body: r}, nil
			},
			Commit: func(c instruction.Confirmation) error {
				var r reorder
				if err := json.Unmarshal(c.Data, &r); err != nil {
					return err
				}
				return s.commit(func() { s.lists[r.View] = r.Order })
			},
			Optimistic: &registry.Optimistic{
				Capture: func(p any) (any, error) {
					r, _ := registry.Payload[reorder](p)
					return reorder{View: r.View, Order: s.list(r.View)}, nil
				},
				Apply: func(p any) error {
					r, _ := registry.Payload[reorder](p)
					s.mu.Lock()
					s.lists[r.View] = append([]string(nil), r.Order...)
					s.mu.Unlock()
					return nil
				},
				Restore: func(snap any) error {
					r := snap.(reorder)
					s.mu.Lock()
					s.lists[r.View] = r.Order
					s.mu.Unlock()
					return nil
				},
			},
		}
	}
	reg.MustRegister("list.reorder", listEntry(instruction.ExpectEither))
	reg.MustRegister("list.sync", listEntry(instruction.ExpectBoth))

	counterEntry := func(expect instruction.ExpectedSource) registry.Entry {
		return registry.Entry{
			ResourceKeys: func(p any) ([]string, error) {
				a, err := registry.Payload[add](p)
				if err != nil {
					return nil, err
				}
				return []string{"counter:" + a.Name}, nil
			},
			KeySpaces: []string{"counter:"},
			Strategy:  instruction.StrategySerialize,
			Expect:    expect,
			BuildRequest: func(p any) (transport.Request, error) {
				a, _ := registry.Payload[add](p)
				return transport.Request{Path: "/counters/" + a.Name, Body: a}, nil
			},
			Commit: func(c instruction.Confirmation) error {
				var body struct {
					Name  string `json:"name"`
					Value int    `json:"value"`
				}
				if err := json.Unmarshal(c.Data, &body); err != nil {
					return err
				}
				return s.commit(func() { s.counters[body.Name] = body.Value })
			},
			Optimistic: &registry.Optimistic{
				Capture: func(p any) (any, error) {
					a, _ := registry.Payload[add](p)
					return add{Name: a.Name, Delta: s.counter(a.Name)}, nil
				},
				Apply: func(p any) error {
					a, _ := registry.Payload[add](p)
					s.mu.Lock()
					s.counters[a.Name] += a.Delta
					s.mu.Unlock()
					return nil
				},
				Restore: func(snap any) error {
					a := snap.(add)
					s.mu.Lock()
					s.counters[a.Name] = a.Delta
					s.mu.Unlock()
					return nil
				},
			},
		}
	}
	reg.MustRegister("counter.add", counterEntry(instruction.ExpectResponse))
	reg.MustRegister("counter.sync", counterEntry(instruction.ExpectBoth))
	return reg
}

// ---------------------------------------------------------------------------
// Scripted remote
// ---------------------------------------------------------------------------

type reply struct {
	resp transport.Response
	err  error
}

type remote struct {
	mu       sync.Mutex
	replies  map[string]chan reply
	requests chan transport.Request
}

func newRemote() *remote {
	return &remote{replies: make(map[string]chan reply), requests: make(chan transport.Request, 64)}
}

func (r *remote) reply(id string) chan reply {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.replies[id]
	if !ok {
		ch = make(chan reply, 1)
		r.replies[id] = ch
	}
	return ch
}

func (r *remote) Send(ctx context.Context, req transport.Request) (transport.Response, error) {
	r.requests <- req
	select {
	case rep := <-r.reply(req.CorrelationID):
		return rep.resp, rep.err
	case <-ctx.Done():
		return transport.Response{}, ctx.Err()
	}
}

// ---------------------------------------------------------------------------
// Environment
// ---------------------------------------------------------------------------

type env struct {
	t         *testing.T
	p         *Pipeline
	remote    *remote
	state     *state
	delivered chan string
	pushed    []push.Event
	runErr    chan error
	stopOnce  sync.Once
}

func start(t *testing.T, o envOptions, opts ...Option) *env {
	t.Helper()
	e := &env{
		t:         t,
		remote:    newRemote(),
		state:     newState(),
		delivered: make(chan string, 64),
		runErr:    make(chan error, 1),
	}
	if o.timeout == 0 {
		o.timeout = time.Minute
	}

	base := []Option{
		WithGenerator(correlation.NewSequenceGenerator("c")),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithDeliveryHook(func(id string) { e.delivered <- id }),
		WithListener(func(ev push.Event) { e.pushed = append(e.pushed, ev) }),
		WithMaxConcurrency(o.maxConcurrency),
	}
	e.p = New(e.state.register(t, o), e.remote, append(base, opts...)...)

	go func() { e.runErr <- e.p.Run(context.Background()) }()
	t.Cleanup(e.stop)
	return e
}

func (e *env) stop() {
	e.stopOnce.Do(e.p.Stop)
}

func (e *env) barrier() {
	e.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(e.t, e.p.Barrier(ctx))
}

func (e *env) dispatch(typ string, payload any) *Ticket {
	e.t.Helper()
	tk, err := e.p.Dispatch(typ, payload)
	require.NoError(e.t, err)
	e.barrier()
	return tk
}

func (e *env) respond(id string, status int, body string) {
	e.t.Helper()
	e.remote.reply(id) <- reply{resp: transport.Response{StatusCode: status, Body: json.RawMessage(body)}}
	e.awaitDelivery(id)
	e.barrier()
}

func (e *env) awaitDelivery(id string) {
	e.t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case got := <-e.delivered:
			if got == id {
				return
			}
		case <-deadline:
			e.t.Fatalf("no delivery for %s", id)
		}
	}
}

func (e *env) pushFor(id string, payload string) {
	e.t.Helper()
	require.True(e.t, e.p.Notify(push.Event{
		EventID:       "ev-" + id,
		EventType:     "confirmed",
		CorrelationID: id,
		Payload:       json.RawMessage(payload),
	}))
	e.barrier()
}

func (e *env) nextRequest() transport.Request {
	e.t.Helper()
	select {
	case req := <-e.remote.requests:
		return req
	case <-time.After(waitFor):
		e.t.Fatal("no request sent")
		return transport.Request{}
	}
}

func wait(t *testing.T, tk *Ticket) (instruction.Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	return tk.Wait(ctx)
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestDispatch_RejectsSynchronously(t *testing.T) {
	e := start(t, envOptions{})

	_, err := e.p.Dispatch("list.archive", reorder{View: "daily"})
	assert.True(t, instruction.IsUnknownTypeError(err))

	_, err = e.p.Dispatch("list.reorder", reorder{View: ""})
	assert.True(t, instruction.IsValidationError(err))

	_, err = e.p.Dispatch("list.reorder", reorder{View: "daily"}, WithOptimistic(&registry.Optimistic{}))
	assert.True(t, instruction.IsValidationError(err))

	e.barrier()
	snap := e.p.Snapshot()
	assert.Zero(t, snap.Waiting)
	assert.Empty(t, snap.Live)
	assert.Equal(t, []string{"c", "b", "a"}, e.state.list("daily"))
}

func TestResponseFirst_CommitsExactlyOnce(t *testing.T) {
	e := start(t, envOptions{})
	body := `{"view":"daily","order":["a","b","c"]}`

	tk := e.dispatch("list.reorder", reorder{View: "daily", Order: []string{"a", "b", "c"}})
	req := e.nextRequest()
	assert.Equal(t, "c1", req.CorrelationID)
	assert.Equal(t, "/views/daily/order", req.Path)
	assert.Equal(t, []string{"a", "b", "c"}, e.state.list("daily"))

	e.respond("c1", 200, body)
	res, err := wait(t, tk)
	require.NoError(t, err)
	assert.Equal(t, instruction.OutcomeCommitted, res.Outcome)
	assert.Equal(t, instruction.SourceResponse, res.Source)

	// The echoing push arrives late and is dropped, not treated as foreign.
	e.pushFor("c1", body)
	assert.Equal(t, 1, e.state.commitCount())
	assert.Empty(t, e.pushed)
}

func TestPushFirst_CommitsExactlyOnce(t *testing.T) {
	e := start(t, envOptions{})

	tk := e.dispatch("list.reorder", reorder{View: "daily", Order: []string{"b", "a", "c"}})
	e.nextRequest()
	e.pushFor("c1", `{"view":"daily","order":["b","a","c"]}`)

	res, err := wait(t, tk)
	require.NoError(t, err)
	assert.Equal(t, instruction.SourcePush, res.Source)

	// The request was aborted once settled: its response never reaches the loop.
	e.remote.reply("c1") <- reply{resp: transport.Response{StatusCode: 200, Body: json.RawMessage(`{}`)}}
	e.barrier()
	assert.Equal(t, 1, e.state.commitCount())
	assert.Equal(t, []string{"b", "a", "c"}, e.state.list("daily"))
}

func TestExpectBoth_DuplicatesIgnored(t *testing.T) {
	e := start(t, envOptions{})
	body := `{"name":"x","value":5}`

	tk := e.dispatch("counter.sync", add{Name: "x", Delta: 5})
	e.nextRequest()
	e.pushFor("c1", body)
	e.pushFor("c1", body)
	assert.False(t, tk.Settled())

	e.respond("c1", 200, body)
	res, err := wait(t, tk)
	require.NoError(t, err)
	assert.Equal(t, instruction.SourcePush, res.Source)
	assert.Equal(t, 1, e.state.commitCount())
	assert.Equal(t, 5, e.state.counter("x"))
}

func TestTransportFailure_RollsBack(t *testing.T) {
	e := start(t, envOptions{})

	tk := e.dispatch("list.reorder", reorder{View: "daily", Order: []string{"a", "b", "c"}})
	e.nextRequest()
	e.respond("c1", 500, `{"error":"boom"}`)

	_, err := wait(t, tk)
	require.Error(t, err)
	assert.True(t, instruction.IsTransportError(err))
	var ie *instruction.Error
	require.ErrorAs(t, err, &ie)
	assert.True(t, ie.Recoverable())
	assert.Equal(t, []string{"c", "b", "a"}, e.state.list("daily"))
	assert.Zero(t, e.state.commitCount())
}

func TestCommitRejection_RollsBack(t *testing.T) {
	e := start(t, envOptions{})
	e.state.rejectCommit = true

	tk := e.dispatch("counter.add", add{Name: "x", Delta: 3})
	e.nextRequest()
	assert.Equal(t, 3, e.state.counter("x"))
	e.respond("c1", 200, `{"name":"x","value":3}`)

	_, err := wait(t, tk)
	assert.Equal(t, instruction.CodeCommit, instruction.CodeOf(err))
	assert.Equal(t, 0, e.state.counter("x"))
}

func TestTimeout_RollsBack(t *testing.T) {
	e := start(t, envOptions{timeout: 30 * time.Millisecond})

	tk, err := e.p.Dispatch("counter.add", add{Name: "x", Delta: 2})
	require.NoError(t, err)

	_, err = wait(t, tk)
	assert.True(t, instruction.IsTimeoutError(err))
	assert.Equal(t, 0, e.state.counter("x"))

	e.barrier()
	assert.Zero(t, e.p.Snapshot().Pending)
}

func TestSerialize_OneRequestAtATime(t *testing.T) {
	e := start(t, envOptions{})

	t1 := e.dispatch("counter.add", add{Name: "x", Delta: 1})
	t2 := e.dispatch("counter.add", add{Name: "x", Delta: 2})
	t3 := e.dispatch("counter.add", add{Name: "x", Delta: 3})

	snap := e.p.Snapshot()
	assert.Equal(t, 1, snap.Active)
	assert.Equal(t, 2, snap.Waiting)
	assert.Equal(t, map[string]string{"counter:x": "c1"}, snap.Locks)

	assert.Equal(t, "c1", e.nextRequest().CorrelationID)
	e.respond("c1", 200, `{"name":"x","value":1}`)
	assert.Equal(t, "c2", e.nextRequest().CorrelationID)
	e.respond("c2", 200, `{"name":"x","value":3}`)
	assert.Equal(t, "c3", e.nextRequest().CorrelationID)
	e.respond("c3", 200, `{"name":"x","value":6}`)

	for _, tk := range []*Ticket{t1, t2, t3} {
		res, err := wait(t, tk)
		require.NoError(t, err)
		assert.Equal(t, instruction.OutcomeCommitted, res.Outcome)
	}
	assert.Equal(t, 6, e.state.counter("x"))
	assert.Equal(t, 3, e.state.commitCount())
}

func TestDiscardOutdated_ThreeReorders(t *testing.T) {
	e := start(t, envOptions{})

	r1 := e.dispatch("list.reorder", reorder{View: "daily", Order: []string{"a", "b", "c"}})
	r2 := e.dispatch("list.reorder", reorder{View: "daily", Order: []string{"b", "a", "c"}})
	r3 := e.dispatch("list.reorder", reorder{View: "daily", Order: []string{"b", "c", "a"}})

	for i, tk := range []*Ticket{r1, r2} {
		res, err := wait(t, tk)
		require.NoError(t, err)
		assert.True(t, res.Discarded())
		assert.Equal(t, fmt.Sprintf("c%d", i+2), res.SupersededBy)
	}
	assert.Equal(t, []string{"b", "c", "a"}, e.state.list("daily"))

	// Late response to a discarded request changes nothing.
	e.remote.reply("c1") <- reply{resp: transport.Response{StatusCode: 200, Body: json.RawMessage(`{"view":"daily","order":["a","b","c"]}`)}}
	e.pushFor("c2", `{"view":"daily","order":["b","a","c"]}`)

	e.respond("c3", 200, `{"view":"daily","order":["b","c","a"]}`)
	res, err := wait(t, r3)
	require.NoError(t, err)
	assert.Equal(t, instruction.OutcomeCommitted, res.Outcome)

	assert.Equal(t, 1, e.state.commitCount())
	assert.Equal(t, []string{"b", "c", "a"}, e.state.list("daily"))
	assert.Empty(t, e.pushed)

	snap := e.p.Snapshot()
	assert.Empty(t, snap.Live)
	assert.Empty(t, snap.Locks)
	assert.Zero(t, snap.Pending)
}

func TestDiscardOutdated_CommittedHolderIsNotUndone(t *testing.T) {
	e := start(t, envOptions{})

	t1 := e.dispatch("list.sync", reorder{View: "daily", Order: []string{"a", "b", "c"}})
	e.nextRequest()
	e.pushFor("c1", `{"view":"daily","order":["a","b","c"]}`)
	require.False(t, t1.Settled())
	require.Equal(t, 1, e.state.commitCount())

	t2 := e.dispatch("list.sync", reorder{View: "daily", Order: []string{"b", "a", "c"}})
	res, err := wait(t, t1)
	require.NoError(t, err)
	assert.Equal(t, instruction.OutcomeCommitted, res.Outcome)
	assert.Equal(t, instruction.SourcePush, res.Source)

	assert.Equal(t, "c2", e.nextRequest().CorrelationID)
	assert.Equal(t, []string{"b", "a", "c"}, e.state.list("daily"))

	body := `{"view":"daily","order":["b","a","c"]}`
	e.pushFor("c2", body)
	e.respond("c2", 200, body)
	res, err = wait(t, t2)
	require.NoError(t, err)
	assert.Equal(t, instruction.OutcomeCommitted, res.Outcome)
	assert.Equal(t, 2, e.state.commitCount())
	assert.Equal(t, []string{"b", "a", "c"}, e.state.list("daily"))
}

func TestCorrelationTTL_RollsBack(t *testing.T) {
	e := start(t, envOptions{}, WithCorrelationTTL(50*time.Millisecond))

	tk := e.dispatch("counter.add", add{Name: "x", Delta: 4})
	e.nextRequest()
	assert.Equal(t, 4, e.state.counter("x"))

	_, err := wait(t, tk)
	assert.True(t, instruction.IsTimeoutError(err))
	assert.Equal(t, 0, e.state.counter("x"))
	assert.Zero(t, e.state.commitCount())

	e.barrier()
	snap := e.p.Snapshot()
	assert.Zero(t, snap.Pending)
	assert.Empty(t, snap.Locks)
}

func TestConcurrencyBound(t *testing.T) {
	e := start(t, envOptions{maxConcurrency: 2})

	for _, name := range []string{"a", "b", "c", "d"} {
		e.dispatch("counter.add", add{Name: name, Delta: 1})
	}
	snap := e.p.Snapshot()
	assert.Equal(t, 2, snap.Active)
	assert.Equal(t, 2, snap.Waiting)
	assert.Equal(t, 2, snap.MaxConcurrency)

	e.respond("c1", 200, `{"name":"a","value":1}`)
	snap = e.p.Snapshot()
	assert.Equal(t, 2, snap.Active)
	assert.Equal(t, 1, snap.Waiting)
}

func TestServerOriginatedPush_ReachesListeners(t *testing.T) {
	e := start(t, envOptions{})

	require.True(t, e.p.Notify(push.Event{EventType: "task.created", AggregateID: "t9"}))
	require.True(t, e.p.Notify(push.Event{EventType: "task.renamed", CorrelationID: "other-client"}))
	e.barrier()

	require.Len(t, e.pushed, 2)
	assert.Equal(t, "t9", e.pushed[0].AggregateID)
	assert.Equal(t, "other-client", e.pushed[1].CorrelationID)
}

func TestAttach(t *testing.T) {
	e := start(t, envOptions{})
	b := push.NewBroadcaster()
	e.p.Attach(b)

	tk := e.dispatch("list.reorder", reorder{View: "daily", Order: []string{"a", "c", "b"}})
	e.nextRequest()
	b.Publish(push.Event{EventType: "list.reordered", CorrelationID: "c1", Payload: json.RawMessage(`{"view":"daily","order":["a","c","b"]}`)})

	res, err := wait(t, tk)
	require.NoError(t, err)
	assert.Equal(t, instruction.SourcePush, res.Source)

	e.stop()
	assert.Zero(t, b.Len())
}

func TestShutdown_RollsBackAndStopsGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := start(t, envOptions{})

	live := e.dispatch("list.reorder", reorder{View: "daily", Order: []string{"a", "b", "c"}})
	counter := e.dispatch("counter.add", add{Name: "x", Delta: 1})
	e.nextRequest()
	e.nextRequest()
	assert.Equal(t, []string{"a", "b", "c"}, e.state.list("daily"))

	e.stop()
	require.NoError(t, <-e.runErr)

	for _, tk := range []*Ticket{live, counter} {
		_, err := wait(t, tk)
		assert.True(t, instruction.IsStoppedError(err))
	}
	assert.Equal(t, []string{"c", "b", "a"}, e.state.list("daily"))
	assert.Equal(t, 0, e.state.counter("x"))

	_, err := e.p.Dispatch("counter.add", add{Name: "x", Delta: 1})
	assert.True(t, instruction.IsStoppedError(err))
	assert.ErrorIs(t, e.p.Barrier(context.Background()), ErrStopped)
	assert.False(t, e.p.Notify(push.Event{EventType: "x"}))
}

func TestShutdown_CommittedHolderSettlesCommitted(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := start(t, envOptions{})

	tk := e.dispatch("list.sync", reorder{View: "daily", Order: []string{"a", "b", "c"}})
	e.nextRequest()
	e.pushFor("c1", `{"view":"daily","order":["a","b","c"]}`)
	require.False(t, tk.Settled())

	e.stop()
	require.NoError(t, <-e.runErr)

	res, err := wait(t, tk)
	require.NoError(t, err)
	assert.Equal(t, instruction.OutcomeCommitted, res.Outcome)
	assert.Equal(t, instruction.SourcePush, res.Source)
	assert.Equal(t, 1, e.state.commitCount())
	assert.Equal(t, []string{"a", "b", "c"}, e.state.list("daily"))
}

func TestStop_BeforeRun(t *testing.T) {
	defer goleak.VerifyNone(t)
	reg := newState().register(t, envOptions{timeout: time.Minute})
	p := New(reg, newRemote(), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	tk, err := p.Dispatch("counter.add", add{Name: "x", Delta: 1})
	require.NoError(t, err)

	p.Stop()
	_, err = wait(t, tk)
	assert.True(t, instruction.IsStoppedError(err))

	select {
	case <-p.Done():
	default:
		t.Fatal("Done not closed")
	}
	assert.ErrorIs(t, p.Run(context.Background()), ErrStopped)
	p.Stop()
}

func TestRun_ContextCancel(t *testing.T) {
	reg := newState().register(t, envOptions{timeout: time.Minute})
	p := New(reg, newRemote(), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- p.Run(ctx) }()

	require.NoError(t, p.Barrier(context.Background()))
	assert.ErrorIs(t, p.Run(context.Background()), ErrAlreadyRunning)

	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitFor):
		t.Fatal("Run did not return")
	}
	<-p.Done()
}
