package harness

import (
	"context"
	"sync"
	"time"

	"github.com/roach88/relay/internal/transport"
)

type reply struct {
	resp transport.Response
	err  error
}

// remote is a scripted transport: every request blocks until the scenario
// answers it or the pipeline cancels it.
type remote struct {
	mu      sync.Mutex
	replies map[string]chan reply
	sent    map[string]transport.Request
	signal  chan struct{}
}

func newRemote() *remote {
	return &remote{
		replies: make(map[string]chan reply),
		sent:    make(map[string]transport.Request),
		signal:  make(chan struct{}, 1),
	}
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

// answer queues rep for id without blocking. Returns false if an answer is
// already queued.
func (r *remote) answer(id string, rep reply) bool {
	select {
	case r.reply(id) <- rep:
		return true
	default:
		return false
	}
}

func (r *remote) Send(ctx context.Context, req transport.Request) (transport.Response, error) {
	r.mu.Lock()
	r.sent[req.CorrelationID] = req
	r.mu.Unlock()
	select {
	case r.signal <- struct{}{}:
	default:
	}

	select {
	case rep := <-r.reply(req.CorrelationID):
		return rep.resp, rep.err
	case <-ctx.Done():
		return transport.Response{}, ctx.Err()
	}
}

// awaitRequest waits until the request of id has reached Send.
func (r *remote) awaitRequest(id string, within time.Duration) bool {
	deadline := time.NewTimer(within)
	defer deadline.Stop()
	for {
		r.mu.Lock()
		_, ok := r.sent[id]
		r.mu.Unlock()
		if ok {
			return true
		}
		select {
		case <-r.signal:
		case <-deadline.C:
			return false
		}
	}
}

// deliveries records delivery-hook calls so a step can wait for the response
// it scripted to reach the loop.
type deliveries struct {
	mu     sync.Mutex
	seen   map[string]int
	signal chan struct{}
}

func newDeliveries() *deliveries {
	return &deliveries{seen: make(map[string]int), signal: make(chan struct{}, 1)}
}

func (d *deliveries) hook(id string) {
	d.mu.Lock()
	d.seen[id]++
	d.mu.Unlock()
	select {
	case d.signal <- struct{}{}:
	default:
	}
}

// await consumes one delivery of id. It gives up when settled closes, since
// the pipeline does not deliver responses for settled instructions.
func (d *deliveries) await(id string, settled <-chan struct{}, within time.Duration) bool {
	deadline := time.NewTimer(within)
	defer deadline.Stop()
	for {
		d.mu.Lock()
		if d.seen[id] > 0 {
			d.seen[id]--
			d.mu.Unlock()
			return true
		}
		d.mu.Unlock()
		select {
		case <-d.signal:
		case <-settled:
			return true
		case <-deadline.C:
			return false
		}
	}
}
