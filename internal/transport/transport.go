// Package transport is the request/response boundary of the pipeline.
//
// The executor hands a Request to an injected Transport. The transport is
// responsible for attaching the correlation id to the outgoing call so the
// remote service can echo it in any push notification it emits.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
)

// CorrelationHeader is the HTTP header carrying the correlation id.
const CorrelationHeader = "X-Correlation-ID"

// Request describes one remote call built by a registry entry.
type Request struct {
	Method string
	Path   string

	// Body is JSON-encoded by transports that need a wire form.
	Body any

	// Header holds extra headers; transports add CorrelationHeader themselves.
	Header map[string]string

	// CorrelationID is set by the executor before Send.
	CorrelationID string
}

// Response is a completed remote call.
type Response struct {
	StatusCode int
	Body       json.RawMessage
}

// OK reports whether the status is 2xx. A zero status counts as success for
// transports that do not speak HTTP.
func (r Response) OK() bool {
	return r.StatusCode == 0 || (r.StatusCode >= 200 && r.StatusCode < 300)
}

// Transport sends requests to the remote service.
//
// Send must honour ctx cancellation: the pipeline cancels the context of an
// instruction that was discarded or timed out.
type Transport interface {
	Send(ctx context.Context, req Request) (Response, error)
}

// Func adapts a function to the Transport interface.
type Func func(ctx context.Context, req Request) (Response, error)

// Send calls f.
func (f Func) Send(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// StatusError is returned for a response with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       json.RawMessage
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if len(e.Body) > 0 {
		return fmt.Sprintf("remote returned status %d: %s", e.StatusCode, truncate(e.Body, 256))
	}
	return fmt.Sprintf("remote returned status %d", e.StatusCode)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
