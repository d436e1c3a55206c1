package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 4 << 20

// HTTPTransport sends requests as JSON over HTTP.
type HTTPTransport struct {
	// BaseURL is prefixed to every Request.Path, e.g. "http://127.0.0.1:3030/api".
	BaseURL string

	// Client defaults to a client with a 30s timeout.
	Client *http.Client

	// Header is added to every request.
	Header http.Header
}

// NewHTTPTransport creates an HTTPTransport for baseURL.
func NewHTTPTransport(baseURL string) *HTTPTransport {
	return &HTTPTransport{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Send implements Transport.
//
// Non-2xx responses are returned together with a *StatusError so callers can
// inspect the body.
func (t *HTTPTransport) Send(ctx context.Context, req Request) (Response, error) {
	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return Response{}, fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, t.BaseURL+req.Path, body)
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range t.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	for k, v := range req.Header {
		httpReq.Header.Set(k, v)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.CorrelationID != "" {
		httpReq.Header.Set(CorrelationHeader, req.CorrelationID)
	}

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	httpResp, err := client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("%s %s: %w", method, req.Path, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return Response{}, fmt.Errorf("read response body: %w", err)
	}

	resp := Response{StatusCode: httpResp.StatusCode}
	if len(bytes.TrimSpace(data)) > 0 {
		resp.Body = json.RawMessage(data)
	}
	if !resp.OK() {
		return resp, &StatusError{StatusCode: resp.StatusCode, Body: resp.Body}
	}
	return resp, nil
}
