package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPTransport_SendsCorrelationHeader(t *testing.T) {
	var gotHeader, gotMethod, gotPath, gotType string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get(CorrelationHeader)
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotType = r.Header.Get("Content-Type")
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL + "/api/")
	resp, err := tr.Send(context.Background(), Request{
		Method:        http.MethodPatch,
		Path:          "/views/A/order",
		Body:          map[string]any{"order": []string{"t2", "t1"}},
		CorrelationID: "corr-123",
	})
	require.NoError(t, err)

	assert.Equal(t, "corr-123", gotHeader)
	assert.Equal(t, http.MethodPatch, gotMethod)
	assert.Equal(t, "/api/views/A/order", gotPath)
	assert.Equal(t, "application/json", gotType)
	assert.Equal(t, []any{"t2", "t1"}, gotBody["order"])

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Body))
	assert.True(t, resp.OK())
}

func TestHTTPTransport_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"stale order"}`))
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL)
	resp, err := tr.Send(context.Background(), Request{Path: "/x"})
	require.Error(t, err)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusConflict, se.StatusCode)
	assert.Contains(t, se.Error(), "stale order")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.False(t, resp.OK())
}

func TestHTTPTransport_ContextCancelled(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewHTTPTransport(srv.URL).Send(ctx, Request{Path: "/slow"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFunc_Adapter(t *testing.T) {
	var seen Request
	tr := Func(func(_ context.Context, req Request) (Response, error) {
		seen = req
		return Response{Body: json.RawMessage(`{}`)}, nil
	})

	resp, err := tr.Send(context.Background(), Request{Path: "/p", CorrelationID: "c"})
	require.NoError(t, err)
	assert.True(t, resp.OK())
	assert.Equal(t, "c", seen.CorrelationID)
}
