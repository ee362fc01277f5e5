package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthEndpoint(t *testing.T) {
	handler := NewHealthHandler("supabase")

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var response map[string]string
	err := json.Unmarshal(w.Body.Bytes(), &response)
	require.NoError(t, err)

	assert.Equal(t, "ok", response["status"])
	assert.Equal(t, "supabase", response["provider"])
}

func TestMetricsEndpoint(t *testing.T) {
	m := NewMetrics()
	m.observeRequest(endpointFetch, outcomeSuccess)
	m.observeRequest(endpointFetch, outcomeSuccess)
	m.observeRequest(endpointIssue, outcomeRejected)
	m.observeCoalesced()

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `sso_relay_requests_total{endpoint="fetch",outcome="success"} 2`)
	assert.Contains(t, body, `sso_relay_requests_total{endpoint="issue",outcome="rejected"} 1`)
	assert.Contains(t, body, "sso_relay_refresh_coalesced_total 1")
	assert.Contains(t, body, "go_goroutines")
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.observeRequest(endpointClear, outcomeSuccess)
		m.observeProvider("refresh", time.Now())
		m.observeCoalesced()
	})
}

func TestHTTPServerLifecycle(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewHTTPServer(NewHealthHandler(""), l.Addr().String())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(l) }()

	resp, err := http.Get("http://" + l.Addr().String() + "/health")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
	assert.NoError(t, <-errCh)
}
