package status

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

type staticSource struct{ p crawler.Progress }

func (s staticSource) Progress() crawler.Progress { return s.p }

type panicSource struct{}

func (panicSource) Progress() crawler.Progress { panic("boom") }

func TestHealthz(t *testing.T) {
	t.Parallel()

	s := NewServer(":0", staticSource{}, nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
}

func TestRequestIDIsLogged(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	s := NewServer(":0", staticSource{}, zap.New(core))
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	entries := logs.FilterMessage("request completed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, rr.Header().Get("X-Request-ID"), entries[0].ContextMap()["request_id"])
	assert.Empty(t, RequestID(context.Background()))
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state crawler.State
		code  int
	}{
		{crawler.StateIdle, http.StatusServiceUnavailable},
		{crawler.StateSeeding, http.StatusServiceUnavailable},
		{crawler.StateRunning, http.StatusOK},
		{crawler.StateDraining, http.StatusOK},
		{crawler.StateTerminated, http.StatusServiceUnavailable},
	}
	for _, tc := range tests {
		t.Run(string(tc.state), func(t *testing.T) {
			t.Parallel()
			s := NewServer(":0", staticSource{p: crawler.Progress{State: tc.state}}, nil)
			rr := httptest.NewRecorder()
			s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			assert.Equal(t, tc.code, rr.Code)
			assert.Contains(t, rr.Body.String(), string(tc.state))
		})
	}
}

func TestProgress(t *testing.T) {
	t.Parallel()

	want := crawler.Progress{
		RunID:    "run-1",
		State:    crawler.StateRunning,
		Saved:    2,
		Target:   3,
		Visited:  4,
		Queued:   9,
		InFlight: 1,
	}
	s := NewServer(":0", staticSource{p: want}, nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/progress", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	var got crawler.Progress
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, want, got)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	s := NewServer(":0", staticSource{}, nil)
	s.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "http_requests_total")
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	s := NewServer(":0", panicSource{}, nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/progress", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestStartAndShutdown(t *testing.T) {
	t.Parallel()

	s := NewServer("127.0.0.1:0", staticSource{p: crawler.Progress{State: crawler.StateRunning}}, nil)
	addr, err := s.Start()
	require.NoError(t, err)

	resp, err := http.Get(fmt.Sprintf("http://%s/readyz", addr))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "ready"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
}
