package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigild/vigil/pkg/types"
)

func testService(endpoint string) types.Service {
	return types.Service{ID: "api", Name: "API", Type: types.ServiceTypeAPI, HealthEndpoint: endpoint}
}

func TestProbeSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := New(2*time.Second, 0, false)
	out := p.Probe(context.Background(), testService(srv.URL))

	assert.Equal(t, types.OutcomeSuccess, out.Kind)
	assert.Equal(t, http.StatusOK, out.StatusCode)
	assert.True(t, out.Success())
	assert.GreaterOrEqual(t, out.LatencyMs, int64(0))
}

func TestProbeBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := New(2*time.Second, 3, false)
	out := p.Probe(context.Background(), testService(srv.URL))

	assert.Equal(t, types.OutcomeBadStatus, out.Kind)
	assert.Equal(t, http.StatusServiceUnavailable, out.StatusCode)
}

func TestProbeBadStatusNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := New(2*time.Second, 3, false)
	p.Probe(context.Background(), testService(srv.URL))

	assert.EqualValues(t, 1, hits.Load())
}

func TestProbeConnectErrorRetried(t *testing.T) {
	// Closed server: every attempt fails to connect.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	p := New(time.Second, 2, false)
	start := time.Now()
	out := p.Probe(context.Background(), testService(url))

	assert.Equal(t, types.OutcomeConnectError, out.Kind)
	assert.NotEmpty(t, out.Error)
	// Two retries with 250ms and 500ms backoff.
	assert.GreaterOrEqual(t, time.Since(start), 750*time.Millisecond)
}

func TestProbeTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	p := New(50*time.Millisecond, 0, false)
	out := p.Probe(context.Background(), testService(srv.URL))

	assert.Equal(t, types.OutcomeTimedOut, out.Kind)
}

func TestProbeCancelledDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	p := New(time.Second, 5, false)
	out := p.Probe(ctx, testService(url))

	assert.Equal(t, types.OutcomeTimedOut, out.Kind)
}

func TestProbeDetailedBody(t *testing.T) {
	tests := []struct {
		name string
		body string
		want types.OutcomeKind
	}{
		{"ok status", `{"status":"ok"}`, types.OutcomeSuccess},
		{"healthy status", `{"status":"healthy"}`, types.OutcomeSuccess},
		{"degraded status", `{"status":"degraded"}`, types.OutcomeBodyMismatch},
		{"no status field", `{"uptime":123}`, types.OutcomeSuccess},
		{"not json", `all good`, types.OutcomeSuccess},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			p := New(2*time.Second, 0, true)
			out := p.Probe(context.Background(), testService(srv.URL))
			assert.Equal(t, tt.want, out.Kind)
		})
	}
}

func TestProbeSetsUserAgent(t *testing.T) {
	var ua string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	p := New(2*time.Second, 0, false)
	out := p.Probe(context.Background(), testService(srv.URL))

	require.Equal(t, types.OutcomeSuccess, out.Kind)
	assert.Equal(t, "vigil-monitor/1.0", ua)
}
