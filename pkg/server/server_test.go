package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigild/vigil/pkg/auth"
	"github.com/vigild/vigil/pkg/broadcast"
	"github.com/vigild/vigil/pkg/config"
	"github.com/vigild/vigil/pkg/control"
	"github.com/vigild/vigil/pkg/driver"
	"github.com/vigild/vigil/pkg/reconciler"
	"github.com/vigild/vigil/pkg/registry"
	"github.com/vigild/vigil/pkg/types"
)

type fixture struct {
	srv  *Server
	reg  *registry.Registry
	bus  *broadcast.Broadcaster
	fake *driver.Fake
	http *httptest.Server
}

func newFixture(t *testing.T, authz *auth.Authorizer) *fixture {
	t.Helper()
	reg := registry.New([]types.Service{
		{ID: "api", Name: "API", Type: types.ServiceTypeAPI, HealthEndpoint: "http://localhost:8080/health", ContainerName: "vigil-api", Critical: true},
		{ID: "worker", Name: "Worker", Type: types.ServiceTypeWorker, HealthEndpoint: "http://localhost:8081/health"},
	})
	bus := broadcast.New()
	rec := reconciler.New(reg, bus, 2, reconciler.Thresholds{
		FailuresToUnhealthy: 3,
		SuccessesToRecover:  2,
		HighLatencyMs:       2000,
	})
	ctx, cancel := context.WithCancel(context.Background())
	go rec.Run(ctx)
	t.Cleanup(cancel)

	fake := &driver.Fake{}
	dispatcher := control.New(authz, fake, reg, rec, bus)
	srv := New(reg, dispatcher, bus, config.Env{}, "test")
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)
	return &fixture{srv: srv, reg: reg, bus: bus, fake: fake, http: ts}
}

func openAuth() *auth.Authorizer { return auth.New("", "", nil) }

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestSelfHealth(t *testing.T) {
	f := newFixture(t, openAuth())

	var body map[string]any
	resp := getJSON(t, f.http.URL+"/health", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "vigil", body["service"])
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
}

func TestAggregateEndpoint(t *testing.T) {
	f := newFixture(t, openAuth())

	var agg aggregateResponse
	resp := getJSON(t, f.http.URL+"/health/aggregate", &agg)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, agg.TotalServices)
	assert.Equal(t, 2, agg.Offline)
	assert.Equal(t, "unknown", agg.OverallStatus)
}

func TestListServices(t *testing.T) {
	f := newFixture(t, openAuth())

	var body struct {
		Services []registry.Entry `json:"services"`
	}
	resp := getJSON(t, f.http.URL+"/api/services", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body.Services, 2)
	assert.Equal(t, "api", body.Services[0].Service.ID)
}

func TestServiceDetail(t *testing.T) {
	f := newFixture(t, openAuth())

	var detail serviceDetail
	resp := getJSON(t, f.http.URL+"/api/services/api/health", &detail)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "api", detail.Service.ID)
	assert.Equal(t, types.StatusUnknown, detail.Status.Status)

	resp = getJSON(t, f.http.URL+"/api/services/nope/health", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRestartEndpoint(t *testing.T) {
	f := newFixture(t, openAuth())

	resp, err := http.Post(f.http.URL+"/api/services/api/restart", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		OK     bool                   `json:"ok"`
		Result control.RestartResult  `json:"result"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.OK)
	assert.Equal(t, "api", body.Result.ServiceID)
	assert.Equal(t, []string{"vigil-api"}, f.fake.Restarted)
}

func TestRestartUnauthorized(t *testing.T) {
	f := newFixture(t, auth.New("secret", "", nil))

	resp, err := http.Post(f.http.URL+"/api/services/api/restart", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var body errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "unauthorized", body.ErrorKind)
	assert.NotEmpty(t, body.RequestID)
	assert.Empty(t, f.fake.Restarted)
}

func TestRestartWithAPIKey(t *testing.T) {
	f := newFixture(t, auth.New("secret", "", nil))

	req, _ := http.NewRequest(http.MethodPost, f.http.URL+"/api/services/api/restart", nil)
	req.Header.Set("x-api-key", "secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestComposeEndpoint(t *testing.T) {
	f := newFixture(t, openAuth())
	f.fake.ComposeRes = &driver.ComposeResult{Stdout: "started"}

	body := strings.NewReader(`{"action":"up","services":["api"],"detach":true}`)
	resp, err := http.Post(f.http.URL+"/api/compose", "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		OK     bool                   `json:"ok"`
		Result control.ComposeOutcome `json:"result"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.True(t, out.OK)
	assert.True(t, out.Result.Success)
	assert.Equal(t, []string{"api"}, out.Result.Services)
	assert.Zero(t, out.Result.StatusCode)
	assert.Equal(t, "started", out.Result.Stdout)
}

func TestComposeInvalidAction(t *testing.T) {
	f := newFixture(t, openAuth())

	body := strings.NewReader(`{"action":"nuke"}`)
	resp, err := http.Post(f.http.URL+"/api/compose", "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSystemMetricsEndpoint(t *testing.T) {
	f := newFixture(t, openAuth())

	var m systemMetrics
	resp := getJSON(t, f.http.URL+"/api/metrics", &m)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, m.TotalServices)
	assert.Equal(t, 2, m.UnknownServices)
}

func TestPrometheusExposition(t *testing.T) {
	f := newFixture(t, openAuth())

	resp, err := http.Get(f.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	buf := make([]byte, 1<<20)
	n, _ := resp.Body.Read(buf)
	text := string(buf[:n])
	assert.Contains(t, text, "monitor_uptime_seconds_total")
}

func TestRequestIDPropagated(t *testing.T) {
	f := newFixture(t, openAuth())

	req, _ := http.NewRequest(http.MethodGet, f.http.URL+"/health", nil)
	req.Header.Set("X-Request-Id", "fixed-id")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "fixed-id", resp.Header.Get("X-Request-Id"))
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, openAuth())

	req, _ := http.NewRequest(http.MethodOptions, f.http.URL+"/api/services", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
}

func readWS(t *testing.T, conn *websocket.Conn, wantType string) wsMessage {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	conn.SetReadDeadline(deadline)
	for {
		var msg wsMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == wantType {
			return msg
		}
		require.True(t, time.Now().Before(deadline), "did not see %s message", wantType)
	}
}

func TestWebSocketSnapshotAndEvents(t *testing.T) {
	f := newFixture(t, openAuth())

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(f.http.URL), nil)
	require.NoError(t, err)
	defer conn.Close()

	snap := readWS(t, conn, "snapshot")
	require.NotNil(t, snap.Snapshot)

	f.bus.Publish(types.Event{Kind: types.EventServiceDown, ServiceID: "api", At: time.Now()})
	msg := readWS(t, conn, "event")
	require.NotNil(t, msg.Event)
	assert.Equal(t, types.EventServiceDown, msg.Event.Kind)
}

func TestWebSocketFilter(t *testing.T) {
	f := newFixture(t, openAuth())

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(f.http.URL), nil)
	require.NoError(t, err)
	defer conn.Close()
	readWS(t, conn, "snapshot")

	require.NoError(t, conn.WriteJSON(wsCommand{
		CommandType: "subscribe_events",
		Filter:      &broadcast.Filter{Kinds: []types.EventKind{types.EventServiceUp}},
	}))
	readWS(t, conn, "subscribed")

	f.bus.Publish(types.Event{Kind: types.EventServiceDown, ServiceID: "api", At: time.Now()})
	f.bus.Publish(types.Event{Kind: types.EventServiceUp, ServiceID: "api", At: time.Now()})

	msg := readWS(t, conn, "event")
	assert.Equal(t, types.EventServiceUp, msg.Event.Kind)
}

func TestWebSocketRestartCommand(t *testing.T) {
	f := newFixture(t, openAuth())

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(f.http.URL), nil)
	require.NoError(t, err)
	defer conn.Close()
	readWS(t, conn, "snapshot")

	require.NoError(t, conn.WriteJSON(wsCommand{CommandType: "restart_service", ServiceID: "api"}))
	msg := readWS(t, conn, "restart_result")
	require.NotNil(t, msg.Result)
	assert.Equal(t, 1, f.fake.RestartCount())
}

func TestWebSocketServiceDetails(t *testing.T) {
	f := newFixture(t, openAuth())

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(f.http.URL), nil)
	require.NoError(t, err)
	defer conn.Close()
	readWS(t, conn, "snapshot")

	require.NoError(t, conn.WriteJSON(wsCommand{CommandType: "get_service_details", ServiceID: "worker"}))
	msg := readWS(t, conn, "service_details")
	require.NotNil(t, msg.Result)
}

func TestWebSocketUnknownCommand(t *testing.T) {
	f := newFixture(t, openAuth())

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(f.http.URL), nil)
	require.NoError(t, err)
	defer conn.Close()
	readWS(t, conn, "snapshot")

	require.NoError(t, conn.WriteJSON(wsCommand{CommandType: "self_destruct"}))
	msg := readWS(t, conn, "error")
	require.NotNil(t, msg.Error)
	assert.Equal(t, "invalid", msg.Error.ErrorKind)
}
