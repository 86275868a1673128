package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigild/vigil/pkg/broadcast"
	"github.com/vigild/vigil/pkg/registry"
	"github.com/vigild/vigil/pkg/types"
)

func testSetup(t *testing.T) (*registry.Registry, *broadcast.Broadcaster, *Reconciler, *broadcast.Subscription) {
	t.Helper()
	reg := registry.New([]types.Service{
		{ID: "api", Name: "API", Type: types.ServiceTypeAPI, HealthEndpoint: "http://localhost:8080/health", ExpectedResponseTimeMs: 200},
	})
	bus := broadcast.New()
	rec := New(reg, bus, 1, Thresholds{
		FailuresToUnhealthy: 3,
		SuccessesToRecover:  2,
		HighLatencyMs:       2000,
	})
	sub := bus.Subscribe()
	t.Cleanup(func() { bus.Unsubscribe(sub) })
	return reg, bus, rec, sub
}

func success(latencyMs int64) types.ProbeOutcome {
	return types.ProbeOutcome{
		ServiceID: "api",
		StartedAt: time.Now(),
		Kind:      types.OutcomeSuccess,
		LatencyMs: latencyMs,
		Latency:   time.Duration(latencyMs) * time.Millisecond,
	}
}

func failure(kind types.OutcomeKind) types.ProbeOutcome {
	return types.ProbeOutcome{
		ServiceID: "api",
		StartedAt: time.Now(),
		Kind:      kind,
		Error:     "connection refused",
	}
}

func drain(sub *broadcast.Subscription) []types.Event {
	var out []types.Event
	for {
		select {
		case ev := <-sub.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func kinds(events []types.Event) []types.EventKind {
	out := make([]types.EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func TestFirstSuccessBecomesHealthy(t *testing.T) {
	reg, _, rec, sub := testSetup(t)

	rec.applyOutcome(success(50))

	entry, err := reg.Get("api")
	require.NoError(t, err)
	assert.Equal(t, types.StatusHealthy, entry.Status.Status)
	assert.Equal(t, []types.EventKind{types.EventProbeCompleted, types.EventStatusChanged}, kinds(drain(sub)))
}

func TestConsecutiveFailuresBecomeUnhealthy(t *testing.T) {
	reg, _, rec, sub := testSetup(t)
	rec.applyOutcome(success(50))
	drain(sub)

	rec.applyOutcome(failure(types.OutcomeConnectError))
	rec.applyOutcome(failure(types.OutcomeConnectError))

	entry, _ := reg.Get("api")
	assert.Equal(t, types.StatusDegraded, entry.Status.Status)

	rec.applyOutcome(failure(types.OutcomeConnectError))

	entry, _ = reg.Get("api")
	assert.Equal(t, types.StatusUnhealthy, entry.Status.Status)
	assert.Equal(t, 3, entry.Status.ConsecutiveFailures)
	assert.Equal(t, "connection refused", entry.Status.LastError)

	events := drain(sub)
	var sawDown bool
	for _, ev := range events {
		if ev.Kind == types.EventServiceDown {
			sawDown = true
			assert.Equal(t, 3, ev.ConsecutiveFailures)
		}
	}
	assert.True(t, sawDown, "expected a service down event")
}

func TestRecoveryNeedsConsecutiveSuccesses(t *testing.T) {
	reg, _, rec, sub := testSetup(t)
	for i := 0; i < 3; i++ {
		rec.applyOutcome(failure(types.OutcomeTimedOut))
	}
	drain(sub)

	rec.applyOutcome(success(50))
	entry, _ := reg.Get("api")
	assert.Equal(t, types.StatusUnhealthy, entry.Status.Status, "one success must not recover")

	rec.applyOutcome(success(50))
	entry, _ = reg.Get("api")
	assert.Equal(t, types.StatusHealthy, entry.Status.Status)
	assert.Empty(t, entry.Status.LastError)

	events := drain(sub)
	var sawUp bool
	for _, ev := range events {
		if ev.Kind == types.EventServiceUp {
			sawUp = true
			assert.GreaterOrEqual(t, ev.DownDurationMs, int64(0))
		}
	}
	assert.True(t, sawUp, "expected a service up event")
}

func TestSlowSuccessDegrades(t *testing.T) {
	reg, _, rec, sub := testSetup(t)
	rec.applyOutcome(success(50))
	drain(sub)

	// Above the service's 200ms expectation.
	rec.applyOutcome(success(500))

	entry, _ := reg.Get("api")
	assert.Equal(t, types.StatusDegraded, entry.Status.Status)

	events := drain(sub)
	var sawHighLatency bool
	for _, ev := range events {
		if ev.Kind == types.EventHighLatency {
			sawHighLatency = true
			assert.EqualValues(t, 500, ev.LatencyMs)
			assert.EqualValues(t, 200, ev.ThresholdMs)
		}
	}
	assert.True(t, sawHighLatency)
}

func TestHighLatencyDeduplicated(t *testing.T) {
	_, _, rec, sub := testSetup(t)
	rec.applyOutcome(success(500))
	rec.applyOutcome(success(600))
	rec.applyOutcome(success(700))

	var count int
	for _, ev := range drain(sub) {
		if ev.Kind == types.EventHighLatency {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestDegradedRecoversAfterFastSuccesses(t *testing.T) {
	reg, _, rec, _ := testSetup(t)
	rec.applyOutcome(success(50))
	rec.applyOutcome(success(500))

	entry, _ := reg.Get("api")
	require.Equal(t, types.StatusDegraded, entry.Status.Status)

	rec.applyOutcome(success(40))
	rec.applyOutcome(success(45))
	entry, _ = reg.Get("api")
	assert.Equal(t, types.StatusDegraded, entry.Status.Status, "slow probe still inside recovery window")

	rec.applyOutcome(success(50))
	entry, _ = reg.Get("api")
	assert.Equal(t, types.StatusHealthy, entry.Status.Status)
}

func TestRestartHintBookkeeping(t *testing.T) {
	reg, _, rec, _ := testSetup(t)
	rec.applyOutcome(failure(types.OutcomeConnectError))
	rec.applyOutcome(failure(types.OutcomeConnectError))

	at := time.Now()
	rec.applyRestart(RestartHint{ServiceID: "api", At: at, Success: true})

	entry, _ := reg.Get("api")
	assert.Equal(t, 1, entry.Status.RestartCount)
	assert.Equal(t, 0, entry.Status.ConsecutiveFailures)
	assert.WithinDuration(t, at, entry.Status.LastRestartAt, time.Second)
}

func TestFailedRestartKeepsFailureStreak(t *testing.T) {
	reg, _, rec, _ := testSetup(t)
	rec.applyOutcome(failure(types.OutcomeConnectError))

	rec.applyRestart(RestartHint{ServiceID: "api", At: time.Now(), Success: false})

	entry, _ := reg.Get("api")
	assert.Equal(t, 1, entry.Status.RestartCount)
	assert.Equal(t, 1, entry.Status.ConsecutiveFailures)
}

func TestOfferDropsWhenFull(t *testing.T) {
	reg := registry.New([]types.Service{{ID: "api", HealthEndpoint: "http://localhost/health"}})
	rec := New(reg, broadcast.New(), 1, Thresholds{FailuresToUnhealthy: 3, SuccessesToRecover: 2, HighLatencyMs: 2000})

	out := success(10)
	for i := 0; i < ingestFanout; i++ {
		require.True(t, rec.Offer(Ingest{Outcome: &out}))
	}
	assert.False(t, rec.Offer(Ingest{Outcome: &out}))
}

func TestRunConsumesIngest(t *testing.T) {
	reg, _, rec, _ := testSetup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rec.Run(ctx)

	out := success(50)
	require.True(t, rec.Offer(Ingest{Outcome: &out}))

	require.Eventually(t, func() bool {
		entry, err := reg.Get("api")
		return err == nil && entry.Status.Status == types.StatusHealthy
	}, 2*time.Second, 10*time.Millisecond)
}
