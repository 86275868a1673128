package stats

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigild/vigil/pkg/broadcast"
	"github.com/vigild/vigil/pkg/driver"
	"github.com/vigild/vigil/pkg/registry"
	"github.com/vigild/vigil/pkg/types"
)

func testServices() []types.Service {
	return []types.Service{
		{ID: "api", Name: "API", HealthEndpoint: "http://localhost:8080/health", ContainerName: "vigil-api"},
		{ID: "ghost", Name: "Ghost", HealthEndpoint: "http://localhost:8082/health"},
	}
}

func TestCollectorSamplesContainers(t *testing.T) {
	services := testServices()
	reg := registry.New(services)
	bus := broadcast.New()
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	fake := &driver.Fake{StatsRes: &types.ContainerStats{CPUPercent: 42.0, MemoryMB: 128}}
	c := New(fake, reg, bus, services, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, types.EventStatsSample, ev.Kind)
		assert.Equal(t, "api", ev.ServiceID)
		require.NotNil(t, ev.Stats)
		assert.Equal(t, 42.0, ev.Stats.CPUPercent)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a stats sample event")
	}

	st, err := reg.Stats("api")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, 42.0, st.CPUPercent)

	// Services without a container are never sampled.
	cancel()
	time.Sleep(50 * time.Millisecond)
	for _, name := range fake.StatsCalls {
		assert.Equal(t, "vigil-api", name)
	}
}

func TestCollectorSkipsFailedSamples(t *testing.T) {
	services := testServices()
	reg := registry.New(services)
	bus := broadcast.New()
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	fake := &driver.Fake{StatsErr: errors.New("container not running")}
	c := New(fake, reg, bus, services, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	c.Run(ctx)

	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event %s", ev.Kind)
	default:
	}
	st, err := reg.Stats("api")
	require.NoError(t, err)
	assert.Nil(t, st)
}
