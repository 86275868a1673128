package driver

import (
	"context"
	"sync"

	"github.com/vigild/vigil/pkg/types"
)

// Fake is an in-memory Driver for tests. Zero value is ready to use and
// succeeds at everything.
type Fake struct {
	mu sync.Mutex

	RestartErr error
	ComposeRes *ComposeResult
	ComposeErr error
	StatsRes   *types.ContainerStats
	StatsErr   error

	// Delay makes operations block, for exercising busy locks.
	Delay chan struct{}

	Restarted   []string
	ComposeRuns []types.ComposeSpec
	StatsCalls  []string
}

func (f *Fake) Restart(ctx context.Context, containerName string) error {
	f.mu.Lock()
	f.Restarted = append(f.Restarted, containerName)
	f.mu.Unlock()
	if f.Delay != nil {
		select {
		case <-f.Delay:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.RestartErr
}

func (f *Fake) Compose(ctx context.Context, spec types.ComposeSpec) (*ComposeResult, error) {
	f.mu.Lock()
	f.ComposeRuns = append(f.ComposeRuns, spec)
	f.mu.Unlock()
	if f.Delay != nil {
		select {
		case <-f.Delay:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.ComposeErr != nil {
		return nil, f.ComposeErr
	}
	if f.ComposeRes != nil {
		return f.ComposeRes, nil
	}
	return &ComposeResult{}, nil
}

func (f *Fake) Stats(ctx context.Context, containerName string) (*types.ContainerStats, error) {
	f.mu.Lock()
	f.StatsCalls = append(f.StatsCalls, containerName)
	f.mu.Unlock()
	if f.StatsErr != nil {
		return nil, f.StatsErr
	}
	if f.StatsRes != nil {
		st := *f.StatsRes
		return &st, nil
	}
	return &types.ContainerStats{}, nil
}

// RestartCount returns how many restarts were issued.
func (f *Fake) RestartCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Restarted)
}

// ComposeCount returns how many compose actions were issued.
func (f *Fake) ComposeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ComposeRuns)
}
