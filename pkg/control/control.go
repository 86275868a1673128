package control

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vigild/vigil/pkg/auth"
	"github.com/vigild/vigil/pkg/broadcast"
	"github.com/vigild/vigil/pkg/driver"
	"github.com/vigild/vigil/pkg/log"
	"github.com/vigild/vigil/pkg/metrics"
	"github.com/vigild/vigil/pkg/reconciler"
	"github.com/vigild/vigil/pkg/registry"
	"github.com/vigild/vigil/pkg/types"
)

// outputTailBytes bounds how much compose output is kept and returned.
const outputTailBytes = 64 * 1024

// composeActions is the set of permitted compose verbs.
var composeActions = map[string]bool{
	"build":   true,
	"pull":    true,
	"up":      true,
	"start":   true,
	"stop":    true,
	"restart": true,
	"push":    true,
	"ps":      true,
	"logs":    true,
}

// RestartResult reports a completed restart.
type RestartResult struct {
	ActionID   string `json:"actionId"`
	ServiceID  string `json:"serviceId"`
	DurationMs int64  `json:"durationMs"`
}

// ComposeOutcome reports a completed compose action. StatusCode carries
// the docker compose exit code.
type ComposeOutcome struct {
	ActionID   string   `json:"actionId"`
	Action     string   `json:"action"`
	Services   []string `json:"services"`
	Success    bool     `json:"success"`
	StatusCode int      `json:"statusCode"`
	Stdout     string   `json:"stdout,omitempty"`
	Stderr     string   `json:"stderr,omitempty"`
	DurationMs int64    `json:"durationMs"`
}

// Dispatcher serializes and executes lifecycle commands.
type Dispatcher struct {
	authz  *auth.Authorizer
	drv    driver.Driver
	reg    *registry.Registry
	rec    *reconciler.Reconciler
	bus    *broadcast.Broadcaster
	tracer trace.Tracer

	mu          sync.Mutex
	busy        map[string]bool
	composeBusy bool
}

// New builds a dispatcher.
func New(authz *auth.Authorizer, drv driver.Driver, reg *registry.Registry, rec *reconciler.Reconciler, bus *broadcast.Broadcaster) *Dispatcher {
	return &Dispatcher{
		authz:  authz,
		drv:    drv,
		reg:    reg,
		rec:    rec,
		bus:    bus,
		tracer: otel.Tracer("vigil/control"),
		busy:   make(map[string]bool),
	}
}

// Restart restarts the container backing one service. Concurrent restarts
// of the same service are rejected with ErrBusy.
func (d *Dispatcher) Restart(ctx context.Context, cmd types.Command) (*RestartResult, error) {
	ctx, span := d.tracer.Start(ctx, "restart_service",
		trace.WithAttributes(attribute.String("service.id", cmd.ServiceID)))
	defer span.End()

	if _, err := d.authz.Authorize(cmd.Credentials); err != nil {
		metrics.RestartUnauthorizedTotal.Inc()
		span.SetStatus(codes.Error, "unauthorized")
		return nil, err
	}

	entry, err := d.reg.Get(cmd.ServiceID)
	if err != nil {
		return nil, err
	}
	if entry.Service.ContainerName == "" {
		return nil, fmt.Errorf("%w: service %q has no container", types.ErrInvalid, cmd.ServiceID)
	}

	if !d.tryLockService(cmd.ServiceID) {
		span.SetStatus(codes.Error, "busy")
		return nil, fmt.Errorf("%w: restart of %q", types.ErrBusy, cmd.ServiceID)
	}
	defer d.unlockService(cmd.ServiceID)

	actionID := uuid.New().String()
	started := time.Now()
	d.bus.Publish(types.Event{
		Kind:      types.EventActionStarted,
		ServiceID: cmd.ServiceID,
		At:        started,
		ActionID:  actionID,
		Action:    "restart",
		RequestID: cmd.RequestID,
	})

	restartErr := d.drv.Restart(ctx, entry.Service.ContainerName)
	elapsed := time.Since(started)
	success := restartErr == nil

	metrics.RecordRestart(entry.Service, success, elapsed.Seconds())
	d.rec.Offer(reconciler.Ingest{Restart: &reconciler.RestartHint{
		ServiceID: cmd.ServiceID,
		At:        started,
		Success:   success,
	}})

	d.bus.Publish(types.Event{
		Kind:      types.EventActionCompleted,
		ServiceID: cmd.ServiceID,
		At:        time.Now(),
		ActionID:  actionID,
		Action:    "restart",
		Success:   success,
		RequestID: cmd.RequestID,
	})

	if restartErr != nil {
		log.WithServiceID(cmd.ServiceID).Error().Err(restartErr).Msg("restart failed")
		span.SetStatus(codes.Error, restartErr.Error())
		return nil, restartErr
	}
	log.WithServiceID(cmd.ServiceID).Info().
		Str("action_id", actionID).
		Dur("duration", elapsed).
		Msg("service restarted")
	return &RestartResult{
		ActionID:   actionID,
		ServiceID:  cmd.ServiceID,
		DurationMs: elapsed.Milliseconds(),
	}, nil
}

// Compose runs a docker compose action. Only one compose action may run
// at a time across the whole fleet.
func (d *Dispatcher) Compose(ctx context.Context, cmd types.Command) (*ComposeOutcome, error) {
	spec := cmd.Compose
	if spec == nil {
		return nil, fmt.Errorf("%w: missing compose spec", types.ErrInvalid)
	}

	ctx, span := d.tracer.Start(ctx, "compose_action",
		trace.WithAttributes(attribute.String("compose.action", spec.Action)))
	defer span.End()

	if _, err := d.authz.Authorize(cmd.Credentials); err != nil {
		metrics.ComposeUnauthorizedTotal.Inc()
		span.SetStatus(codes.Error, "unauthorized")
		return nil, err
	}

	if !composeActions[spec.Action] {
		return nil, fmt.Errorf("%w: unknown compose action %q", types.ErrInvalid, spec.Action)
	}
	for _, target := range spec.Services {
		if _, err := d.reg.Get(target); err != nil {
			return nil, fmt.Errorf("%w: unknown service %q", types.ErrInvalid, target)
		}
	}

	// Dry runs stop after validation; nothing is invoked and no lock is
	// taken.
	if spec.DryRun {
		return &ComposeOutcome{
			ActionID: uuid.New().String(),
			Action:   spec.Action,
			Services: spec.Services,
			Success:  true,
			Stdout:   "dry run: validated, not executed",
		}, nil
	}

	if !d.tryLockCompose() {
		span.SetStatus(codes.Error, "busy")
		return nil, fmt.Errorf("%w: compose action", types.ErrBusy)
	}
	defer d.unlockCompose()

	actionID := uuid.New().String()
	started := time.Now()
	d.bus.Publish(types.Event{
		Kind:      types.EventActionStarted,
		At:        started,
		ActionID:  actionID,
		Action:    spec.Action,
		Targets:   spec.Services,
		RequestID: cmd.RequestID,
	})

	res, err := d.drv.Compose(ctx, *spec)
	elapsed := time.Since(started)
	success := err == nil && res.ExitCode == 0

	metrics.RecordComposeAction(spec.Action, success, elapsed.Seconds())
	completed := types.Event{
		Kind:      types.EventActionCompleted,
		At:        time.Now(),
		ActionID:  actionID,
		Action:    spec.Action,
		Targets:   spec.Services,
		Success:   success,
		RequestID: cmd.RequestID,
	}
	if res != nil {
		completed.ExitCode = res.ExitCode
	}
	d.bus.Publish(completed)

	if err != nil {
		log.WithComponent("control").Error().Err(err).Str("action", spec.Action).Msg("compose action failed to run")
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	log.WithComponent("control").Info().
		Str("action", spec.Action).
		Str("action_id", actionID).
		Int("exit_code", res.ExitCode).
		Dur("duration", elapsed).
		Msg("compose action finished")
	return &ComposeOutcome{
		ActionID:   actionID,
		Action:     spec.Action,
		Services:   spec.Services,
		Success:    success,
		StatusCode: res.ExitCode,
		Stdout:     tail(res.Stdout),
		Stderr:     tail(res.Stderr),
		DurationMs: elapsed.Milliseconds(),
	}, nil
}

func (d *Dispatcher) tryLockService(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.busy[id] {
		return false
	}
	d.busy[id] = true
	return true
}

func (d *Dispatcher) unlockService(id string) {
	d.mu.Lock()
	delete(d.busy, id)
	d.mu.Unlock()
}

func (d *Dispatcher) tryLockCompose() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.composeBusy {
		return false
	}
	d.composeBusy = true
	return true
}

func (d *Dispatcher) unlockCompose() {
	d.mu.Lock()
	d.composeBusy = false
	d.mu.Unlock()
}

// tail keeps the last outputTailBytes of command output.
func tail(s string) string {
	if len(s) <= outputTailBytes {
		return s
	}
	return s[len(s)-outputTailBytes:]
}
