package reconciler

import (
	"context"
	"time"

	"github.com/vigild/vigil/pkg/broadcast"
	"github.com/vigild/vigil/pkg/log"
	"github.com/vigild/vigil/pkg/metrics"
	"github.com/vigild/vigil/pkg/registry"
	"github.com/vigild/vigil/pkg/state"
	"github.com/vigild/vigil/pkg/types"
)

const (
	// ingestFanout sizes the ingest channel per service.
	ingestFanout = 8

	// degradedErrorRate is the ring error-rate fraction above which a
	// service with passing probes is still considered degraded.
	degradedErrorRate = 0.10

	// recoverySamples is how many consecutive fast successes clear a
	// degraded status.
	recoverySamples = 3

	// highLatencyDedup suppresses repeated high latency events for the
	// same service.
	highLatencyDedup = 60 * time.Second
)

// RestartHint tells the reconciler a restart was issued so it can apply
// the bookkeeping under its own write lock.
type RestartHint struct {
	ServiceID string
	At        time.Time
	Success   bool
}

// Ingest is the union of messages the reconciler consumes. Exactly one
// field is set.
type Ingest struct {
	Outcome *types.ProbeOutcome
	Restart *RestartHint
}

// Thresholds are the status transition knobs, taken from alert config.
type Thresholds struct {
	FailuresToUnhealthy int
	SuccessesToRecover  int
	HighLatencyMs       int64
}

// Reconciler folds probe outcomes into service status and emits events.
type Reconciler struct {
	writer     *registry.Writer
	reg        *registry.Registry
	bus        *broadcast.Broadcaster
	thresholds Thresholds

	in chan Ingest

	// store may be nil; restart bookkeeping is then memory-only.
	store *state.Store

	// downSince and lastHighLatency are touched only by the Run
	// goroutine.
	downSince       map[string]time.Time
	lastHighLatency map[string]time.Time
}

// New builds a reconciler over the registry's writer handle.
func New(reg *registry.Registry, bus *broadcast.Broadcaster, numServices int, th Thresholds) *Reconciler {
	size := numServices * ingestFanout
	if size < ingestFanout {
		size = ingestFanout
	}
	return &Reconciler{
		writer:          reg.Writer(),
		reg:             reg,
		bus:             bus,
		thresholds:      th,
		in:              make(chan Ingest, size),
		downSince:       make(map[string]time.Time),
		lastHighLatency: make(map[string]time.Time),
	}
}

// Offer enqueues a message without blocking. When the channel is full the
// message is dropped and counted; the next probe supersedes it anyway.
func (r *Reconciler) Offer(msg Ingest) bool {
	select {
	case r.in <- msg:
		return true
	default:
		metrics.ReconcilerOverflowTotal.Inc()
		log.WithComponent("reconciler").Warn().Msg("ingest channel full, dropping message")
		return false
	}
}

// Run consumes the ingest channel until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	logger := log.WithComponent("reconciler")
	logger.Info().Msg("reconciler started")
	for {
		select {
		case msg := <-r.in:
			switch {
			case msg.Outcome != nil:
				r.applyOutcome(*msg.Outcome)
			case msg.Restart != nil:
				r.applyRestart(*msg.Restart)
			}
		case <-ctx.Done():
			logger.Info().Msg("reconciler stopped")
			return
		}
	}
}

func (r *Reconciler) applyOutcome(out types.ProbeOutcome) {
	now := time.Now()
	var (
		svc        types.Service
		prev, next types.Status
		st         types.ServiceStatus
	)

	err := r.writer.Apply(out.ServiceID, func(s types.Service, status *types.ServiceStatus, ring *registry.Ring) {
		svc = s
		prev = status.Status

		ring.Push(out)
		status.LastProbeAt = now
		status.LastLatencyMs = out.LatencyMs
		if out.Success() {
			status.ConsecutiveSuccesses++
			status.ConsecutiveFailures = 0
			status.LastError = ""
		} else {
			status.ConsecutiveFailures++
			status.ConsecutiveSuccesses = 0
			status.LastError = out.Error
		}

		next = r.transition(s, prev, *status, out, ring)
		status.Status = next
		st = *status

		metrics.UpdateErrorRate(s, ring.FailuresPerMinute(now))
	})
	if err != nil {
		log.WithComponent("reconciler").Error().Err(err).Str("service_id", out.ServiceID).Msg("outcome for unknown service")
		return
	}

	metrics.RecordHealthCheck(svc, next)
	metrics.RecordResponseTime(svc, out.Latency.Seconds())
	metrics.UpdateServiceHealth(svc, next)

	r.emit(types.Event{
		Kind:      types.EventProbeCompleted,
		ServiceID: svc.ID,
		At:        now,
		Outcome:   out.Kind,
		LatencyMs: out.LatencyMs,
	})

	if next != prev {
		log.WithServiceID(svc.ID).Info().
			Str("from", prev.String()).
			Str("to", next.String()).
			Msg("status changed")
		r.emit(types.Event{
			Kind:      types.EventStatusChanged,
			ServiceID: svc.ID,
			At:        now,
			From:      prev,
			To:        next,
		})
	}

	r.trackDowntime(svc, prev, next, st, now)
	r.trackHighLatency(svc, out, now)
}

// transition computes the next status. Rules are checked in order; the
// first match wins.
func (r *Reconciler) transition(svc types.Service, prev types.Status, st types.ServiceStatus, out types.ProbeOutcome, ring *registry.Ring) types.Status {
	threshold := r.latencyThreshold(svc)

	if st.ConsecutiveFailures >= r.thresholds.FailuresToUnhealthy {
		return types.StatusUnhealthy
	}
	if prev == types.StatusUnhealthy {
		if st.ConsecutiveSuccesses >= r.thresholds.SuccessesToRecover {
			return types.StatusHealthy
		}
		return types.StatusUnhealthy
	}
	if out.Success() {
		slow := out.LatencyMs > threshold
		noisy := ring.ErrorRate() > degradedErrorRate
		switch prev {
		case types.StatusDegraded:
			if r.recovered(ring, threshold) {
				return types.StatusHealthy
			}
			return types.StatusDegraded
		default: // healthy or unknown
			if slow || noisy {
				return types.StatusDegraded
			}
			return types.StatusHealthy
		}
	}
	// A failure below the unhealthy threshold degrades a known-good
	// service but leaves unknown untouched.
	if prev == types.StatusUnknown {
		return types.StatusUnknown
	}
	return types.StatusDegraded
}

// recovered reports whether the last few probes were all fast successes.
func (r *Reconciler) recovered(ring *registry.Ring, thresholdMs int64) bool {
	if ring.Len() < recoverySamples {
		return false
	}
	for i := 0; i < recoverySamples; i++ {
		o, _ := ring.Last(i)
		if !o.Success() || o.LatencyMs > thresholdMs {
			return false
		}
	}
	return true
}

func (r *Reconciler) latencyThreshold(svc types.Service) int64 {
	if svc.ExpectedResponseTimeMs > 0 {
		return svc.ExpectedResponseTimeMs
	}
	return r.thresholds.HighLatencyMs
}

func (r *Reconciler) trackDowntime(svc types.Service, prev, next types.Status, st types.ServiceStatus, now time.Time) {
	if next == types.StatusUnhealthy && prev != types.StatusUnhealthy {
		r.downSince[svc.ID] = now
		r.emit(types.Event{
			Kind:                types.EventServiceDown,
			ServiceID:           svc.ID,
			At:                  now,
			ConsecutiveFailures: st.ConsecutiveFailures,
		})
		return
	}
	if prev == types.StatusUnhealthy && next == types.StatusHealthy {
		var downMs int64
		if since, ok := r.downSince[svc.ID]; ok {
			downMs = now.Sub(since).Milliseconds()
			delete(r.downSince, svc.ID)
		}
		r.emit(types.Event{
			Kind:           types.EventServiceUp,
			ServiceID:      svc.ID,
			At:             now,
			DownDurationMs: downMs,
		})
	}
}

func (r *Reconciler) trackHighLatency(svc types.Service, out types.ProbeOutcome, now time.Time) {
	threshold := r.latencyThreshold(svc)
	if !out.Success() || out.LatencyMs <= threshold {
		return
	}
	if last, ok := r.lastHighLatency[svc.ID]; ok && now.Sub(last) < highLatencyDedup {
		return
	}
	r.lastHighLatency[svc.ID] = now
	r.emit(types.Event{
		Kind:        types.EventHighLatency,
		ServiceID:   svc.ID,
		At:          now,
		LatencyMs:   out.LatencyMs,
		ThresholdMs: threshold,
	})
}

// SetStore enables durable restart bookkeeping. Call before Run.
func (r *Reconciler) SetStore(store *state.Store) { r.store = store }

func (r *Reconciler) applyRestart(hint RestartHint) {
	var persisted state.ServiceState
	err := r.writer.Apply(hint.ServiceID, func(_ types.Service, status *types.ServiceStatus, _ *registry.Ring) {
		status.RestartCount++
		status.LastRestartAt = hint.At
		if hint.Success {
			// Grace reset: a fresh container should not inherit the
			// failure streak that triggered the restart.
			status.ConsecutiveFailures = 0
		}
		persisted = state.ServiceState{RestartCount: status.RestartCount, LastRestartAt: status.LastRestartAt}
	})
	if err != nil {
		log.WithComponent("reconciler").Error().Err(err).Str("service_id", hint.ServiceID).Msg("restart hint for unknown service")
		return
	}
	if err := r.store.Save(hint.ServiceID, persisted); err != nil {
		log.WithComponent("reconciler").Error().Err(err).Str("service_id", hint.ServiceID).Msg("persisting restart state failed")
	}
}

// emit records the event in the service history and publishes it.
func (r *Reconciler) emit(ev types.Event) {
	if ev.ServiceID != "" {
		r.writer.AppendEvent(ev.ServiceID, ev)
	}
	r.bus.Publish(ev)
}
