package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/vigild/vigil/pkg/log"
	"github.com/vigild/vigil/pkg/metrics"
	"github.com/vigild/vigil/pkg/reconciler"
	"github.com/vigild/vigil/pkg/types"
)

// jitterFraction spreads probe ticks so services configured with the
// same interval do not fire in lockstep.
const jitterFraction = 0.10

// Prober is the probe executor the scheduler drives.
type Prober interface {
	Probe(ctx context.Context, svc types.Service) types.ProbeOutcome
}

// Scheduler owns the per-service probe loops.
type Scheduler struct {
	prober   Prober
	rec      *reconciler.Reconciler
	services []types.Service
	interval time.Duration
	pool     chan struct{}

	wg sync.WaitGroup
}

// New builds a scheduler. batchSize bounds how many probes run at once
// across the whole fleet.
func New(prober Prober, rec *reconciler.Reconciler, services []types.Service, interval time.Duration, batchSize int) *Scheduler {
	return &Scheduler{
		prober:   prober,
		rec:      rec,
		services: services,
		interval: interval,
		pool:     make(chan struct{}, batchSize),
	}
}

// Start launches one loop per service. It returns immediately; Stop
// waits for the loops to drain.
func (s *Scheduler) Start(ctx context.Context) {
	log.WithComponent("scheduler").Info().
		Int("services", len(s.services)).
		Dur("interval", s.interval).
		Int("batch_size", cap(s.pool)).
		Msg("scheduler started")
	for _, svc := range s.services {
		s.wg.Add(1)
		go s.loop(ctx, svc)
	}
}

// Stop blocks until every probe loop has exited. Callers cancel the
// context passed to Start first.
func (s *Scheduler) Stop() {
	s.wg.Wait()
	log.WithComponent("scheduler").Info().Msg("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, svc types.Service) {
	defer s.wg.Done()

	// Initial stagger so a large fleet does not probe all at once on
	// startup.
	select {
	case <-time.After(time.Duration(rand.Int63n(int64(s.interval)))):
	case <-ctx.Done():
		return
	}

	for {
		s.tick(ctx, svc)
		select {
		case <-time.After(s.jittered()):
		case <-ctx.Done():
			return
		}
	}
}

// tick runs one probe if a pool token is available, otherwise sheds.
// The probe executes synchronously in the loop goroutine, which is what
// guarantees one in-flight probe per service.
func (s *Scheduler) tick(ctx context.Context, svc types.Service) {
	select {
	case s.pool <- struct{}{}:
	default:
		metrics.ProbeSkippedTotal.Inc()
		log.WithServiceID(svc.ID).Debug().Msg("probe pool saturated, skipping tick")
		return
	}
	defer func() { <-s.pool }()

	out := s.prober.Probe(ctx, svc)
	s.rec.Offer(reconciler.Ingest{Outcome: &out})
}

// jittered returns the interval perturbed by up to ±10%.
func (s *Scheduler) jittered() time.Duration {
	max := float64(s.interval) * jitterFraction
	delta := (rand.Float64()*2 - 1) * max
	return s.interval + time.Duration(delta)
}
