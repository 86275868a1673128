package registry

import (
	"sort"
	"sync"

	"github.com/vigild/vigil/pkg/types"
)

// recentEventsSize is the number of events retained per service for the
// detailed health endpoint.
const recentEventsSize = 100

type record struct {
	mu      sync.RWMutex
	service types.Service
	status  types.ServiceStatus
	ring    Ring
	events  []types.Event
	stats   *types.ContainerStats
}

// Entry pairs a service definition with a copy of its current status.
type Entry struct {
	Service types.Service       `json:"service"`
	Status  types.ServiceStatus `json:"status"`
}

// Aggregate is the fleet-wide summary.
type Aggregate struct {
	Total        int     `json:"total"`
	Healthy      int     `json:"healthy"`
	Degraded     int     `json:"degraded"`
	Unhealthy    int     `json:"unhealthy"`
	Unknown      int     `json:"unknown"`
	CriticalDown int     `json:"criticalDown"`
	AvgLatencyMs float64 `json:"avgLatencyMs"`
}

// Registry is the canonical service table. The service set is fixed at
// construction; only status records change afterwards.
type Registry struct {
	records map[string]*record
	order   []string
	writer  *Writer
}

// New builds a registry from the configured services. All statuses start
// Unknown.
func New(services []types.Service) *Registry {
	r := &Registry{records: make(map[string]*record, len(services))}
	for _, svc := range services {
		r.records[svc.ID] = &record{service: svc}
		r.order = append(r.order, svc.ID)
	}
	sort.Strings(r.order)
	r.writer = &Writer{reg: r}
	return r
}

// Writer returns the single mutation handle. Only the reconciler may hold
// it.
func (r *Registry) Writer() *Writer { return r.writer }

// Get returns the service and a copy of its status.
func (r *Registry) Get(id string) (Entry, error) {
	rec, ok := r.records[id]
	if !ok {
		return Entry{}, types.ErrNotFound
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	return Entry{Service: rec.service, Status: rec.status}, nil
}

// List returns a consistent snapshot of every service, ordered by id.
func (r *Registry) List() []Entry {
	out := make([]Entry, 0, len(r.order))
	for _, id := range r.order {
		rec := r.records[id]
		rec.mu.RLock()
		out = append(out, Entry{Service: rec.service, Status: rec.status})
		rec.mu.RUnlock()
	}
	return out
}

// Outcomes returns the recent probe outcomes for a service, newest first.
func (r *Registry) Outcomes(id string) ([]types.ProbeOutcome, error) {
	rec, ok := r.records[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	return rec.ring.Snapshot(), nil
}

// RecentEvents returns the retained events for a service, oldest first.
func (r *Registry) RecentEvents(id string) ([]types.Event, error) {
	rec, ok := r.records[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	out := make([]types.Event, len(rec.events))
	copy(out, rec.events)
	return out, nil
}

// Stats returns the latest container stats snapshot, if any.
func (r *Registry) Stats(id string) (*types.ContainerStats, error) {
	rec, ok := r.records[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	if rec.stats == nil {
		return nil, nil
	}
	st := *rec.stats
	return &st, nil
}

// Aggregate computes the fleet summary in one pass.
func (r *Registry) Aggregate() Aggregate {
	var agg Aggregate
	var latencySum int64
	var latencyCount int
	for _, id := range r.order {
		rec := r.records[id]
		rec.mu.RLock()
		agg.Total++
		switch rec.status.Status {
		case types.StatusHealthy:
			agg.Healthy++
		case types.StatusDegraded:
			agg.Degraded++
		case types.StatusUnhealthy:
			agg.Unhealthy++
			if rec.service.Critical {
				agg.CriticalDown++
			}
		default:
			agg.Unknown++
		}
		if rec.status.LastLatencyMs > 0 {
			latencySum += rec.status.LastLatencyMs
			latencyCount++
		}
		rec.mu.RUnlock()
	}
	if latencyCount > 0 {
		agg.AvgLatencyMs = float64(latencySum) / float64(latencyCount)
	}
	return agg
}

// Writer is the sole mutation handle for status records.
type Writer struct {
	reg *Registry
}

// Apply runs fn under exclusive access to one service's record. The
// mutation sees the live status and ring; the service definition is
// read-only.
func (w *Writer) Apply(id string, fn func(svc types.Service, st *types.ServiceStatus, ring *Ring)) error {
	rec, ok := w.reg.records[id]
	if !ok {
		return types.ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	fn(rec.service, &rec.status, &rec.ring)
	return nil
}

// AppendEvent retains an event in the service's bounded history.
func (w *Writer) AppendEvent(id string, ev types.Event) {
	rec, ok := w.reg.records[id]
	if !ok {
		return
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.events = append(rec.events, ev)
	if len(rec.events) > recentEventsSize {
		rec.events = rec.events[len(rec.events)-recentEventsSize:]
	}
}

// SetStats records the latest container stats snapshot for a service.
// Stats are written by the collector, not the reconciler; they are not
// part of ServiceStatus.
func (r *Registry) SetStats(id string, st types.ContainerStats) {
	rec, ok := r.records[id]
	if !ok {
		return
	}
	rec.mu.Lock()
	rec.stats = &st
	rec.mu.Unlock()
}
