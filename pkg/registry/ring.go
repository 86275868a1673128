package registry

import (
	"time"

	"github.com/vigild/vigil/pkg/types"
)

// RingSize is the number of recent probe outcomes kept per service.
const RingSize = 60

// errorRateWindow is the rolling window used for the failures-per-minute
// gauge.
const errorRateWindow = 5 * time.Minute

// Ring is a fixed-size FIFO of recent probe outcomes for one service.
type Ring struct {
	entries [RingSize]types.ProbeOutcome
	next    int
	count   int
}

// Push appends an outcome, evicting the oldest when full.
func (r *Ring) Push(o types.ProbeOutcome) {
	r.entries[r.next] = o
	r.next = (r.next + 1) % RingSize
	if r.count < RingSize {
		r.count++
	}
}

// Len returns the number of stored outcomes.
func (r *Ring) Len() int { return r.count }

// Last returns the i-th most recent outcome (0 = newest). The second
// return is false when fewer than i+1 outcomes exist.
func (r *Ring) Last(i int) (types.ProbeOutcome, bool) {
	if i >= r.count {
		return types.ProbeOutcome{}, false
	}
	idx := (r.next - 1 - i + 2*RingSize) % RingSize
	return r.entries[idx], true
}

// ErrorRate returns the fraction of non-success outcomes in the ring.
func (r *Ring) ErrorRate() float64 {
	if r.count == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < r.count; i++ {
		o, _ := r.Last(i)
		if !o.Success() {
			failures++
		}
	}
	return float64(failures) / float64(r.count)
}

// FailuresPerMinute returns failures within the rolling window divided by
// the window length in minutes.
func (r *Ring) FailuresPerMinute(now time.Time) float64 {
	cutoff := now.Add(-errorRateWindow)
	failures := 0
	for i := 0; i < r.count; i++ {
		o, _ := r.Last(i)
		if o.StartedAt.Before(cutoff) {
			break
		}
		if !o.Success() {
			failures++
		}
	}
	return float64(failures) / errorRateWindow.Minutes()
}

// Snapshot returns the outcomes newest-first.
func (r *Ring) Snapshot() []types.ProbeOutcome {
	out := make([]types.ProbeOutcome, 0, r.count)
	for i := 0; i < r.count; i++ {
		o, _ := r.Last(i)
		out = append(out, o)
	}
	return out
}
