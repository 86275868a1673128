package broadcast

import (
	"sync"

	"github.com/google/uuid"

	"github.com/vigild/vigil/pkg/log"
	"github.com/vigild/vigil/pkg/metrics"
	"github.com/vigild/vigil/pkg/types"
)

// subscriptionBuffer is the per-subscriber queue depth.
const subscriptionBuffer = 256

// Filter selects which events a subscriber receives. Empty slices match
// everything.
type Filter struct {
	Kinds      []types.EventKind `json:"eventTypes,omitempty"`
	ServiceIDs []string          `json:"serviceIds,omitempty"`
}

// Matches reports whether the event passes the filter.
func (f Filter) Matches(ev types.Event) bool {
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if k == ev.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.ServiceIDs) > 0 {
		if ev.ServiceID == "" {
			return false
		}
		found := false
		for _, id := range f.ServiceIDs {
			if id == ev.ServiceID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Subscription is one consumer's view of the event stream.
type Subscription struct {
	id string
	ch chan types.Event

	mu     sync.Mutex
	filter Filter
	closed bool
}

// ID returns the subscriber's unique id, used in drop metrics.
func (s *Subscription) ID() string { return s.id }

// Events is the receive channel. It is closed when the subscription is
// cancelled.
func (s *Subscription) Events() <-chan types.Event { return s.ch }

// SetFilter replaces the subscription's filter. It does not accumulate;
// each call fully overwrites the previous filter.
func (s *Subscription) SetFilter(f Filter) {
	s.mu.Lock()
	s.filter = f
	s.mu.Unlock()
}

// ClearFilter resets the subscription to receive every event.
func (s *Subscription) ClearFilter() {
	s.SetFilter(Filter{})
}

// Broadcaster owns the subscriber set.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

// New returns an empty broadcaster.
func New() *Broadcaster {
	return &Broadcaster{subs: make(map[string]*Subscription)}
}

// Subscribe registers a new subscriber receiving all events until a
// filter is set.
func (b *Broadcaster) Subscribe() *Subscription {
	sub := &Subscription{
		id: uuid.New().String(),
		ch: make(chan types.Event, subscriptionBuffer),
	}
	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	log.WithComponent("broadcast").Debug().Str("subscriber", sub.id).Msg("subscriber added")
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub.id)
	b.mu.Unlock()

	sub.mu.Lock()
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
	sub.mu.Unlock()
	log.WithComponent("broadcast").Debug().Str("subscriber", sub.id).Msg("subscriber removed")
}

// Count returns the number of active subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers the event to every matching subscriber. A subscriber
// with a full queue loses its oldest event to make room; the publisher
// never blocks.
func (b *Broadcaster) Publish(ev types.Event) {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.deliver(ev)
	}
}

func (s *Subscription) deliver(ev types.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if !s.filter.Matches(ev) {
		return
	}

	select {
	case s.ch <- ev:
		return
	default:
	}

	// Queue full: evict the oldest queued event, then retry once. The
	// lock keeps the drain and resend atomic with respect to Close.
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- ev:
	default:
	}
	metrics.BroadcastDroppedTotal.WithLabelValues(s.id).Inc()
}
