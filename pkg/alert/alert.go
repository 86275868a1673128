package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/vigild/vigil/pkg/broadcast"
	"github.com/vigild/vigil/pkg/log"
	"github.com/vigild/vigil/pkg/metrics"
	"github.com/vigild/vigil/pkg/registry"
	"github.com/vigild/vigil/pkg/types"
)

const (
	webhookTimeout = 5 * time.Second
	webhookRetries = 3
	webhookBackoff = 500 * time.Millisecond
	dedupWindow    = 60 * time.Second
)

// alertKinds are the event kinds that produce notifications.
var alertKinds = []types.EventKind{
	types.EventServiceDown,
	types.EventServiceUp,
	types.EventHighLatency,
}

// Payload is the JSON body posted to the webhook.
type Payload struct {
	Kind        types.EventKind `json:"kind"`
	ServiceID   string          `json:"serviceId"`
	ServiceName string          `json:"serviceName,omitempty"`
	At          time.Time       `json:"at"`
	Details     string          `json:"details,omitempty"`
}

// Engine consumes alertable events and posts them to a webhook.
type Engine struct {
	bus        *broadcast.Broadcaster
	reg        *registry.Registry
	webhookURL string
	notify     bool
	client     *http.Client

	// lastSent is touched only by the Run goroutine.
	lastSent map[string]time.Time

	// now is stubbed in tests.
	now func() time.Time
}

// New builds an alert engine. An empty webhookURL disables delivery
// entirely; notify=false keeps the alert log but suppresses posting.
func New(bus *broadcast.Broadcaster, reg *registry.Registry, webhookURL string, notify bool) *Engine {
	return &Engine{
		bus:        bus,
		reg:        reg,
		webhookURL: webhookURL,
		notify:     notify,
		client:     &http.Client{Timeout: webhookTimeout},
		lastSent:   make(map[string]time.Time),
		now:        time.Now,
	}
}

// Run consumes events until the context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	logger := log.WithComponent("alert")
	sub := e.bus.Subscribe()
	sub.SetFilter(broadcast.Filter{Kinds: alertKinds})
	defer e.bus.Unsubscribe(sub)

	logger.Info().
		Bool("notifications", e.notify && e.webhookURL != "").
		Msg("alert engine started")
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			e.handle(ctx, ev)
		case <-ctx.Done():
			logger.Info().Msg("alert engine stopped")
			return
		}
	}
}

func (e *Engine) handle(ctx context.Context, ev types.Event) {
	key := ev.ServiceID + "/" + string(ev.Kind)
	now := e.now()
	if last, ok := e.lastSent[key]; ok && now.Sub(last) < dedupWindow {
		return
	}
	e.lastSent[key] = now

	payload := e.payload(ev)
	log.WithServiceID(ev.ServiceID).Warn().
		Str("alert", string(ev.Kind)).
		Str("details", payload.Details).
		Msg("alert raised")

	if !e.notify || e.webhookURL == "" {
		return
	}
	if err := e.post(ctx, payload); err != nil {
		metrics.AlertWebhookFailuresTotal.Inc()
		log.WithComponent("alert").Error().Err(err).Str("alert", string(ev.Kind)).Msg("webhook delivery failed")
	}
}

func (e *Engine) payload(ev types.Event) Payload {
	p := Payload{Kind: ev.Kind, ServiceID: ev.ServiceID, At: ev.At}
	if entry, err := e.reg.Get(ev.ServiceID); err == nil {
		p.ServiceName = entry.Service.Name
	}
	switch ev.Kind {
	case types.EventServiceDown:
		p.Details = fmt.Sprintf("down after %d consecutive failures", ev.ConsecutiveFailures)
	case types.EventServiceUp:
		p.Details = fmt.Sprintf("recovered after %dms of downtime", ev.DownDurationMs)
	case types.EventHighLatency:
		p.Details = fmt.Sprintf("latency %dms exceeds %dms", ev.LatencyMs, ev.ThresholdMs)
	}
	return p
}

// post delivers with up to webhookRetries retries after the first
// attempt. Client errors (4xx) are final; server errors and timeouts
// are retried.
func (e *Engine) post(ctx context.Context, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= webhookRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * webhookBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.webhookURL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := e.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("webhook returned %d", resp.StatusCode)
		if resp.StatusCode < 500 {
			return lastErr
		}
	}
	return lastErr
}
