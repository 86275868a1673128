package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/vigild/vigil/pkg/log"
	"github.com/vigild/vigil/pkg/types"
)

const (
	retryBackoffBase = 250 * time.Millisecond
	retryBackoffCap  = 2 * time.Second

	// maxBodyBytes bounds how much of a health response body is read in
	// detailed mode.
	maxBodyBytes = 64 * 1024
)

// Prober issues HTTP GET probes with bounded retries.
type Prober struct {
	client   *http.Client
	timeout  time.Duration
	retries  int
	detailed bool
	tracer   trace.Tracer
}

// New builds a prober. retries is the number of additional attempts after
// the first; only connection errors and timeouts are retried.
func New(timeout time.Duration, retries int, detailed bool) *Prober {
	return &Prober{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout:  timeout,
		retries:  retries,
		detailed: detailed,
		tracer:   otel.Tracer("vigil/probe"),
	}
}

// Probe performs one logical health check, retrying transient failures.
// The returned outcome is always valid, even on failure.
func (p *Prober) Probe(ctx context.Context, svc types.Service) types.ProbeOutcome {
	ctx, span := p.tracer.Start(ctx, "probe",
		trace.WithAttributes(
			attribute.String("service.id", svc.ID),
			attribute.String("service.endpoint", svc.HealthEndpoint),
		))
	defer span.End()

	started := time.Now()
	var out types.ProbeOutcome
	for attempt := 0; ; attempt++ {
		out = p.attempt(ctx, svc)
		if !retryable(out.Kind) || attempt >= p.retries {
			break
		}
		backoff := retryBackoffBase << attempt
		if backoff > retryBackoffCap {
			backoff = retryBackoffCap
		}
		log.WithServiceID(svc.ID).Debug().
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Str("outcome", string(out.Kind)).
			Msg("retrying probe")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			// Shutdown mid-probe reads as a timeout, never a spurious
			// connect error.
			out = p.failure(svc, started, types.OutcomeTimedOut, ctx.Err())
			span.SetStatus(codes.Error, "cancelled")
			return out
		}
	}

	// Latency spans the whole logical probe including retries.
	out.StartedAt = started
	out.Latency = time.Since(started)
	out.LatencyMs = out.Latency.Milliseconds()

	span.SetAttributes(
		attribute.String("probe.outcome", string(out.Kind)),
		attribute.Int64("probe.latency_ms", out.LatencyMs),
	)
	if !out.Success() {
		span.SetStatus(codes.Error, string(out.Kind))
	}
	return out
}

// attempt performs exactly one HTTP request.
func (p *Prober) attempt(ctx context.Context, svc types.Service) types.ProbeOutcome {
	attemptCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, svc.HealthEndpoint, nil)
	if err != nil {
		return types.ProbeOutcome{ServiceID: svc.ID, Kind: types.OutcomeConnectError, Error: err.Error()}
	}
	req.Header.Set("User-Agent", "vigil-monitor/1.0")
	otel.GetTextMapPropagator().Inject(attemptCtx, propagation.HeaderCarrier(req.Header))

	resp, err := p.client.Do(req)
	if err != nil {
		kind := types.OutcomeConnectError
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			kind = types.OutcomeTimedOut
		} else {
			var ne interface{ Timeout() bool }
			if errors.As(err, &ne) && ne.Timeout() {
				kind = types.OutcomeTimedOut
			}
		}
		return types.ProbeOutcome{ServiceID: svc.ID, Kind: kind, Error: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return types.ProbeOutcome{
			ServiceID:  svc.ID,
			Kind:       types.OutcomeBadStatus,
			StatusCode: resp.StatusCode,
			Error:      fmt.Sprintf("unexpected status %d", resp.StatusCode),
		}
	}

	if p.detailed {
		if out, bad := p.checkBody(svc, resp); bad {
			return out
		}
	} else {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
	}

	return types.ProbeOutcome{ServiceID: svc.ID, Kind: types.OutcomeSuccess, StatusCode: resp.StatusCode}
}

// checkBody inspects a JSON health payload for a status field. Bodies
// that are not JSON or carry no status field pass; an explicit non-ok
// status is a mismatch.
func (p *Prober) checkBody(svc types.Service, resp *http.Response) (types.ProbeOutcome, bool) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return types.ProbeOutcome{ServiceID: svc.ID, Kind: types.OutcomeConnectError, Error: err.Error()}, true
	}

	var payload struct {
		Status string `json:"status"`
	}
	if json.Unmarshal(body, &payload) != nil || payload.Status == "" {
		return types.ProbeOutcome{}, false
	}
	switch strings.ToLower(payload.Status) {
	case "ok", "healthy", "up", "pass":
		return types.ProbeOutcome{}, false
	}
	return types.ProbeOutcome{
		ServiceID:  svc.ID,
		Kind:       types.OutcomeBodyMismatch,
		StatusCode: resp.StatusCode,
		Error:      fmt.Sprintf("health body reports status %q", payload.Status),
	}, true
}

func (p *Prober) failure(svc types.Service, started time.Time, kind types.OutcomeKind, err error) types.ProbeOutcome {
	out := types.ProbeOutcome{
		ServiceID: svc.ID,
		StartedAt: started,
		Kind:      kind,
	}
	if err != nil {
		out.Error = err.Error()
	}
	out.Latency = time.Since(started)
	out.LatencyMs = out.Latency.Milliseconds()
	return out
}

// retryable reports whether an outcome kind warrants another attempt.
// Definitive answers from the service (bad status, body mismatch) are
// never retried.
func retryable(kind types.OutcomeKind) bool {
	return kind == types.OutcomeTimedOut || kind == types.OutcomeConnectError
}
