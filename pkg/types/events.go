package types

import "time"

// EventKind identifies a variant of the Event union.
type EventKind string

const (
	EventStatusChanged   EventKind = "status_changed"
	EventProbeCompleted  EventKind = "probe_completed"
	EventHighLatency     EventKind = "high_latency"
	EventServiceDown     EventKind = "service_down"
	EventServiceUp       EventKind = "service_up"
	EventActionStarted   EventKind = "action_started"
	EventActionCompleted EventKind = "action_completed"
	EventStatsSample     EventKind = "stats_sample"
)

// Event is the tagged union flowing through the broadcaster. Kind selects
// which optional fields are populated; consumers switch on it exhaustively.
type Event struct {
	Kind      EventKind `json:"kind"`
	ServiceID string    `json:"serviceId,omitempty"`
	At        time.Time `json:"at"`

	// status_changed
	From Status `json:"from,omitempty"`
	To   Status `json:"to,omitempty"`

	// probe_completed, high_latency
	Outcome     OutcomeKind `json:"outcome,omitempty"`
	LatencyMs   int64       `json:"latencyMs,omitempty"`
	ThresholdMs int64       `json:"thresholdMs,omitempty"`

	// service_down, service_up
	ConsecutiveFailures int   `json:"consecutiveFailures,omitempty"`
	DownDurationMs      int64 `json:"downDurationMs,omitempty"`

	// action_started, action_completed
	ActionID  string   `json:"actionId,omitempty"`
	Action    string   `json:"action,omitempty"`
	Targets   []string `json:"targets,omitempty"`
	Success   bool     `json:"success,omitempty"`
	ExitCode  int      `json:"exitCode,omitempty"`
	RequestID string   `json:"requestId,omitempty"`

	// stats_sample
	Stats *ContainerStats `json:"stats,omitempty"`
}
