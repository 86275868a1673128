package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ServiceType categorizes a monitored service.
type ServiceType string

const (
	ServiceTypeAPI          ServiceType = "api"
	ServiceTypeWorker       ServiceType = "worker"
	ServiceTypeDatabase     ServiceType = "database"
	ServiceTypeAuth         ServiceType = "auth"
	ServiceTypeLoadBalancer ServiceType = "loadbalancer"
	ServiceTypeCustom       ServiceType = "custom"
)

// Service is the static definition of a monitored service, loaded from
// configuration at startup.
type Service struct {
	ID                     string      `json:"id" yaml:"id"`
	Name                   string      `json:"name" yaml:"name"`
	Type                   ServiceType `json:"type" yaml:"type"`
	HealthEndpoint         string      `json:"healthEndpoint" yaml:"healthEndpoint"`
	ContainerName          string      `json:"containerName,omitempty" yaml:"containerName"`
	ExpectedResponseTimeMs int64       `json:"expectedResponseTimeMs" yaml:"expectedResponseTimeMs"`
	Critical               bool        `json:"critical" yaml:"critical"`
	DependsOn              []string    `json:"dependsOn,omitempty" yaml:"dependsOn"`
}

// Status is the derived health classification of a service.
type Status int

const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusDegraded
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the status as its lowercase name.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON parses a lowercase status name.
func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw {
	case "healthy":
		*s = StatusHealthy
	case "degraded":
		*s = StatusDegraded
	case "unhealthy":
		*s = StatusUnhealthy
	case "unknown":
		*s = StatusUnknown
	default:
		return fmt.Errorf("unknown status %q", raw)
	}
	return nil
}

// ServiceStatus is the dynamic health record for a service. The reconciler
// is the only writer; everyone else sees copies.
type ServiceStatus struct {
	Status               Status    `json:"status"`
	LastProbeAt          time.Time `json:"lastProbeAt"`
	LastLatencyMs        int64     `json:"lastLatencyMs"`
	ConsecutiveFailures  int       `json:"consecutiveFailures"`
	ConsecutiveSuccesses int       `json:"consecutiveSuccesses"`
	LastError            string    `json:"lastError,omitempty"`
	RestartCount         int       `json:"restartCount"`
	LastRestartAt        time.Time `json:"lastRestartAt,omitempty"`
}

// OutcomeKind classifies the result of a single probe.
type OutcomeKind string

const (
	OutcomeSuccess      OutcomeKind = "success"
	OutcomeTimedOut     OutcomeKind = "timed_out"
	OutcomeConnectError OutcomeKind = "connect_error"
	OutcomeBadStatus    OutcomeKind = "bad_status"
	OutcomeBodyMismatch OutcomeKind = "body_mismatch"
)

// ProbeOutcome is the immutable result of one health probe.
type ProbeOutcome struct {
	ServiceID  string        `json:"serviceId"`
	StartedAt  time.Time     `json:"startedAt"`
	Latency    time.Duration `json:"-"`
	LatencyMs  int64         `json:"latencyMs"`
	Kind       OutcomeKind   `json:"outcome"`
	StatusCode int           `json:"statusCode,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Success reports whether the outcome counts as a successful probe.
func (o ProbeOutcome) Success() bool {
	return o.Kind == OutcomeSuccess
}

// ContainerStats is the latest resource snapshot for a container.
type ContainerStats struct {
	CPUPercent      float64 `json:"cpuPercent"`
	MemoryMB        float64 `json:"memoryMb"`
	NetInBytes      uint64  `json:"netInBytes"`
	NetOutBytes     uint64  `json:"netOutBytes"`
	BlockReadBytes  uint64  `json:"blockReadBytes"`
	BlockWriteBytes uint64  `json:"blockWriteBytes"`
}

// Principal carries the authenticated identity of a command issuer.
type Principal struct {
	Subject string   `json:"subject,omitempty"`
	Roles   []string `json:"roles,omitempty"`
	Via     string   `json:"via,omitempty"` // "open", "api_key", or "token"
}

// Credentials are the raw secrets presented with a command. The dispatcher
// resolves them to a Principal before doing any work.
type Credentials struct {
	APIKey string
	Bearer string
}

// CommandKind identifies a mutating command.
type CommandKind string

const (
	CommandRestartService CommandKind = "restart_service"
	CommandComposeAction  CommandKind = "compose_action"
)

// Command is a mutating request against a service or the compose project.
type Command struct {
	Kind        CommandKind
	ServiceID   string
	Compose     *ComposeSpec
	RequestID   string
	Credentials Credentials
}

// ComposeSpec describes a docker compose invocation.
type ComposeSpec struct {
	Action   string   `json:"action"`
	Services []string `json:"services"`
	File     string   `json:"file,omitempty"`
	Project  string   `json:"project,omitempty"`
	Detach   bool     `json:"detach,omitempty"`
	Tail     int      `json:"tail,omitempty"`
	DryRun   bool     `json:"dryRun,omitempty"`
}

// Sentinel errors shared across the control plane. Handlers map these to
// HTTP status codes; everything else is treated as an internal error.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrBusy         = errors.New("action already in flight")
	ErrNotFound     = errors.New("not found")
	ErrInvalid      = errors.New("invalid request")
)

// DriverError wraps a container driver failure with the exit code of the
// underlying invocation, when one exists.
type DriverError struct {
	Op       string
	ExitCode int
	Err      error
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("driver %s: %v (exit %d)", e.Op, e.Err, e.ExitCode)
}

func (e *DriverError) Unwrap() error { return e.Err }
