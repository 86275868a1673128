// Package metrics defines the Prometheus series exposed by the monitor
// and small helpers for updating them.
package metrics
