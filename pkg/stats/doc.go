// Package stats periodically samples container resource usage for
// services that name a container, updating gauges and emitting
// stats_sample events.
package stats
