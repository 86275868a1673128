// Package alert turns service down, recovery, and high latency events
// into webhook notifications with per-service deduplication.
package alert
