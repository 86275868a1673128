// Package server exposes the monitor over HTTP and WebSocket: status
// queries, lifecycle actions, the Prometheus endpoint, a static
// dashboard, and the live event stream.
package server
