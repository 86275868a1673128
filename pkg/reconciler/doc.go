// Package reconciler consumes probe outcomes and drives the per-service
// health state machine. It is the only writer of service status: probe
// results and restart bookkeeping both arrive on its ingest channel, so
// every status transition happens on one goroutine.
package reconciler
