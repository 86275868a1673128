// Package registry holds the canonical table of monitored services and
// their live status. Reads are served from per-service records under a
// read lock; mutation goes through a single Writer handle held by the
// reconciler, so status fields are never torn and never written from two
// goroutines.
package registry
