// Package probe performs single HTTP health probes against monitored
// services and classifies the result. It holds no state; the scheduler
// decides when to probe and the reconciler decides what an outcome means.
package probe
