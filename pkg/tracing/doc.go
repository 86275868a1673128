// Package tracing wires OpenTelemetry export. Without an endpoint
// configured the provider stays local and spans are never exported.
package tracing
