// Package scheduler runs one probe loop per service. Each loop ticks on
// a jittered interval and executes its probe synchronously, so at most
// one probe per service is ever in flight. A shared token pool bounds
// fleet-wide concurrency; a loop that cannot get a token sheds the tick.
package scheduler
