// Package log wraps zerolog with a global logger and component-scoped
// child loggers.
package log
