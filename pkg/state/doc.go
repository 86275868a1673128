// Package state persists restart bookkeeping across process restarts in
// a local bbolt file. A nil *Store is valid and does nothing, so the
// engine runs fine without a writable data directory.
package state
