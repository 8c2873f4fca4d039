// Package storage persists the tracked channel registry and the bookkeeping
// the monitor needs to suppress duplicate announcements across restarts.
//
// Drivers:
//   - "file": JSON files next to a path prefix (default)
//   - "sqlite": a single SQLite database (modernc.org/sqlite, no cgo)
//   - "memory": process-local, for tests and dry runs
package storage
