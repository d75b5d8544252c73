// Package storage persists the endpoint profile (endpoints and limits)
// across restarts.
//
// Drivers:
//   - "file": the profile as JSON/YAML, rewritten atomically
//   - "sqlite": a single SQLite database (modernc.org/sqlite, no cgo)
package storage
