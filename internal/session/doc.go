// Package session holds the per-race records: the immutable Request captured
// at start, the mutable State owned by one race engine, and the read-only View
// handed to callers.
//
// Locking: State guards status/detail/log with its own mutex. The cancel flag
// is lock free so a waiting engine can poll it without contending with readers.
package session
