// Package storage keeps the append-only audit trail of finished races.
//
// Records are written once, when a session reaches a terminal status, and are
// only read back for operator listings. Session state itself is never
// restored from storage.
package storage
