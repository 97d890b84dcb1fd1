package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file, no dependencies
//   - "sqlite": SQLite database file (pure Go driver)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Outcome records how one race ended.
// Keep it compact and schema-stable; usernames are stored masked.
type Outcome struct {
	At         time.Time  `json:"at"`
	SessionID  string     `json:"session_id"`
	Username   string     `json:"username"`
	Status     string     `json:"status"`
	Detail     string     `json:"detail,omitempty"`
	Date       string     `json:"date,omitempty"`
	Resource   string     `json:"resource,omitempty"`
	Start      string     `json:"start,omitempty"`
	End        string     `json:"end,omitempty"`
	Sweeps     int        `json:"sweeps"`
	Attempts   int        `json:"attempts"`
	Logins     int        `json:"logins"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
