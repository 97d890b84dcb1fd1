package notifier

import (
	"time"

	kit "courtbot/internal/transport"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int

	// Target is where outcome messages go.
	Target kit.ChatTarget
	// Statuses limits outcome messages to these terminal statuses; empty means all.
	Statuses []string
}

type HistoryItem struct {
	At   time.Time
	Text string
}

// Event types published by the notifier.
const (
	TypeQueued  = "notifier.queued"
	TypeDeduped = "notifier.deduped"
	TypeDropped = "notifier.dropped"
	TypeSent    = "notifier.sent"
	TypeFailed  = "notifier.failed"
)

// NotificationEvent is emitted on the event bus for notifier lifecycle events.
type NotificationEvent struct {
	Channel  string    `json:"channel"`
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Key      string    `json:"key"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
