// Package transport holds the outbound chat types shared by the notifier,
// the log chat sink and the Telegram adapter.
package transport

import "context"

type ChatTarget struct {
	ChatID   int64
	ThreadID int // telegram forum topic thread id (0 if none)
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Silent         bool
}

type Notification struct {
	Channel string // "telegram" now
	Target  ChatTarget
	Text    string
	Options *SendOptions
	// Key is used for dedup; empty means "derive from target + text".
	Key string
}

// Sender delivers text to a chat. Implementations must honor ctx.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)

func (f SenderFunc) SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error) {
	return f(ctx, to, text, opt)
}
