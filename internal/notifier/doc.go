// Package notifier delivers race outcomes to the operator chat.
//
// It subscribes to session.finished events on the bus, formats one message
// per finished session and pushes it through a queue with a worker pool,
// rate limiting, retry with jittered backoff and a short in-memory dedup
// window. Delivery goes through a transport.Sender (the Telegram adapter in
// production), so nothing here depends on a specific chat platform.
//
// A small history of sent messages is kept for the health output.
package notifier
