// Package notifier delivers presence, heartbeat and auth messages to the chat.
//
// Delivery goes through a bounded queue drained by a small worker pool with a
// token-bucket rate limit and jittered exponential retry. A notification that
// carries a DedupKey is suppressed while an earlier one with the same key is
// still inside the dedup window; the window can be persisted through storage so
// it survives restarts.
//
// Every successful delivery is also handed to the configured mirrors.
package notifier
