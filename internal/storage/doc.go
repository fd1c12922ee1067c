// Package storage persists what the bot wants to survive a restart:
//   - operator command audit (who changed cookies, user id or chat id)
//   - presence transitions, served back by /history
//   - notifier dedup state
//
// Two drivers exist: "file" (JSON Lines next to a path prefix) and "sqlite"
// (modernc.org/sqlite, pure Go). An empty driver or "none" disables storage.
package storage
