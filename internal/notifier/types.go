package notifier

import (
	"context"
	"time"
)

// Config controls the delivery pipeline. With Enabled false every Notify is a
// single synchronous send.
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
	PersistDedup    bool
}

// Mirror receives a copy of every delivered notification (e.g. a Discord webhook).
// Mirror errors are logged and never retried.
type Mirror interface {
	Name() string
	Mirror(ctx context.Context, channel, text string) error
}

type HistoryItem struct {
	At      time.Time
	Channel string
	Text    string
}

// Event is the Data of notify.* bus events.
type Event struct {
	Channel string    `json:"channel"`
	ChatID  int64     `json:"chat_id"`
	Key     string    `json:"key,omitempty"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}
