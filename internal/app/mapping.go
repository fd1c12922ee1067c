package app

import (
	"fmt"
	"time"

	"github.com/k0rnepl0d/vrchat-notifying-telegram/internal/config"
	"github.com/k0rnepl0d/vrchat-notifying-telegram/internal/notifier"
	"github.com/k0rnepl0d/vrchat-notifying-telegram/internal/observability/pprof"
	"github.com/k0rnepl0d/vrchat-notifying-telegram/internal/presence"
	"github.com/k0rnepl0d/vrchat-notifying-telegram/internal/schedule"
	"github.com/k0rnepl0d/vrchat-notifying-telegram/internal/storage"
	logx "github.com/k0rnepl0d/vrchat-notifying-telegram/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	driver := cfg.StorageDriver()
	if driver == "" {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	if sc.Path == "" {
		return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{Driver: driver, Path: sc.Path, BusyTimeout: busy}, true, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := config.NotifierOrDefault(cfg.Notifier)
	if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 || n.DedupMaxEntries < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: counts must be >= 0")
	}
	base, err := config.ParseDurationField("notifier.retry_base", n.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	window, err := config.ParseDurationField("notifier.dedup_window", n.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       base,
		RetryMaxDelay:   maxDelay,
		DedupWindow:     window,
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
	}, nil
}

func mapPollerConfig(cfg *config.Config) presence.PollerConfig {
	return presence.PollerConfig{
		PollInterval:           cfg.PollInterval(),
		IdleWait:               cfg.IdleWait(),
		NotifyFirstObservation: cfg.Presence.NotifyFirstObservation,
		NotifyAuthRejected:     cfg.NotifyAuthRejected(),
	}
}

func mapHeartbeatConfig(cfg *config.Config) (presence.HeartbeatConfig, error) {
	sch, err := schedule.Parse(cfg.HeartbeatSpec())
	if err != nil {
		return presence.HeartbeatConfig{}, fmt.Errorf("heartbeat.every: %w", err)
	}
	return presence.HeartbeatConfig{Schedule: sch, Notify: cfg.HeartbeatNotify()}, nil
}

// mapLogConfig builds the logx config. The Telegram sink stays off until a
// target chat exists, so Apply does not warn about a missing target.
func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled && cfg.GroupLogChatID() != 0,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapPprofConfig(cfg *config.Config) pprof.Config {
	addr, token := cfg.Pprof()
	return pprof.Config{Addr: addr, Token: token}
}
