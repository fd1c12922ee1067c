package config

import (
	"reflect"
	"sort"
	"strings"

	logx "github.com/k0rnepl0d/vrchat-notifying-telegram/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe attrs for logging.
// Secrets (bot token, webhook token) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 20)

	if oldCfg.Telegram.Token != newCfg.Telegram.Token {
		// token itself is never logged; a token change needs a restart
		changed = append(changed, "telegram.token")
	}
	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) ||
		oldCfg.DefaultChatID() != newCfg.DefaultChatID() ||
		oldCfg.GroupLogChatID() != newCfg.GroupLogChatID() {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.chat_id_set", newCfg.DefaultChatID() != 0),
			logx.Bool("telegram.group_log_set", newCfg.GroupLogChatID() != 0),
		)
	}

	if oldCfg.BaseURL() != newCfg.BaseURL() ||
		oldCfg.VRChatTimeout() != newCfg.VRChatTimeout() ||
		strings.TrimSpace(oldCfg.VRChat.UserAgent) != strings.TrimSpace(newCfg.VRChat.UserAgent) {
		changed = append(changed, "vrchat")
		attrs = append(attrs,
			logx.String("vrchat.base_url", newCfg.BaseURL()),
			logx.Duration("vrchat.timeout", newCfg.VRChatTimeout()),
		)
	}

	if oldCfg.PollInterval() != newCfg.PollInterval() ||
		oldCfg.IdleWait() != newCfg.IdleWait() ||
		oldCfg.Presence.NotifyFirstObservation != newCfg.Presence.NotifyFirstObservation ||
		oldCfg.NotifyAuthRejected() != newCfg.NotifyAuthRejected() {
		changed = append(changed, "presence")
		attrs = append(attrs,
			logx.Duration("presence.poll_interval", newCfg.PollInterval()),
			logx.Duration("presence.idle_wait", newCfg.IdleWait()),
			logx.Bool("presence.notify_first_observation", newCfg.Presence.NotifyFirstObservation),
		)
	}

	if oldCfg.HeartbeatEnabled() != newCfg.HeartbeatEnabled() ||
		oldCfg.HeartbeatSpec() != newCfg.HeartbeatSpec() ||
		oldCfg.HeartbeatNotify() != newCfg.HeartbeatNotify() {
		changed = append(changed, "heartbeat")
		attrs = append(attrs,
			logx.Bool("heartbeat.enabled", newCfg.HeartbeatEnabled()),
			logx.String("heartbeat.every", newCfg.HeartbeatSpec()),
		)
	}

	if oldCfg.CookiesPath() != newCfg.CookiesPath() ||
		oldCfg.UserIDPath() != newCfg.UserIDPath() ||
		oldCfg.ChatIDPath() != newCfg.ChatIDPath() {
		// store paths are bound at startup
		changed = append(changed, "files")
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	oldN, newN := NotifierOrDefault(oldCfg.Notifier), NotifierOrDefault(newCfg.Notifier)
	if oldN != newN {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.workers", newN.Workers),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
		)
	}

	if oldCfg.StorageDriver() != newCfg.StorageDriver() || !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.StorageDriver()))
	}

	if (oldCfg.Discord != nil) != (newCfg.Discord != nil) ||
		(oldCfg.Discord != nil && newCfg.Discord != nil && *oldCfg.Discord != *newCfg.Discord) {
		changed = append(changed, "discord")
		attrs = append(attrs, logx.Bool("discord.enabled", newCfg.Discord != nil))
	}

	oa, ot := oldCfg.Pprof()
	na, nt := newCfg.Pprof()
	if oa != na || ot != nt {
		changed = append(changed, "debug")
		attrs = append(attrs, logx.String("debug.pprof_addr", na))
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists changed sections that only take effect after a restart.
// Notifier worker and queue sizes also wait for a restart; its other settings apply live.
func RestartRequired(changed []string) []string {
	var out []string
	for _, c := range changed {
		switch c {
		case "telegram.token", "files", "storage", "discord", "vrchat":
			out = append(out, c)
		}
	}
	return out
}

// NotifierOrDefault treats an omitted notifier section as the runtime defaults.
func NotifierOrDefault(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{
			Enabled:         true,
			Workers:         2,
			QueueSize:       256,
			RatePerSec:      3,
			RetryMax:        3,
			RetryBase:       "500ms",
			RetryMaxDelay:   "10s",
			DedupWindow:     "1h",
			DedupMaxEntries: 2000,
		}
	}
	return *n
}
