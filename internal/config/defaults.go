package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/k0rnepl0d/vrchat-notifying-telegram/internal/schedule"
)

const (
	DefaultBaseURL       = "https://api.vrchat.cloud/api/1"
	DefaultPollInterval  = 300 * time.Second
	DefaultIdleWait      = 5 * time.Second
	DefaultHTTPTimeout   = 10 * time.Second
	DefaultHeartbeat     = "30m"
	DefaultCookiesFile   = "cookies.json"
	DefaultUserIDFile    = "user_id.txt"
	DefaultChatIDFile    = "chat_id.txt"
	DefaultTelegramPoll  = 10 * time.Second
	DefaultStorageDriver = "file"
)

func (c *Config) PollInterval() time.Duration {
	return mustDuration(c.Presence.PollInterval, DefaultPollInterval)
}

func (c *Config) IdleWait() time.Duration {
	return mustDuration(c.Presence.IdleWait, DefaultIdleWait)
}

func (c *Config) VRChatTimeout() time.Duration {
	return mustDuration(c.VRChat.Timeout, DefaultHTTPTimeout)
}

func (c *Config) TelegramPollTimeout() time.Duration {
	return mustDuration(c.Telegram.PollTimeout, DefaultTelegramPoll)
}

func (c *Config) BaseURL() string {
	if s := strings.TrimRight(strings.TrimSpace(c.VRChat.BaseURL), "/"); s != "" {
		return s
	}
	return DefaultBaseURL
}

func (c *Config) NotifyAuthRejected() bool { return boolOr(c.Presence.NotifyAuthRejected, true) }
func (c *Config) HeartbeatEnabled() bool   { return boolOr(c.Heartbeat.Enabled, true) }
func (c *Config) HeartbeatNotify() bool    { return boolOr(c.Heartbeat.Notify, true) }

func (c *Config) HeartbeatSpec() string {
	if s := strings.TrimSpace(c.Heartbeat.Every); s != "" {
		return s
	}
	return DefaultHeartbeat
}

func (c *Config) CookiesPath() string { return strOr(c.Files.Cookies, DefaultCookiesFile) }
func (c *Config) UserIDPath() string  { return strOr(c.Files.UserID, DefaultUserIDFile) }
func (c *Config) ChatIDPath() string  { return strOr(c.Files.ChatID, DefaultChatIDFile) }

// DefaultChatID parses telegram.chat_id. 0 means unset.
func (c *Config) DefaultChatID() int64 {
	id, _ := strconv.ParseInt(strings.TrimSpace(c.Telegram.ChatID), 10, 64)
	return id
}

// GroupLogChatID parses telegram.group_log. 0 means unset.
func (c *Config) GroupLogChatID() int64 {
	id, _ := strconv.ParseInt(strings.TrimSpace(c.Telegram.GroupLog), 10, 64)
	return id
}

func (c *Config) StorageDriver() string {
	if c.Storage == nil {
		return ""
	}
	d := strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if d == "none" {
		return ""
	}
	return d
}

// Pprof returns the debug listener address ("" when off) and its token.
func (c *Config) Pprof() (addr, token string) {
	if c.Debug == nil {
		return "", ""
	}
	return strings.TrimSpace(c.Debug.PprofAddr), c.Debug.PprofToken
}

// Validate checks everything the rest of the program assumes is well-formed.
func Validate(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token: required (set TG_TOKEN)"))
	}
	if s := strings.TrimSpace(c.Telegram.ChatID); s != "" {
		if _, err := strconv.ParseInt(s, 10, 64); err != nil {
			errs = append(errs, fmt.Errorf("telegram.chat_id: invalid chat id %q", s))
		}
	}
	if s := strings.TrimSpace(c.Telegram.GroupLog); s != "" {
		if _, err := strconv.ParseInt(s, 10, 64); err != nil {
			errs = append(errs, fmt.Errorf("telegram.group_log: invalid chat id %q", s))
		}
	}

	durations := []struct{ path, raw string }{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"vrchat.timeout", c.VRChat.Timeout},
		{"presence.poll_interval", c.Presence.PollInterval},
		{"presence.idle_wait", c.Presence.IdleWait},
	}
	if c.Notifier != nil {
		durations = append(durations,
			struct{ path, raw string }{"notifier.retry_base", c.Notifier.RetryBase},
			struct{ path, raw string }{"notifier.retry_max_delay", c.Notifier.RetryMaxDelay},
			struct{ path, raw string }{"notifier.dedup_window", c.Notifier.DedupWindow},
		)
	}
	if c.Storage != nil {
		durations = append(durations, struct{ path, raw string }{"storage.busy_timeout", c.Storage.BusyTimeout})
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			errs = append(errs, err)
		}
	}

	if c.HeartbeatEnabled() {
		if _, err := schedule.Parse(c.HeartbeatSpec()); err != nil {
			errs = append(errs, fmt.Errorf("heartbeat.every: %w", err))
		}
	}

	switch c.StorageDriver() {
	case "", "file", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q (want file, sqlite or none)", c.Storage.Driver))
	}
	if c.Discord != nil {
		if strings.TrimSpace(c.Discord.WebhookID) == "" || strings.TrimSpace(c.Discord.WebhookToken) == "" {
			errs = append(errs, errors.New("discord: webhook_id and webhook_token are both required"))
		}
	}
	return errors.Join(errs...)
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func strOr(s, def string) string {
	if s = strings.TrimSpace(s); s != "" {
		return s
	}
	return def
}
