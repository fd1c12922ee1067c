package config

// Config is the on-disk (json/yaml/toml) configuration after the environment overlay.
//
// All durations are Go duration strings ("10s", "5m").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	VRChat    VRChatConfig    `json:"vrchat"`
	Presence  PresenceConfig  `json:"presence"`
	Heartbeat HeartbeatConfig `json:"heartbeat"`
	Files     FilesConfig     `json:"files"`
	Logging   LoggingConfig   `json:"logging"`

	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	Discord  *DiscordConfig  `json:"discord,omitempty"`
	Debug    *DebugConfig    `json:"debug,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// ChatID is the default notification target. It wins over the chat id file.
	ChatID       string  `json:"chat_id,omitempty"`
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`
	GroupLog     string  `json:"group_log,omitempty"`
	PollTimeout  string  `json:"poll_timeout,omitempty"`
}

type VRChatConfig struct {
	BaseURL   string `json:"base_url,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	Timeout   string `json:"timeout,omitempty"`
}

type PresenceConfig struct {
	PollInterval string `json:"poll_interval,omitempty"`
	// IdleWait is the short wait used while user id or cookies are missing.
	IdleWait string `json:"idle_wait,omitempty"`
	// NotifyFirstObservation sends a notification for the first state seen after startup.
	NotifyFirstObservation bool `json:"notify_first_observation,omitempty"`
	// NotifyAuthRejected sends a one-time chat warning when VRChat answers 403.
	// Pointer so "omitted" can default to true.
	NotifyAuthRejected *bool `json:"notify_auth_rejected,omitempty"`
}

// HeartbeatConfig controls the liveness loop.
//
// Every accepts a duration ("30m"), HH:MM ("00:30") or a cron expression ("0 * * * *").
type HeartbeatConfig struct {
	Enabled *bool  `json:"enabled,omitempty"`
	Every   string `json:"every,omitempty"`
	Notify  *bool  `json:"notify,omitempty"`
}

type FilesConfig struct {
	Cookies string `json:"cookies,omitempty"`
	UserID  string `json:"user_id,omitempty"`
	ChatID  string `json:"chat_id,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// NotifierConfig controls the async notification pipeline.
// If the whole section is omitted, the notifier runs with defaults.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
//	storage: { driver: sqlite, path: ./data/vrcbot.db }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// DiscordConfig mirrors notifications into a Discord channel through a webhook.
type DiscordConfig struct {
	WebhookID    string `json:"webhook_id"`
	WebhookToken string `json:"webhook_token"`
	Username     string `json:"username,omitempty"`
}

// DebugConfig enables the local profiling and health listener.
type DebugConfig struct {
	PprofAddr  string `json:"pprof_addr,omitempty"`
	PprofToken string `json:"pprof_token,omitempty"`
}
