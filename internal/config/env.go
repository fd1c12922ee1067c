package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// LookupEnv matches os.LookupEnv. Tests inject a map-backed one.
type LookupEnv func(key string) (string, bool)

// ApplyEnv overlays environment variables on top of cfg. Environment always wins.
//
// Interval variables are integer seconds, the way the bot has always been deployed.
func ApplyEnv(cfg *Config, lookup LookupEnv) error {
	if cfg == nil {
		return nil
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(k string) (string, bool) {
		v, ok := lookup(k)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get("TG_TOKEN"); ok {
		cfg.Telegram.Token = v
	}
	if v, ok := get("TG_CHAT_ID"); ok {
		cfg.Telegram.ChatID = v
	}
	if v, ok := get("POLL_INTERVAL"); ok {
		d, err := secondsToDuration("POLL_INTERVAL", v)
		if err != nil {
			return err
		}
		cfg.Presence.PollInterval = d
	}
	if v, ok := get("PING_INTERVAL"); ok {
		d, err := secondsToDuration("PING_INTERVAL", v)
		if err != nil {
			return err
		}
		cfg.Heartbeat.Every = d
	}
	if v, ok := get("COOKIES_FILE"); ok {
		cfg.Files.Cookies = v
	}
	if v, ok := get("USER_ID_FILE"); ok {
		cfg.Files.UserID = v
	}
	if v, ok := get("CHAT_ID_FILE"); ok {
		cfg.Files.ChatID = v
	}
	if v, ok := get("VRCHAT_USER_AGENT"); ok {
		cfg.VRChat.UserAgent = v
	}
	if v, ok := get("NOTIFY_FIRST"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("NOTIFY_FIRST: invalid bool %q", v)
		}
		cfg.Presence.NotifyFirstObservation = b
	}
	if v, ok := get("LOG_LEVEL"); ok {
		cfg.Logging.Level = v
	}
	if v, ok := get("OWNER_USER_IDS"); ok {
		ids, err := parseIDList(v)
		if err != nil {
			return fmt.Errorf("OWNER_USER_IDS: %w", err)
		}
		cfg.Telegram.OwnerUserIDs = ids
	}
	return nil
}

func secondsToDuration(name, v string) (string, error) {
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return "", fmt.Errorf("%s: expected positive integer seconds, got %q", name, v)
	}
	return strconv.Itoa(n) + "s", nil
}

func parseIDList(s string) ([]int64, error) {
	var out []int64
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == ';' }) {
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid user id %q", part)
		}
		out = append(out, id)
	}
	return out, nil
}
