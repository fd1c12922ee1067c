package presence

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/k0rnepl0d/vrchat-notifying-telegram/internal/vrchat"
	logx "github.com/k0rnepl0d/vrchat-notifying-telegram/pkg/logx"
)

const (
	MsgNoUserID  = "Tracked user ID is not set. Use /set_user_id <id>"
	MsgNoCookies = "Cookies not found. Use /start_cookies ... /end_cookies, /upload_cookies or send a cookies file."
)

// Checker answers the /status command with a live fetch.
type Checker struct {
	creds CredentialSource
	fetch StatusFetcher
	reg   *Register
	log   logx.Logger
}

func NewChecker(creds CredentialSource, fetch StatusFetcher, reg *Register, log logx.Logger) *Checker {
	if log.IsZero() {
		log = logx.Nop()
	}
	if reg == nil {
		reg = &Register{}
	}
	return &Checker{creds: creds, fetch: fetch, reg: reg, log: log}
}

// CheckNow fetches the tracked user's status once and describes the outcome.
// It never fails: every error becomes part of the returned text.
// The register is not updated, so the poller still reports the change.
func (c *Checker) CheckNow(ctx context.Context) string {
	id, ok := c.creds.TrackedIdentity()
	if !ok {
		return MsgNoUserID
	}
	creds, err := c.creds.Credentials()
	if err != nil {
		c.log.Warn("cannot read cookies", logx.Err(err))
	}
	if len(creds) == 0 {
		return MsgNoCookies
	}

	snap, err := c.fetch.Fetch(ctx, id, creds)
	if err != nil {
		var se *vrchat.StatusError
		if errors.As(err, &se) {
			return fmt.Sprintf("VRChat API error %d: %s", se.Code, truncate(se.Body, 400))
		}
		return fmt.Sprintf("VRChat API request failed: %v", err)
	}

	display := snap.DisplayName
	if display == "" {
		display = "N/A"
	}
	last := c.reg.Read()
	lastText := "not observed yet"
	if last.Known {
		lastText = last.Value
	}
	return fmt.Sprintf("User %s (%s): state=%s, status=%s\nLast state seen by the poller: %s",
		display, id, snap.State, snap.Status, lastText)
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
