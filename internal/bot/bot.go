// Package bot implements the operator commands: tracked user and chat
// configuration, cookie ingestion (inline, multi-message and file upload),
// on-demand status checks and presence history.
package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hako/durafmt"

	"github.com/k0rnepl0d/vrchat-notifying-telegram/internal/credstore"
	"github.com/k0rnepl0d/vrchat-notifying-telegram/internal/presence"
	"github.com/k0rnepl0d/vrchat-notifying-telegram/internal/storage"
	"github.com/k0rnepl0d/vrchat-notifying-telegram/internal/transport/telegram/router"
	logx "github.com/k0rnepl0d/vrchat-notifying-telegram/pkg/logx"
)

// MaxCookieFile is the largest document accepted as a cookies file.
const MaxCookieFile = 1 << 20

type Checker interface {
	CheckNow(ctx context.Context) string
}

// PollerView is the part of the poller the commands touch.
type PollerView interface {
	Poke()
	Phase() presence.Phase
	LastPoll() time.Time
}

type Downloader interface {
	Download(ctx context.Context, fileID string) (io.ReadCloser, error)
}

type Deps struct {
	Creds      *credstore.Store
	Checker    Checker
	Poller     PollerView
	Downloader Downloader
	// History is optional; /history reports it disabled when nil.
	History storage.Store
	Log     logx.Logger
}

type Bot struct {
	creds    *credstore.Store
	checker  Checker
	poller   PollerView
	dl       Downloader
	history  storage.Store
	sessions *Sessions
	log      logx.Logger
}

func New(d Deps) *Bot {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	return &Bot{
		creds:    d.Creds,
		checker:  d.Checker,
		poller:   d.Poller,
		dl:       d.Downloader,
		history:  d.History,
		sessions: NewSessions(SessionTTL),
		log:      d.Log.With(logx.String("comp", "bot")),
	}
}

func (b *Bot) Sessions() *Sessions { return b.sessions }

// Redacted lists commands whose arguments must not be written to the audit log.
func Redacted() []string { return []string{"upload_cookies"} }

func (b *Bot) Commands() []router.Command {
	return []router.Command{
		{Name: "set_user_id", Usage: "/set_user_id <id>", Description: "set the tracked VRChat user", Access: router.AccessOwnerOnly, Handle: b.cmdSetUserID},
		{Name: "set_chat_id", Usage: "/set_chat_id <id>", Description: "set the notification chat (used when none is configured)", Access: router.AccessOwnerOnly, Handle: b.cmdSetChatID},
		{Name: "start_cookies", Description: "start pasting cookies over several messages", Access: router.AccessOwnerOnly, Handle: b.cmdStartCookies},
		{Name: "end_cookies", Description: "finish pasting and save the cookies", Access: router.AccessOwnerOnly, Handle: b.cmdEndCookies},
		{Name: "upload_cookies", Usage: "/upload_cookies <json|k=v; k2=v2>", Description: "save cookies from one message (or send a cookies file)", Access: router.AccessOwnerOnly, Handle: b.cmdUploadCookies},
		{Name: "status", Description: "check the tracked user now", Timeout: 30 * time.Second, Handle: b.cmdStatus},
		{Name: "show_config", Description: "show file locations and current settings", Access: router.AccessOwnerOnly, Handle: b.cmdShowConfig},
		{Name: "history", Usage: "/history [n]", Description: "recent presence changes", Handle: b.cmdHistory},
	}
}

func (b *Bot) cmdSetUserID(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 1 {
		return req.Reply(ctx, "Usage: /set_user_id <user_id>")
	}
	if err := b.creds.SetTrackedIdentity(req.Args[0]); err != nil {
		_ = req.Reply(ctx, "Error: "+err.Error())
		return err
	}
	b.poller.Poke()
	return req.Reply(ctx, "User ID saved: "+req.Args[0])
}

func (b *Bot) cmdSetChatID(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 1 {
		return req.Reply(ctx, "Usage: /set_chat_id <chat_id>")
	}
	id, err := strconv.ParseInt(req.Args[0], 10, 64)
	if err != nil {
		_ = req.Reply(ctx, "Error: chat id must be an integer")
		return fmt.Errorf("set_chat_id: %w", err)
	}
	if err := b.creds.SetChatID(id); err != nil {
		_ = req.Reply(ctx, "Error: "+err.Error())
		return err
	}
	msg := fmt.Sprintf("chat_id saved to %s: %d", filepath.Base(b.creds.Paths().ChatID), id)
	if tgt, ok := b.creds.ResolveTarget(); ok && tgt.ChatID != id {
		msg += fmt.Sprintf("\nNote: the configured chat %d still takes precedence.", tgt.ChatID)
	}
	return req.Reply(ctx, msg)
}

func (b *Bot) cmdStartCookies(ctx context.Context, req *router.Request) error {
	by := req.FromUsername
	if by == "" {
		by = strconv.FormatInt(req.FromID, 10)
	}
	b.sessions.Start(req.Chat.ChatID, by)
	req.Logger.Info("cookie collection started", logx.String("by", by))
	return req.Reply(ctx, "Cookie collection is on. Send the cookies in as many messages as you need, then /end_cookies.")
}

func (b *Bot) cmdEndCookies(ctx context.Context, req *router.Request) error {
	raw, ok := b.sessions.End(req.Chat.ChatID)
	if !ok {
		return req.Reply(ctx, "Cookie collection was not started. Use /start_cookies")
	}
	return b.saveCookies(ctx, req, raw, "Cookies saved (%d cookies).")
}

func (b *Bot) cmdUploadCookies(ctx context.Context, req *router.Request) error {
	if strings.TrimSpace(req.ArgText) == "" {
		return req.Reply(ctx, "Usage: /upload_cookies <json_or_cookie_string>")
	}
	return b.saveCookies(ctx, req, req.ArgText, "Cookies saved (%d items).")
}

func (b *Bot) saveCookies(ctx context.Context, req *router.Request, raw, okFmt string) error {
	n, err := b.creds.SaveCookies(raw)
	if err != nil {
		_ = req.Reply(ctx, "Could not parse cookies: "+err.Error())
		return err
	}
	req.Logger.Info("cookies replaced", logx.Int("count", n))
	b.poller.Poke()
	return req.Reply(ctx, fmt.Sprintf(okFmt, n))
}

func (b *Bot) cmdStatus(ctx context.Context, req *router.Request) error {
	text := b.checker.CheckNow(ctx)
	text += "\nPoller: " + b.poller.Phase().String()
	if last := b.poller.LastPoll(); !last.IsZero() {
		text += ", last poll " + durafmt.Parse(time.Since(last).Round(time.Second)).LimitFirstN(2).String() + " ago"
	}
	return req.Reply(ctx, text)
}

func (b *Bot) cmdShowConfig(ctx context.Context, req *router.Request) error {
	p := b.creds.Paths()
	chat := "not set"
	if tgt, ok := b.creds.ResolveTarget(); ok {
		chat = strconv.FormatInt(tgt.ChatID, 10)
	}
	uid, ok := b.creds.TrackedIdentity()
	if !ok {
		uid = "not set"
	}
	return req.Reply(ctx, fmt.Sprintf("Files:\n cookies -> %s\n user_id -> %s\n chat_id -> %s\n tracked user_id -> %s",
		abs(p.Cookies), abs(p.UserID), chat, uid))
}

func (b *Bot) cmdHistory(ctx context.Context, req *router.Request) error {
	if b.history == nil {
		return req.Reply(ctx, "History is disabled (storage.driver is not set).")
	}
	n := 10
	if len(req.Args) > 0 {
		v, err := strconv.Atoi(req.Args[0])
		if err != nil || v <= 0 {
			return req.Reply(ctx, "Usage: /history [n]")
		}
		n = min(v, 50)
	}
	list, err := b.history.RecentTransitions(ctx, n)
	if err != nil {
		_ = req.Reply(ctx, "Could not read history: "+err.Error())
		return err
	}
	if len(list) == 0 {
		return req.Reply(ctx, "No presence changes recorded yet.")
	}
	var sb strings.Builder
	for _, t := range list {
		from := t.From
		if from == "" {
			from = "<none>"
		}
		fmt.Fprintf(&sb, "%s  %s: %s -> %s", t.At.Local().Format("2006-01-02 15:04"), t.DisplayName, from, t.To)
		if t.Status != "" {
			sb.WriteString(" (" + t.Status + ")")
		}
		sb.WriteString("\n")
	}
	return req.Reply(ctx, strings.TrimRight(sb.String(), "\n"))
}

// HandleMessage is the router fallback: it feeds an open cookie collection and
// accepts cookie files. Other text is ignored.
func (b *Bot) HandleMessage(ctx context.Context, req *router.Request) error {
	msg := req.Message()
	if msg == nil {
		return nil
	}
	if msg.Document != nil {
		return b.handleDocument(ctx, req)
	}
	if req.Owner && b.sessions.Active(req.Chat.ChatID) {
		if _, ok := b.sessions.Append(req.Chat.ChatID, msg.Text); !ok {
			b.sessions.End(req.Chat.ChatID)
			return req.Reply(ctx, "Cookie collection aborted: too much data. Start again with /start_cookies")
		}
		return req.Reply(ctx, "Got a cookie chunk. Keep going or send /end_cookies to finish.")
	}
	if strings.HasPrefix(strings.TrimSpace(msg.Text), "/") {
		return req.Reply(ctx, "unknown command, try /help")
	}
	return nil
}

func (b *Bot) handleDocument(ctx context.Context, req *router.Request) error {
	doc := req.Message().Document
	if !req.Owner {
		return nil
	}
	if doc.Size > MaxCookieFile {
		return req.Reply(ctx, fmt.Sprintf("File is too large (%d bytes); cookies files are expected to be small.", doc.Size))
	}
	rc, err := b.dl.Download(ctx, doc.FileID)
	if err != nil {
		_ = req.Reply(ctx, "Could not download the file from Telegram.")
		return fmt.Errorf("download %s: %w", doc.FileID, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, MaxCookieFile+1))
	if err != nil {
		_ = req.Reply(ctx, "Could not download the file from Telegram.")
		return err
	}
	if len(data) > MaxCookieFile {
		return req.Reply(ctx, "File is too large; cookies files are expected to be small.")
	}
	n, err := b.creds.SaveCookies(string(data))
	if err != nil {
		_ = req.Reply(ctx, "Could not recognise the file format: "+err.Error())
		if errors.Is(err, credstore.ErrUnrecognizedCookies) {
			return nil
		}
		return err
	}
	req.Logger.Info("cookies replaced from file", logx.String("file", doc.FileName), logx.Int("count", n))
	b.poller.Poke()
	return req.Reply(ctx, fmt.Sprintf("Cookies file saved (%d items).", n))
}

func abs(p string) string {
	if a, err := filepath.Abs(p); err == nil {
		return a
	}
	return p
}
