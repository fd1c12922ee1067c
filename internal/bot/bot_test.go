package bot

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/k0rnepl0d/vrchat-notifying-telegram/internal/credstore"
	"github.com/k0rnepl0d/vrchat-notifying-telegram/internal/presence"
	"github.com/k0rnepl0d/vrchat-notifying-telegram/internal/storage"
	"github.com/k0rnepl0d/vrchat-notifying-telegram/internal/transport"
	"github.com/k0rnepl0d/vrchat-notifying-telegram/internal/transport/telegram/router"
	logx "github.com/k0rnepl0d/vrchat-notifying-telegram/pkg/logx"
)

type sink struct {
	mu    sync.Mutex
	texts []string
}

func (s *sink) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	s.mu.Lock()
	s.texts = append(s.texts, text)
	s.mu.Unlock()
	return transport.MessageRef{ChatID: to.ChatID}, nil
}

func (s *sink) last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.texts) == 0 {
		return ""
	}
	return s.texts[len(s.texts)-1]
}

type fakePoller struct {
	mu    sync.Mutex
	pokes int
}

func (p *fakePoller) Poke()                 { p.mu.Lock(); p.pokes++; p.mu.Unlock() }
func (p *fakePoller) Phase() presence.Phase { return presence.PhasePolling }
func (p *fakePoller) LastPoll() time.Time   { return time.Now().Add(-90 * time.Second) }
func (p *fakePoller) count() int            { p.mu.Lock(); defer p.mu.Unlock(); return p.pokes }

type fakeChecker string

func (c fakeChecker) CheckNow(context.Context) string { return string(c) }

type fakeDownloader map[string]string

func (d fakeDownloader) Download(_ context.Context, id string) (io.ReadCloser, error) {
	v, ok := d[id]
	if !ok {
		return nil, errors.New("file not found")
	}
	return io.NopCloser(strings.NewReader(v)), nil
}

type harness struct {
	bot    *Bot
	router *router.Router
	out    *sink
	creds  *credstore.Store
	poller *fakePoller
}

func newHarness(t *testing.T, history storage.Store, owners ...int64) *harness {
	t.Helper()
	dir := t.TempDir()
	creds := credstore.New(credstore.Paths{
		Cookies: filepath.Join(dir, "cookies.json"),
		UserID:  filepath.Join(dir, "user_id.txt"),
		ChatID:  filepath.Join(dir, "chat_id.txt"),
	}, 0)
	p := &fakePoller{}
	b := New(Deps{
		Creds:      creds,
		Checker:    fakeChecker("User Bob (usr_1): state=online, status=busy"),
		Poller:     p,
		Downloader: fakeDownloader{"f1": `{"auth":"authcookie_x","twoFactorAuth":"tfa"}`, "bad": "???"},
		History:    history,
		Log:        logx.Nop(),
	})
	out := &sink{}
	r := router.New(logx.Nop(), out, owners)
	r.SetCommands(b.Commands())
	r.SetFallback(b.HandleMessage)
	return &harness{bot: b, router: r, out: out, creds: creds, poller: p}
}

func (h *harness) say(from int64, text string) string {
	h.router.Route(context.Background(), transport.Update{Kind: transport.UpdateMessage, Message: &transport.Message{ChatID: 100, FromID: from, Text: text}})
	return h.out.last()
}

func TestSetUserIDAndShowConfig(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	if got := h.say(1, "/set_user_id"); !strings.HasPrefix(got, "Usage:") {
		t.Fatalf("no arg reply = %q", got)
	}
	if got := h.say(1, "/set_user_id usr_abc"); got != "User ID saved: usr_abc" {
		t.Fatalf("reply = %q", got)
	}
	if id, ok := h.creds.TrackedIdentity(); !ok || id != "usr_abc" {
		t.Fatalf("stored = %q %v", id, ok)
	}
	if h.poller.count() != 1 {
		t.Fatal("poller not poked after user id change")
	}

	if got := h.say(1, "/set_chat_id abc"); !strings.Contains(got, "integer") {
		t.Fatalf("bad chat id reply = %q", got)
	}
	h.say(1, "/set_chat_id -1001234")
	got := h.say(1, "/show_config")
	if !strings.Contains(got, "chat_id -> -1001234") || !strings.Contains(got, "tracked user_id -> usr_abc") {
		t.Fatalf("show_config = %q", got)
	}
}

func TestMultiMessageCookies(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	if got := h.say(1, "/end_cookies"); !strings.Contains(got, "not started") {
		t.Fatalf("end without start = %q", got)
	}
	h.say(1, "/start_cookies")
	if got := h.say(1, `[{"name":"auth","value":"authcookie_`); !strings.HasPrefix(got, "Got a cookie chunk") {
		t.Fatalf("chunk reply = %q", got)
	}
	h.say(1, `123"},{"name":"twoFactorAuth","value":"t"}]`)
	if got := h.say(1, "/end_cookies"); got != "Cookies saved (2 cookies)." {
		t.Fatalf("end reply = %q", got)
	}
	creds, err := h.creds.Credentials()
	if err != nil || creds["auth"] != "authcookie_123" || creds["twoFactorAuth"] != "t" {
		t.Fatalf("creds = %v %v", creds, err)
	}
	if h.bot.Sessions().Active(100) {
		t.Fatal("session still open")
	}

	// plain text outside a session is ignored
	before := h.out.last()
	h.say(1, "hello there")
	if h.out.last() != before {
		t.Fatal("idle text should not be answered")
	}
}

func TestUploadCookiesInlineAndFile(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	if got := h.say(1, "/upload_cookies auth=a1; twoFactorAuth=b2"); got != "Cookies saved (2 items)." {
		t.Fatalf("inline = %q", got)
	}
	if got := h.say(1, "/upload_cookies ;;;"); !strings.HasPrefix(got, "Could not parse cookies") {
		t.Fatalf("garbage = %q", got)
	}

	doc := func(id string) string {
		h.router.Route(context.Background(), transport.Update{Kind: transport.UpdateDocument, Message: &transport.Message{
			ChatID: 100, FromID: 1, Document: &transport.Document{FileID: id, FileName: "cookies.json", Size: 40},
		}})
		return h.out.last()
	}
	if got := doc("f1"); got != "Cookies file saved (2 items)." {
		t.Fatalf("file = %q", got)
	}
	creds, _ := h.creds.Credentials()
	if creds["auth"] != "authcookie_x" {
		t.Fatalf("creds = %v", creds)
	}
	if got := doc("missing"); !strings.Contains(got, "Could not download") {
		t.Fatalf("missing = %q", got)
	}
	if got := doc("bad"); !strings.HasPrefix(got, "Could not recognise") {
		t.Fatalf("bad = %q", got)
	}
	if h.poller.count() != 2 {
		t.Fatalf("pokes = %d", h.poller.count())
	}
}

func TestOwnersGateCommandsAndUploads(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, 1)

	if got := h.say(2, "/set_user_id usr_x"); got != "unauthorized" {
		t.Fatalf("stranger = %q", got)
	}
	if got := h.say(2, "/status"); !strings.Contains(got, "state=online") || !strings.Contains(got, "Poller: polling, last poll 1 minute") {
		t.Fatalf("status = %q", got)
	}
	h.router.Route(context.Background(), transport.Update{Kind: transport.UpdateDocument, Message: &transport.Message{
		ChatID: 100, FromID: 2, Document: &transport.Document{FileID: "f1"},
	}})
	if creds, _ := h.creds.Credentials(); len(creds) != 0 {
		t.Fatal("non-owner upload was stored")
	}
}

func TestHistory(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	if got := h.say(1, "/history"); !strings.Contains(got, "disabled") {
		t.Fatalf("disabled = %q", got)
	}

	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "vrcbot.db")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	h = newHarness(t, st)
	if got := h.say(1, "/history"); got != "No presence changes recorded yet." {
		t.Fatalf("empty = %q", got)
	}
	ctx := context.Background()
	_ = st.AppendTransition(ctx, storage.Transition{UserID: "usr_1", DisplayName: "Bob", To: "offline"})
	_ = st.AppendTransition(ctx, storage.Transition{UserID: "usr_1", DisplayName: "Bob", From: "offline", To: "online", Status: "join me"})
	got := h.say(1, "/history 5")
	lines := strings.Split(got, "\n")
	if len(lines) != 2 || !strings.HasSuffix(lines[0], "Bob: offline -> online (join me)") || !strings.HasSuffix(lines[1], "Bob: <none> -> offline") {
		t.Fatalf("history = %q", got)
	}
	if got := h.say(1, "/history x"); got != "Usage: /history [n]" {
		t.Fatalf("bad arg = %q", got)
	}
}

func TestSessionsExpire(t *testing.T) {
	t.Parallel()

	s := NewSessions(time.Minute)
	now := time.Now()
	s.now = func() time.Time { return now }
	s.Start(1, "op")
	if n, ok := s.Append(1, "a"); !ok || n != 1 {
		t.Fatalf("append = %d %v", n, ok)
	}
	now = now.Add(2 * time.Minute)
	if _, ok := s.Append(1, "b"); ok {
		t.Fatal("expired session accepted a chunk")
	}
	if _, ok := s.End(1); ok {
		t.Fatal("expired session ended with data")
	}

	s.Start(2, "op")
	s.Start(3, "op")
	now = now.Add(2 * time.Minute)
	if n := s.Sweep(); n != 2 {
		t.Fatalf("swept %d", n)
	}
}
