package notifier

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/k0rnepl0d/vrchat-notifying-telegram/internal/eventbus"
	"github.com/k0rnepl0d/vrchat-notifying-telegram/internal/storage"
	"github.com/k0rnepl0d/vrchat-notifying-telegram/internal/transport"
	logx "github.com/k0rnepl0d/vrchat-notifying-telegram/pkg/logx"
)

type recSender struct {
	mu    sync.Mutex
	fails int // fail this many calls first
	calls int
	texts []string
}

func (r *recSender) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.fails > 0 {
		r.fails--
		return transport.MessageRef{}, errors.New("telegram: 502")
	}
	r.texts = append(r.texts, text)
	return transport.MessageRef{ChatID: to.ChatID, MessageID: r.calls}, nil
}

func (r *recSender) snapshot() (int, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls, append([]string(nil), r.texts...)
}

type recMirror struct {
	mu    sync.Mutex
	texts []string
}

func (m *recMirror) Name() string { return "rec" }

func (m *recMirror) Mirror(_ context.Context, _, text string) error {
	m.mu.Lock()
	m.texts = append(m.texts, text)
	m.mu.Unlock()
	return nil
}

func (m *recMirror) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.texts)
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func note(text string) transport.Notification {
	return transport.Notification{Channel: "presence", Target: transport.ChatTarget{ChatID: 42}, Text: text}
}

func TestInlineWhenDisabled(t *testing.T) {
	t.Parallel()

	snd := &recSender{fails: 1}
	s := New(Config{Enabled: false}, snd, logx.Nop())

	if err := s.Notify(context.Background(), note("Alice is now ONLINE: busy")); err == nil {
		t.Fatal("inline send should surface the sender error")
	}
	if err := s.Notify(context.Background(), note("Alice is now OFFLINE (state=offline)")); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	calls, texts := snd.snapshot()
	if calls != 2 || len(texts) != 1 || texts[0] != "Alice is now OFFLINE (state=offline)" {
		t.Fatalf("calls=%d texts=%v", calls, texts)
	}
	if h := s.History(); len(h) != 1 || h[0].Channel != "presence" {
		t.Fatalf("history = %+v", h)
	}
}

func TestQueuedDeliveryRetriesAndMirrors(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, "notify.")
	defer unsub()

	snd := &recSender{fails: 2}
	mir := &recMirror{}
	s := New(Config{Enabled: true, RatePerSec: 100, RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond},
		snd, logx.Nop(), WithMirror(mir), WithBus(bus))
	s.Start(context.Background())

	if err := s.Notify(context.Background(), note("Alice is now ONLINE: join me")); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitUntil(t, "delivery", func() bool { _, texts := snd.snapshot(); return len(texts) == 1 })
	waitUntil(t, "mirror", func() bool { return mir.count() == 1 })

	select {
	case ev := <-events:
		if ev.Type != eventbus.TypeNotifySent {
			t.Fatalf("event = %s", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no notify.sent event")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(stopCtx)
	if err := s.Notify(context.Background(), note("late")); !errors.Is(err, ErrStopped) {
		t.Fatalf("after Stop: %v", err)
	}
}

func TestRetryExhaustedPublishesFailure(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, eventbus.TypeNotifyFailed)
	defer unsub()

	snd := &recSender{fails: 10}
	s := New(Config{Enabled: true, RatePerSec: 100, RetryMax: 1, RetryBase: time.Millisecond, RetryMaxDelay: time.Millisecond},
		snd, logx.Nop(), WithBus(bus))
	s.Start(context.Background())
	defer s.Stop(context.Background())

	_ = s.Notify(context.Background(), note("x"))
	select {
	case ev := <-events:
		if e, ok := ev.Data.(Event); !ok || e.Error == "" || e.ChatID != 42 {
			t.Fatalf("data = %#v", ev.Data)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no notify.failed event")
	}
	if calls, _ := snd.snapshot(); calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestDedupOnlyForKeyedNotifications(t *testing.T) {
	t.Parallel()

	snd := &recSender{}
	s := New(Config{Enabled: false, DedupWindow: time.Hour}, snd, logx.Nop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = s.Notify(ctx, note("Alice is now ONLINE: busy"))
	}
	keyed := transport.Notification{Channel: "ops", Target: transport.ChatTarget{ChatID: 42}, Text: "disk almost full", DedupKey: "ops:disk"}
	for i := 0; i < 3; i++ {
		_ = s.Notify(ctx, keyed)
	}
	if calls, _ := snd.snapshot(); calls != 4 {
		t.Fatalf("calls = %d, want 3 unkeyed + 1 keyed", calls)
	}
}

func TestPersistedDedupAcrossRestart(t *testing.T) {
	t.Parallel()

	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "vrcbot.db")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	keyed := transport.Notification{Channel: "ops", Target: transport.ChatTarget{ChatID: 42}, Text: "disk almost full", DedupKey: "ops:disk"}
	cfg := Config{Enabled: false, DedupWindow: time.Hour, PersistDedup: true}

	first := &recSender{}
	_ = New(cfg, first, logx.Nop(), WithStore(st)).Notify(context.Background(), keyed)

	second := &recSender{}
	_ = New(cfg, second, logx.Nop(), WithStore(st)).Notify(context.Background(), keyed)

	if c, _ := first.snapshot(); c != 1 {
		t.Fatalf("first calls = %d", c)
	}
	if c, _ := second.snapshot(); c != 0 {
		t.Fatalf("second instance should see the persisted window, calls = %d", c)
	}
}

func TestQueueFull(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, QueueSize: 1}, &recSender{}, logx.Nop())
	// not started: queue absent
	if err := s.Notify(context.Background(), note("x")); !errors.Is(err, ErrStopped) {
		t.Fatalf("unstarted: %v", err)
	}

	// a queue nobody drains
	s.mu.Lock()
	s.queue = make(chan job, 1)
	s.accepting = true
	s.mu.Unlock()
	if err := s.Notify(context.Background(), note("a")); err != nil {
		t.Fatal(err)
	}
	if err := s.Notify(context.Background(), note("b")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("second: %v", err)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()

	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		d := retryDelay(cfg, attempt)
		if d <= 0 || d > time.Second {
			t.Fatalf("attempt %d: %v", attempt, d)
		}
	}
	if d := retryDelay(cfg, 1); d < 70*time.Millisecond || d > 130*time.Millisecond {
		t.Fatalf("first delay %v outside jitter band", d)
	}
}
