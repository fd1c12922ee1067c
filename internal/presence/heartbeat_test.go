package presence

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/k0rnepl0d/vrchat-notifying-telegram/internal/schedule"
	"github.com/k0rnepl0d/vrchat-notifying-telegram/internal/vrchat"
	logx "github.com/k0rnepl0d/vrchat-notifying-telegram/pkg/logx"
)

func TestHeartbeatMessage(t *testing.T) {
	t.Parallel()

	hb := NewHeartbeat(HeartbeatConfig{Notify: true}, chat, &fakeNotifier{}, logx.Nop())
	start := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	hb.started = start
	hb.now = func() time.Time { return start.Add(90*time.Minute + 5*time.Second) }

	want := "Heartbeat: bot is alive, presence polling is running. uptime 1 hour 30 minutes (2024-03-01 09:30:05)"
	if got := hb.Message(); got != want {
		t.Fatalf("message:\n got  %q\n want %q", got, want)
	}
}

func TestHeartbeatFailingNotifierKeepsRunning(t *testing.T) {
	t.Parallel()

	logs, log := newLogger()
	n := &fakeNotifier{err: errors.New("telegram: too many requests")}
	hb := NewHeartbeat(HeartbeatConfig{Schedule: schedule.Every(10 * time.Millisecond), Notify: true}, chat, n, log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hb.Run(ctx) }()

	waitFor(t, func() bool { return len(n.Texts()) >= 4 })
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat did not stop")
	}

	sent := len(n.Texts())
	if warns := logs.Count(t, "warn", "heartbeat delivery failed"); warns != sent {
		t.Fatalf("each failure must be logged: %d sends, %d warnings", sent, warns)
	}
	for _, txt := range n.Texts() {
		if !strings.HasPrefix(txt, "Heartbeat: bot is alive") {
			t.Fatalf("unexpected text %q", txt)
		}
	}
}

func TestHeartbeatWithoutTargetOnlyLogs(t *testing.T) {
	t.Parallel()

	logs, log := newLogger()
	n := &fakeNotifier{}
	hb := NewHeartbeat(HeartbeatConfig{Notify: true}, fakeTargets{}, n, log)
	hb.Beat(context.Background())
	if len(n.Texts()) != 0 {
		t.Fatal("notifier called without target")
	}
	if logs.Count(t, "info", "Heartbeat: bot is alive") != 1 {
		t.Fatal("heartbeat must always be logged")
	}
	if logs.Count(t, "info", "no notification chat configured") != 1 {
		t.Fatal("skipped send must be visible at info")
	}
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"abcdef", 3, "abc..."},
		{"abé", 3, "ab..."},
		{"日本語", 4, "日..."},
	}
	for _, tc := range cases {
		if got := truncate(tc.in, tc.n); got != tc.want {
			t.Fatalf("truncate(%q, %d) = %q, want %q", tc.in, tc.n, got, tc.want)
		}
	}
}

func TestHeartbeatNotifyDisabled(t *testing.T) {
	t.Parallel()

	n := &fakeNotifier{}
	hb := NewHeartbeat(HeartbeatConfig{Notify: false}, chat, n, logx.Nop())
	hb.Beat(context.Background())
	if len(n.Texts()) != 0 {
		t.Fatal("notify=false must only log")
	}
	if hb.config().Schedule.Every != 30*time.Minute {
		t.Fatalf("default schedule = %v", hb.config().Schedule)
	}
}

func TestCheckNow(t *testing.T) {
	t.Parallel()

	t.Run("no user id", func(t *testing.T) {
		t.Parallel()
		fetch := &fakeFetcher{}
		c := NewChecker(&fakeCreds{creds: map[string]string{"auth": "a"}}, fetch, nil, logx.Nop())
		if got := c.CheckNow(context.Background()); got != MsgNoUserID {
			t.Fatalf("got %q", got)
		}
		if fetch.Calls() != 0 {
			t.Fatal("no network call expected")
		}
	})

	t.Run("no cookies", func(t *testing.T) {
		t.Parallel()
		fetch := &fakeFetcher{}
		c := NewChecker(&fakeCreds{id: "usr_1"}, fetch, nil, logx.Nop())
		if got := c.CheckNow(context.Background()); got != MsgNoCookies {
			t.Fatalf("got %q", got)
		}
		if fetch.Calls() != 0 {
			t.Fatal("no network call expected")
		}
	})

	creds := &fakeCreds{id: "usr_1", creds: map[string]string{"auth": "a"}}

	t.Run("success", func(t *testing.T) {
		t.Parallel()
		reg := &Register{}
		reg.CompareAndSet("offline")
		c := NewChecker(creds, &fakeFetcher{results: []fetchResult{ok("online", "Alice", "busy")}}, reg, logx.Nop())
		got := c.CheckNow(context.Background())
		if !strings.HasPrefix(got, "User Alice (usr_1): state=online, status=busy") || !strings.Contains(got, "offline") {
			t.Fatalf("got %q", got)
		}
		if reg.Read().Value != "offline" {
			t.Fatal("CheckNow must not update the register")
		}
	})

	t.Run("api error", func(t *testing.T) {
		t.Parallel()
		c := NewChecker(creds, &fakeFetcher{results: []fetchResult{forbidden()}}, nil, logx.Nop())
		if got := c.CheckNow(context.Background()); got != "VRChat API error 403: Missing Credentials" {
			t.Fatalf("got %q", got)
		}
	})

	t.Run("transport error", func(t *testing.T) {
		t.Parallel()
		c := NewChecker(creds, &fakeFetcher{results: []fetchResult{{err: errors.New("timeout")}}}, nil, logx.Nop())
		if got := c.CheckNow(context.Background()); got != "VRChat API request failed: timeout" {
			t.Fatalf("got %q", got)
		}
	})

	t.Run("malformed", func(t *testing.T) {
		t.Parallel()
		c := NewChecker(creds, &fakeFetcher{results: []fetchResult{{err: vrchat.ErrMalformedResponse}}}, nil, logx.Nop())
		if got := c.CheckNow(context.Background()); !strings.HasPrefix(got, "VRChat API request failed:") {
			t.Fatalf("got %q", got)
		}
	})
}
