package presence

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/k0rnepl0d/vrchat-notifying-telegram/internal/transport"
	"github.com/k0rnepl0d/vrchat-notifying-telegram/internal/vrchat"
	logx "github.com/k0rnepl0d/vrchat-notifying-telegram/pkg/logx"
)

type fakeCreds struct {
	mu    sync.Mutex
	id    string
	creds map[string]string
	err   error
}

func (f *fakeCreds) Credentials() (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.creds))
	for k, v := range f.creds {
		out[k] = v
	}
	return out, f.err
}

func (f *fakeCreds) TrackedIdentity() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.id, f.id != ""
}

func (f *fakeCreds) setCookies(m map[string]string) {
	f.mu.Lock()
	f.creds = m
	f.mu.Unlock()
}

func (f *fakeCreds) setID(id string) {
	f.mu.Lock()
	f.id = id
	f.mu.Unlock()
}

type fakeTargets struct {
	target transport.ChatTarget
	ok     bool
}

func (f fakeTargets) ResolveTarget() (transport.ChatTarget, bool) { return f.target, f.ok }

type fetchResult struct {
	snap vrchat.Snapshot
	err  error
}

// fakeFetcher replays results in order and repeats the last one.
type fakeFetcher struct {
	mu      sync.Mutex
	results []fetchResult
	calls   int
}

func (f *fakeFetcher) Fetch(_ context.Context, _ string, _ map[string]string) (vrchat.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.results) == 0 {
		return vrchat.Snapshot{}, nil
	}
	i := f.calls - 1
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	return f.results[i].snap, f.results[i].err
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []transport.Notification
	err  error
}

func (f *fakeNotifier) Notify(_ context.Context, n transport.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	return f.err
}

func (f *fakeNotifier) Texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, n := range f.sent {
		out = append(out, n.Text)
	}
	return out
}

// logSink collects JSON log lines.
type logSink struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *logSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

type logLine struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

func (s *logSink) Lines(t *testing.T) []logLine {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []logLine
	for _, raw := range strings.Split(strings.TrimSpace(s.buf.String()), "\n") {
		if raw == "" {
			continue
		}
		var l logLine
		if err := json.Unmarshal([]byte(raw), &l); err != nil {
			t.Fatalf("bad log line %q: %v", raw, err)
		}
		out = append(out, l)
	}
	return out
}

func (s *logSink) Count(t *testing.T, level, substr string) int {
	t.Helper()
	n := 0
	for _, l := range s.Lines(t) {
		if l.Level == level && strings.Contains(l.Message, substr) {
			n++
		}
	}
	return n
}

func newLogger() (*logSink, logx.Logger) {
	s := &logSink{}
	return s, logx.NewJSON(s, "debug")
}
