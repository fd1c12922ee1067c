package vrchat

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Options{BaseURL: srv.URL + "/api/1", UserAgent: "test-agent/1.0", Timeout: 2 * time.Second, HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestFetchOK(t *testing.T) {
	t.Parallel()

	var (
		mu                                   sync.Mutex
		gotPath, gotUA, gotAccept, gotCookie string
	)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotPath = r.URL.EscapedPath()
		gotUA = r.Header.Get("User-Agent")
		gotAccept = r.Header.Get("Accept")
		if ck, err := r.Cookie("auth"); err == nil {
			gotCookie = ck.Value
		}
		_, _ = w.Write([]byte(`{"displayName":"Alice","state":"online","status":"join me","bio":"ignored"}`))
	})

	snap, err := c.Fetch(context.Background(), "usr_a b", map[string]string{"auth": "authcookie_1"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if snap != (Snapshot{DisplayName: "Alice", State: "online", Status: "join me"}) {
		t.Fatalf("snapshot = %+v", snap)
	}
	if !snap.Online() {
		t.Fatal("expected online")
	}
	if gotPath != "/api/1/users/usr_a%20b" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotUA != "test-agent/1.0" || gotAccept != "application/json" {
		t.Fatalf("headers: ua=%q accept=%q", gotUA, gotAccept)
	}
	if gotCookie != "authcookie_1" {
		t.Fatalf("cookie = %q", gotCookie)
	}
}

func TestFetchDefaults(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	snap, err := c.Fetch(context.Background(), "usr_1", nil)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if snap.State != StateUnknown || snap.DisplayName != "" || snap.Status != "" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestFetchAuthRejected(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(strings.Repeat("x", 5000)))
	})
	_, err := c.Fetch(context.Background(), "usr_1", map[string]string{"auth": "a"})
	if !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("expected ErrAuthRejected, got %v", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Code != 403 {
		t.Fatalf("expected *StatusError 403, got %v", err)
	}
	if len(se.Body) != maxErrorBody+3 || !strings.HasSuffix(se.Body, "...") {
		t.Fatalf("body snippet len = %d", len(se.Body))
	}
}

func TestErrorSnippetIsValidUTF8(t *testing.T) {
	t.Parallel()

	// the 2-byte rune straddles the cut
	body := strings.Repeat("x", maxErrorBody-1) + "é" + "tail"
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(body))
	})
	_, err := c.Fetch(context.Background(), "usr_1", nil)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StatusError, got %v", err)
	}
	if !utf8.ValidString(se.Body) {
		t.Fatalf("snippet is not valid UTF-8: %q", se.Body[len(se.Body)-8:])
	}
	if se.Body != strings.Repeat("x", maxErrorBody-1)+"..." {
		t.Fatalf("snippet len = %d", len(se.Body))
	}
}

func TestFetchOtherStatus(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
	})
	_, err := c.Fetch(context.Background(), "usr_1", nil)
	if errors.Is(err, ErrAuthRejected) {
		t.Fatal("503 must not look like an auth rejection")
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Code != 503 || se.Body != "down for maintenance" {
		t.Fatalf("unexpected error %#v", err)
	}
}

func TestFetchMalformed(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>cloudflare</html>`))
	})
	_, err := c.Fetch(context.Background(), "usr_1", nil)
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
}

func TestFetchTransportError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	c, err := New(Options{BaseURL: url, Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Fetch(context.Background(), "usr_1", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	var se *StatusError
	if errors.As(err, &se) {
		t.Fatalf("transport failure reported as status: %v", err)
	}
}

func TestNoCookiesKeptBetweenCalls(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		cookies []string
	)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		http.SetCookie(w, &http.Cookie{Name: "server_set", Value: "1", Path: "/"})
		cookies = append(cookies, r.Header.Get("Cookie"))
		_, _ = w.Write([]byte(`{"state":"offline"}`))
	})
	if _, err := c.Fetch(context.Background(), "usr_1", map[string]string{"auth": "a"}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Fetch(context.Background(), "usr_1", nil); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(cookies) != 2 || cookies[0] != "auth=a" || cookies[1] != "" {
		t.Fatalf("cookies = %q", cookies)
	}
}

func TestNewRejectsBadBaseURL(t *testing.T) {
	t.Parallel()

	if _, err := New(Options{BaseURL: "not a url"}); err == nil {
		t.Fatal("expected error")
	}
}
