// Package vrchat is a minimal client for the VRChat web API user endpoint.
package vrchat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/net/http2"
	"golang.org/x/net/publicsuffix"
)

const (
	DefaultBaseURL = "https://api.vrchat.cloud/api/1"

	// DefaultUserAgent is a browser string plus bot identification.
	// VRChat answers 403 to requests without an app name and contact.
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/140.0.0.0 Safari/537.36 (vrcbot/1.0 https://github.com/k0rnepl0d/vrchat-notifying-telegram)"

	StateOnline  = "online"
	StateUnknown = "unknown"

	maxErrorBody = 1000
	maxBody      = 1 << 20
)

var (
	// ErrAuthRejected matches a 403 response: the cookies are stale or the User-Agent was refused.
	ErrAuthRejected      = errors.New("vrchat: authentication rejected")
	ErrMalformedResponse = errors.New("vrchat: malformed response")
)

// Snapshot is the part of the user object the bot cares about.
type Snapshot struct {
	DisplayName string `json:"displayName"`
	State       string `json:"state"`
	Status      string `json:"status"`
}

func (s Snapshot) Online() bool { return s.State == StateOnline }

// StatusError is a non-200 answer. Body is capped.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("vrchat: HTTP %d", e.Code)
	}
	return fmt.Sprintf("vrchat: HTTP %d: %s", e.Code, e.Body)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrAuthRejected && e.Code == http.StatusForbidden
}

type Options struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
	// HTTPClient overrides the transport (tests). Its Jar is ignored.
	HTTPClient *http.Client
}

// Client issues exactly one GET per Fetch. It keeps no cookies between calls.
type Client struct {
	base *url.URL
	ua   string
	http *http.Client
}

func New(opt Options) (*Client, error) {
	raw := strings.TrimRight(strings.TrimSpace(opt.BaseURL), "/")
	if raw == "" {
		raw = DefaultBaseURL
	}
	base, err := url.Parse(raw)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("vrchat: invalid base url %q", opt.BaseURL)
	}
	ua := strings.TrimSpace(opt.UserAgent)
	if ua == "" {
		ua = DefaultUserAgent
	}
	timeout := opt.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	hc := opt.HTTPClient
	if hc == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		if _, err := http2.ConfigureTransports(tr); err != nil {
			return nil, fmt.Errorf("vrchat: configure http2: %w", err)
		}
		hc = &http.Client{Transport: tr}
	}
	cp := *hc
	cp.Timeout = timeout
	cp.Jar = nil
	return &Client{base: base, ua: ua, http: &cp}, nil
}

// UserURL is the endpoint Fetch calls for identity.
func (c *Client) UserURL(identity string) string {
	u := *c.base
	prefix := strings.TrimRight(u.EscapedPath(), "/") + "/users/"
	u.Path = strings.TrimRight(u.Path, "/") + "/users/" + identity
	u.RawPath = prefix + url.PathEscape(identity)
	return u.String()
}

// Fetch returns the user's current presence.
//
// Errors: *StatusError for non-200 answers (errors.Is(err, ErrAuthRejected) on 403),
// ErrMalformedResponse when the body is not a user object, or the transport error.
func (c *Client) Fetch(ctx context.Context, identity string, creds map[string]string) (Snapshot, error) {
	if strings.TrimSpace(identity) == "" {
		return Snapshot{}, errors.New("vrchat: empty user id")
	}
	endpoint := c.UserURL(identity)

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return Snapshot{}, err
	}
	if len(creds) > 0 {
		cookies := make([]*http.Cookie, 0, len(creds))
		for k, v := range creds {
			cookies = append(cookies, &http.Cookie{Name: k, Value: v})
		}
		jar.SetCookies(c.base, cookies)
	}
	hc := *c.http
	hc.Jar = jar

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Snapshot{}, err
	}
	req.Header.Set("User-Agent", c.ua)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := hc.Do(req)
	if err != nil {
		return Snapshot{}, fmt.Errorf("vrchat: get user: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Snapshot{}, &StatusError{Code: resp.StatusCode, Body: readSnippet(resp.Body, maxErrorBody)}
	}

	var raw struct {
		DisplayName *string `json:"displayName"`
		State       *string `json:"state"`
		Status      *string `json:"status"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&raw); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	snap := Snapshot{State: StateUnknown}
	if raw.DisplayName != nil {
		snap.DisplayName = *raw.DisplayName
	}
	if raw.State != nil && *raw.State != "" {
		snap.State = *raw.State
	}
	if raw.Status != nil {
		snap.Status = *raw.Status
	}
	return snap, nil
}

// readSnippet reads at most n bytes of r as valid UTF-8. A cut never splits a rune.
func readSnippet(r io.Reader, n int) string {
	b, _ := io.ReadAll(io.LimitReader(r, int64(n)+1))
	if len(b) <= n {
		return strings.TrimSpace(strings.ToValidUTF8(string(b), ""))
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(b[cut]) {
		cut--
	}
	return strings.TrimSpace(strings.ToValidUTF8(string(b[:cut]), "")) + "..."
}
