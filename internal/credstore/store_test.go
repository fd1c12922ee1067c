package credstore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T, defaultChat int64) *Store {
	t.Helper()
	dir := t.TempDir()
	return New(Paths{
		Cookies: filepath.Join(dir, "cookies.json"),
		UserID:  filepath.Join(dir, "user_id.txt"),
		ChatID:  filepath.Join(dir, "chat_id.txt"),
	}, defaultChat)
}

func TestParseCookies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want []Cookie
	}{
		{
			name: "json list",
			in:   `[{"name":"auth","value":"authcookie_x","domain":".vrchat.cloud"},{"name":"twoFactorAuth","value":"tfa"}]`,
			want: []Cookie{{"auth", "authcookie_x"}, {"twoFactorAuth", "tfa"}},
		},
		{
			name: "json list skips incomplete",
			in:   `[{"name":"auth","value":"a"},{"name":"nope"}]`,
			want: []Cookie{{"auth", "a"}},
		},
		{
			name: "json object",
			in:   `{"twoFactorAuth":"tfa","auth":"a"}`,
			want: []Cookie{{"auth", "a"}, {"twoFactorAuth", "tfa"}},
		},
		{
			name: "json object non-string value",
			in:   `{"n":5}`,
			want: []Cookie{{"n", "5"}},
		},
		{
			name: "header string",
			in:   "auth=a; twoFactorAuth=t=f ;junk",
			want: []Cookie{{"auth", "a"}, {"twoFactorAuth", "t=f"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseCookies(tt.in)
			if err != nil {
				t.Fatalf("ParseCookies: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("got %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestParseCookiesRejects(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "   ", "no cookies here", "[]", "{}", `"str"`, "42"} {
		if _, err := ParseCookies(in); !errors.Is(err, ErrUnrecognizedCookies) {
			t.Fatalf("ParseCookies(%q) err = %v", in, err)
		}
	}
}

func TestCredentialsRoundTrip(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, 0)
	creds, err := s.Credentials()
	if err != nil || len(creds) != 0 {
		t.Fatalf("missing file: creds=%v err=%v", creds, err)
	}

	n, err := s.SaveCookies("auth=a; twoFactorAuth=t")
	if err != nil || n != 2 {
		t.Fatalf("SaveCookies: n=%d err=%v", n, err)
	}
	creds, err = s.Credentials()
	if err != nil {
		t.Fatal(err)
	}
	if creds["auth"] != "a" || creds["twoFactorAuth"] != "t" {
		t.Fatalf("creds = %v", creds)
	}

	info, err := os.Stat(s.Paths().Cookies)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("cookies perm = %v", info.Mode().Perm())
	}
}

func TestCredentialsLegacyObjectFile(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, 0)
	if err := os.WriteFile(s.Paths().Cookies, []byte(`{"auth":"a"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	creds, err := s.Credentials()
	if err != nil || creds["auth"] != "a" {
		t.Fatalf("creds=%v err=%v", creds, err)
	}

	if err := os.WriteFile(s.Paths().Cookies, []byte(`not json`), 0o600); err != nil {
		t.Fatal(err)
	}
	creds, err = s.Credentials()
	if err == nil || len(creds) != 0 {
		t.Fatalf("corrupt file: creds=%v err=%v", creds, err)
	}
}

func TestTrackedIdentity(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, 0)
	if _, ok := s.TrackedIdentity(); ok {
		t.Fatal("expected no identity")
	}
	if err := s.SetTrackedIdentity("  usr_1234  "); err != nil {
		t.Fatal(err)
	}
	if id, ok := s.TrackedIdentity(); !ok || id != "usr_1234" {
		t.Fatalf("identity = %q %v", id, ok)
	}
	if err := s.SetTrackedIdentity("a/b"); err == nil {
		t.Fatal("expected error for id with slash")
	}
}

func TestResolveTarget(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, 0)
	if _, ok := s.ResolveTarget(); ok {
		t.Fatal("expected no target")
	}
	if err := s.SetChatID(-100500); err != nil {
		t.Fatal(err)
	}
	if tgt, ok := s.ResolveTarget(); !ok || tgt.ChatID != -100500 {
		t.Fatalf("target = %+v %v", tgt, ok)
	}
	s.SetDefaultChatID(77)
	if tgt, ok := s.ResolveTarget(); !ok || tgt.ChatID != 77 {
		t.Fatalf("configured chat should win: %+v %v", tgt, ok)
	}
}
