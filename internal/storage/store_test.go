package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "github.com/k0rnepl0d/vrchat-notifying-telegram/pkg/logx"
)

func openTestStore(t *testing.T, driver string) Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "vrcbot.db")
	st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()

	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		if st != nil || err != nil {
			t.Fatalf("driver %q: st=%v err=%v", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "mongo", Path: "x"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver should fail")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("file driver without path should fail")
	}
}

func TestDrivers(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := openTestStore(t, driver)

			if err := st.AppendAudit(ctx, AuditEntry{ActorID: 1, ChatID: 2, Command: "set_user_id", Args: "usr_1", OK: true}); err != nil {
				t.Fatalf("AppendAudit: %v", err)
			}

			got, err := st.RecentTransitions(ctx, 5)
			if err != nil || len(got) != 0 {
				t.Fatalf("empty history: %v %v", got, err)
			}

			base := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
			for i, to := range []string{"offline", "online", "offline", "online"} {
				tr := Transition{At: base.Add(time.Duration(i) * time.Minute), UserID: "usr_1", DisplayName: "Alice", To: to}
				if err := st.AppendTransition(ctx, tr); err != nil {
					t.Fatalf("AppendTransition: %v", err)
				}
			}
			got, err = st.RecentTransitions(ctx, 3)
			if err != nil {
				t.Fatalf("RecentTransitions: %v", err)
			}
			if len(got) != 3 {
				t.Fatalf("got %d transitions", len(got))
			}
			if got[0].To != "online" || got[1].To != "offline" || got[2].To != "online" {
				t.Fatalf("order: %+v", got)
			}
			if !got[0].At.Equal(base.Add(3*time.Minute)) || got[0].DisplayName != "Alice" {
				t.Fatalf("newest = %+v", got[0])
			}

			until := time.Now().Add(time.Minute).Truncate(time.Millisecond)
			if err := st.PutDedup(ctx, "k1", until); err != nil {
				t.Fatalf("PutDedup: %v", err)
			}
			u, ok, err := st.GetDedup(ctx, "k1")
			if err != nil || !ok || !u.Equal(until) {
				t.Fatalf("GetDedup = %v %v %v", u, ok, err)
			}
			if _, ok, _ := st.GetDedup(ctx, "missing"); ok {
				t.Fatal("missing key reported present")
			}
		})
	}
}

func TestFileDedupSurvivesReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vrcbot.db")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	if err := st.PutDedup(ctx, "live", until); err != nil {
		t.Fatal(err)
	}
	if err := st.PutDedup(ctx, "expired", time.Now().Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	if u, ok, _ := st.GetDedup(ctx, "live"); !ok || !u.Equal(until) {
		t.Fatalf("live key lost: %v %v", u, ok)
	}
	if _, ok, _ := st.GetDedup(ctx, "expired"); ok {
		t.Fatal("expired key should be pruned on open")
	}
}
