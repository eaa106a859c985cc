package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/dentiq/payrecon/internal/config"
	"github.com/dentiq/payrecon/internal/metrics"
	"github.com/dentiq/payrecon/internal/payment"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
)

func newSession(id string) payment.Session {
	return payment.NewSession(id, decimal.RequireFromString("75.00"), "usd", 3, time.Now())
}

// runStoreSuite exercises the Store contract against any backend.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		store := newStore(t)
		if err := store.CreateSession(ctx, newSession("s-1")); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		got, err := store.GetSession(ctx, "s-1")
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		if got.Status != payment.StatusPending || got.Attempts != 0 {
			t.Errorf("unexpected session: %+v", got)
		}
		if !got.Amount.Equal(decimal.RequireFromString("75")) {
			t.Errorf("amount = %s", got.Amount)
		}
		if err := store.CreateSession(ctx, newSession("s-1")); !errors.Is(err, ErrAlreadyExists) {
			t.Errorf("duplicate create: got %v, want ErrAlreadyExists", err)
		}
		if _, err := store.GetSession(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("missing session: got %v, want ErrNotFound", err)
		}
	})

	t.Run("commit non-terminal keeps attempts monotone", func(t *testing.T) {
		store := newStore(t)
		_ = store.CreateSession(ctx, newSession("s-2"))
		now := time.Now()

		s, applied, err := store.CommitStatus(ctx, Commit{LocalID: "s-2", Status: payment.StatusAuthorized, Attempts: 2, LastCheckedAt: now})
		if err != nil || !applied {
			t.Fatalf("CommitStatus: applied=%v err=%v", applied, err)
		}
		if s.Attempts != 2 || s.Status != payment.StatusAuthorized {
			t.Errorf("unexpected session: %+v", s)
		}

		s, _, _ = store.CommitStatus(ctx, Commit{LocalID: "s-2", Status: payment.StatusPending, Attempts: 1, LastCheckedAt: now.Add(-time.Minute)})
		if s.Attempts != 2 {
			t.Errorf("attempts decreased to %d", s.Attempts)
		}
		if s.LastCheckedAt.Before(now.Add(-time.Millisecond)) {
			t.Errorf("lastCheckedAt moved backwards: %v", s.LastCheckedAt)
		}
	})

	t.Run("terminal is sticky", func(t *testing.T) {
		store := newStore(t)
		_ = store.CreateSession(ctx, newSession("s-3"))

		s, applied, err := store.CommitStatus(ctx, Commit{LocalID: "s-3", Status: payment.StatusConfirmed, Attempts: 1, LastCheckedAt: time.Now()})
		if err != nil || !applied {
			t.Fatalf("terminal commit: applied=%v err=%v", applied, err)
		}
		if s.FinalizedAt == nil {
			t.Error("expected finalizedAt to be set")
		}

		for _, status := range []payment.Status{payment.StatusAuthorized, payment.StatusRejected, payment.StatusConfirmed} {
			s, applied, err = store.CommitStatus(ctx, Commit{LocalID: "s-3", Status: status, Attempts: 5})
			if err != nil {
				t.Fatalf("late commit: %v", err)
			}
			if applied {
				t.Errorf("late %s commit applied to terminal session", status)
			}
			if s.Status != payment.StatusConfirmed || s.Attempts != 1 {
				t.Errorf("terminal session changed: %+v", s)
			}
		}

		active, err := store.ListActiveSessions(ctx)
		if err != nil {
			t.Fatalf("ListActiveSessions: %v", err)
		}
		for _, a := range active {
			if a.LocalID == "s-3" {
				t.Error("terminal session listed as active")
			}
		}
	})

	t.Run("bind external ref once", func(t *testing.T) {
		store := newStore(t)
		_ = store.CreateSession(ctx, newSession("s-4"))

		s, err := store.BindExternalRef(ctx, "s-4", "42")
		if err != nil || s.ExternalRef != "42" {
			t.Fatalf("bind: ref=%q err=%v", s.ExternalRef, err)
		}
		if _, err := store.BindExternalRef(ctx, "s-4", "42"); err != nil {
			t.Errorf("rebinding same ref should be a no-op, got %v", err)
		}
		s, err = store.BindExternalRef(ctx, "s-4", "43")
		if !errors.Is(err, payment.ErrReferenceMismatch) {
			t.Errorf("expected mismatch, got %v", err)
		}
		if s.ExternalRef != "42" {
			t.Errorf("external ref overwritten: %q", s.ExternalRef)
		}

		found, err := store.FindByExternalRef(ctx, "42")
		if err != nil || found.LocalID != "s-4" {
			t.Errorf("FindByExternalRef: %+v, %v", found, err)
		}
		if _, err := store.BindExternalRef(ctx, "missing", "1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("bind on missing session: %v", err)
		}
	})

	t.Run("delete", func(t *testing.T) {
		store := newStore(t)
		_ = store.CreateSession(ctx, newSession("s-5"))
		if err := store.DeleteSession(ctx, "s-5"); err != nil {
			t.Fatalf("DeleteSession: %v", err)
		}
		if err := store.DeleteSession(ctx, "s-5"); !errors.Is(err, ErrNotFound) {
			t.Errorf("second delete: %v", err)
		}
	})

	t.Run("concurrent commits never regress terminal", func(t *testing.T) {
		store := newStore(t)
		_ = store.CreateSession(ctx, newSession("s-6"))

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				status := payment.StatusAuthorized
				if i == 7 {
					status = payment.StatusConfirmed
				}
				_, _, _ = store.CommitStatus(ctx, Commit{LocalID: "s-6", Status: status, Attempts: i + 1})
			}(i)
		}
		wg.Wait()

		s, _ := store.GetSession(ctx, "s-6")
		if s.Status != payment.StatusConfirmed {
			t.Errorf("status = %s, want confirmed", s.Status)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		store := NewMemoryStore()
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func TestFileStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		store, err := NewFileStore(filepath.Join(t.TempDir(), "sessions.json"))
		if err != nil {
			t.Fatalf("NewFileStore: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("PAYRECON_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("PAYRECON_TEST_POSTGRES_URL not set")
	}
	runStoreSuite(t, func(t *testing.T) Store {
		table := "sessions_test_" + strconv.FormatInt(time.Now().UnixNano(), 10)
		store, err := NewPostgresStore(url, config.PostgresPoolConfig{}, table)
		if err != nil {
			t.Fatalf("NewPostgresStore: %v", err)
		}
		t.Cleanup(func() {
			_, _ = store.db.Exec("DROP TABLE IF EXISTS " + table)
			_ = store.Close()
		})
		return store
	})
}

func TestFileStore_Reload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data", "sessions.json")

	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	_ = store.CreateSession(ctx, newSession("keep"))
	_, _ = store.BindExternalRef(ctx, "keep", "ref-9")
	_, _, _ = store.CommitStatus(ctx, Commit{LocalID: "keep", Status: payment.StatusAuthorized, Attempts: 1, LastCheckedAt: time.Now()})
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	s, err := reopened.GetSession(ctx, "keep")
	if err != nil {
		t.Fatalf("GetSession after reload: %v", err)
	}
	if s.ExternalRef != "ref-9" || s.Attempts != 1 || s.Status != payment.StatusAuthorized {
		t.Errorf("reloaded session mismatch: %+v", s)
	}
	if found, err := reopened.FindByExternalRef(ctx, "ref-9"); err != nil || found.LocalID != "keep" {
		t.Errorf("ref index not rebuilt: %v", err)
	}
}

func TestMemoryStore_PurgeFinalized(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(WithRetention(time.Hour))
	defer store.Close()

	_ = store.CreateSession(ctx, newSession("old"))
	_ = store.CreateSession(ctx, newSession("live"))
	_, _, _ = store.CommitStatus(ctx, Commit{LocalID: "old", Status: payment.StatusExpired, At: time.Now().Add(-2 * time.Hour)})

	if n := store.purgeFinalized(time.Now()); n != 1 {
		t.Errorf("purged %d sessions, want 1", n)
	}
	if _, err := store.GetSession(ctx, "live"); err != nil {
		t.Errorf("active session purged: %v", err)
	}
}

func TestMemoryStore_StopIsIdempotent(t *testing.T) {
	store := NewMemoryStore()

	done := make(chan struct{})
	go func() {
		store.Stop()
		store.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("Stop() timed out")
	}
}

func TestCreateSession_RejectsInvalid(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	bad := newSession("x")
	bad.Status = payment.StatusConfirmed
	if err := store.CreateSession(context.Background(), bad); err == nil {
		t.Error("expected error creating a terminal session")
	}
	if err := store.CreateSession(context.Background(), newSession("")); err == nil {
		t.Error("expected error for empty local id")
	}
}

func TestMongoSessionConversion(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	s := newSession("m-1")
	s.ExternalRef = "ref"
	s.Amount = decimal.RequireFromString("1234.5678")
	s.LastCheckedAt = now
	s.FinalizedAt = &now
	s.Status = payment.StatusRefunded

	got, err := fromMongoSession(toMongoSession(s))
	if err != nil {
		t.Fatalf("fromMongoSession: %v", err)
	}
	if !got.Amount.Equal(s.Amount) {
		t.Errorf("amount precision lost: %s", got.Amount)
	}
	if got.Status != payment.StatusRefunded || !got.LastCheckedAt.Equal(now) || got.FinalizedAt == nil {
		t.Errorf("conversion mismatch: %+v", got)
	}

	if _, err := fromMongoSession(mongoSession{LocalID: "bad", Amount: "x", Status: "pending"}); err == nil {
		t.Error("expected amount parse error")
	}
}

func TestInstrumentedStore(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	store := NewInstrumentedStore(NewMemoryStore(), "", m)
	defer store.Close()

	runStoreSuite(t, func(t *testing.T) Store {
		s := NewInstrumentedStore(NewMemoryStore(), "memory", m)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})

	if n := promtest.CollectAndCount(m.DBQueryDuration); n == 0 {
		t.Error("expected db query observations")
	}
	if NewInstrumentedStore(store, "memory", nil) != store {
		t.Error("nil metrics should return the inner store")
	}
}
