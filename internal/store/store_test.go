package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// newTestStore creates a new Store in a temporary directory for testing.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "smartpantry-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() {
		os.RemoveAll(tmpDir)
	})

	dbPath := filepath.Join(tmpDir, "test.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
	})

	return s
}

func TestNewStore_CreatesDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	// Verify the database file doesn't exist yet
	if _, err := os.Stat(dbPath); !os.IsNotExist(err) {
		t.Fatal("database file should not exist before creating store")
	}

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Fatal("database file should exist after creating store")
	}
	if s.Driver() != SQLite {
		t.Errorf("expected sqlite driver, got %s", s.Driver())
	}
}

func TestNewStore_RunsMigrations(t *testing.T) {
	s := newTestStore(t)

	for _, table := range []string{"transactions", "sessions", "schema_migrations"} {
		var name string
		err := s.DB().QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q should exist after migrations: %v", table, err)
		}
	}

	for _, idx := range []string{"idx_transactions_identity", "idx_transactions_timestamp"} {
		var name string
		err := s.DB().QueryRow(
			"SELECT name FROM sqlite_master WHERE type='index' AND name=?",
			idx,
		).Scan(&name)
		if err != nil {
			t.Errorf("index %q should exist after migrations: %v", idx, err)
		}
	}

	version, dirty, err := s.MigrateVersion()
	if err != nil {
		t.Fatalf("failed to read migration version: %v", err)
	}
	if version != 2 || dirty {
		t.Errorf("expected clean version 2, got %d (dirty=%v)", version, dirty)
	}
}

func TestStore_MigrateDown(t *testing.T) {
	s := newTestStore(t)

	if err := s.MigrateDown(); err != nil {
		t.Fatalf("migrate down failed: %v", err)
	}

	var name string
	err := s.DB().QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='sessions'").Scan(&name)
	if err == nil {
		t.Error("sessions table should be dropped after migrating down")
	}

	if err := s.MigrateUp(); err != nil {
		t.Fatalf("migrate up failed: %v", err)
	}
}

func TestStore_Close(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Errorf("close should not return error: %v", err)
	}

	// After closing, DB operations should fail
	if _, err := s.DB().Exec("SELECT 1"); err == nil {
		t.Error("DB operations should fail after close")
	}
}

func TestParseDriver(t *testing.T) {
	tests := []struct {
		in      string
		want    Driver
		wantErr bool
	}{
		{"", SQLite, false},
		{"sqlite", SQLite, false},
		{"Postgres", Postgres, false},
		{"postgresql", Postgres, false},
		{"mysql", "", true},
	}
	for _, tt := range tests {
		got, err := ParseDriver(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseDriver(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseDriver(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTransactionRepository_Insert(t *testing.T) {
	s := newTestStore(t)
	repo := s.Transactions()
	ctx := context.Background()

	ts := time.Date(2026, 5, 4, 10, 30, 0, 123456000, time.UTC)
	tx := &Transaction{
		SessionID:  "s1",
		Identity:   "apple",
		Delta:      1,
		FrameIndex: 2,
		FromRegion: "LEFT",
		ToRegion:   "RIGHT",
		Timestamp:  ts,
	}
	if err := repo.Insert(ctx, tx); err != nil {
		t.Fatalf("failed to insert transaction: %v", err)
	}
	if tx.ID == 0 {
		t.Fatal("ID should be set after insert")
	}

	got, err := repo.GetByID(ctx, tx.ID)
	if err != nil {
		t.Fatalf("failed to get transaction: %v", err)
	}
	if got.Identity != "apple" || got.Delta != 1 || got.FrameIndex != 2 {
		t.Errorf("unexpected transaction %+v", got)
	}
	if got.Kind != KindCrossing {
		t.Errorf("expected default kind crossing, got %q", got.Kind)
	}
	if !got.Timestamp.Equal(ts) {
		t.Errorf("expected timestamp %v, got %v", ts, got.Timestamp)
	}
}

func TestTransactionRepository_InsertDuplicate(t *testing.T) {
	s := newTestStore(t)
	repo := s.Transactions()
	ctx := context.Background()

	first := &Transaction{SessionID: "s1", Identity: "apple", Delta: 1, FrameIndex: 7}
	if err := repo.Insert(ctx, first); err != nil {
		t.Fatalf("failed to insert transaction: %v", err)
	}

	replay := &Transaction{SessionID: "s1", Identity: "apple", Delta: 1, FrameIndex: 7}
	err := repo.Insert(ctx, replay)
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if replay.ID != first.ID {
		t.Errorf("expected stored row %d to be returned, got %d", first.ID, replay.ID)
	}

	// Same identity and frame in another session is a different transaction.
	other := &Transaction{SessionID: "s2", Identity: "apple", Delta: 1, FrameIndex: 7}
	if err := repo.Insert(ctx, other); err != nil {
		t.Fatalf("insert in new session failed: %v", err)
	}

	n, err := repo.Count(ctx)
	if err != nil {
		t.Fatalf("failed to count: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 stored transactions, got %d", n)
	}
}

func TestTransactionRepository_InsertInvalidDelta(t *testing.T) {
	s := newTestStore(t)

	err := s.Transactions().Insert(context.Background(), &Transaction{SessionID: "s1", Identity: "apple", Delta: 2})
	if err == nil {
		t.Error("expected error for delta 2")
	}
}

func TestTransactionRepository_GetNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Transactions().GetByID(context.Background(), 42)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func seedTransactions(t *testing.T, repo *TransactionRepository, base time.Time) {
	t.Helper()

	rows := []Transaction{
		{SessionID: "s1", Identity: "apple", Delta: 1, FrameIndex: 2, Timestamp: base},
		{SessionID: "s1", Identity: "milk", Delta: 1, FrameIndex: 3, Timestamp: base.Add(time.Second)},
		{SessionID: "s1", Identity: "apple", Delta: -1, FrameIndex: 9, Timestamp: base.Add(2 * time.Second)},
		{SessionID: "s2", Identity: "apple", Delta: 1, FrameIndex: 1, Timestamp: base.Add(time.Hour)},
		{SessionID: "c1", Identity: "milk", Delta: 1, Kind: KindCompensation, Note: "restock", Timestamp: base.Add(2 * time.Hour)},
	}
	for i := range rows {
		if err := repo.Insert(context.Background(), &rows[i]); err != nil {
			t.Fatalf("failed to seed row %d: %v", i, err)
		}
	}
}

func TestTransactionRepository_Query(t *testing.T) {
	s := newTestStore(t)
	repo := s.Transactions()
	ctx := context.Background()
	base := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	seedTransactions(t, repo, base)

	t.Run("by identity in append order", func(t *testing.T) {
		txs, err := repo.ByIdentity(ctx, "apple")
		if err != nil {
			t.Fatalf("query failed: %v", err)
		}
		if len(txs) != 3 {
			t.Fatalf("expected 3 apple transactions, got %d", len(txs))
		}
		for i := 1; i < len(txs); i++ {
			if txs[i].ID <= txs[i-1].ID {
				t.Error("transactions should be ordered by id")
			}
		}
		if txs[1].Delta != -1 {
			t.Errorf("expected second apple delta -1, got %d", txs[1].Delta)
		}
	})

	t.Run("by time range", func(t *testing.T) {
		txs, err := repo.ByTimeRange(ctx, base.Add(time.Second), base.Add(time.Hour))
		if err != nil {
			t.Fatalf("query failed: %v", err)
		}
		if len(txs) != 2 {
			t.Fatalf("expected 2 transactions in range, got %d", len(txs))
		}
		if txs[0].Identity != "milk" || txs[1].FrameIndex != 9 {
			t.Errorf("unexpected range result %+v", txs)
		}
	})

	t.Run("session, kind and limit", func(t *testing.T) {
		txs, err := repo.Query(ctx, Filter{SessionID: "s1", Limit: 2})
		if err != nil {
			t.Fatalf("query failed: %v", err)
		}
		if len(txs) != 2 {
			t.Errorf("expected limit of 2, got %d", len(txs))
		}

		txs, err = repo.Query(ctx, Filter{Kind: KindCompensation})
		if err != nil {
			t.Fatalf("query failed: %v", err)
		}
		if len(txs) != 1 || txs[0].Note != "restock" {
			t.Errorf("expected one compensation, got %+v", txs)
		}
	})

	t.Run("after id", func(t *testing.T) {
		all, _ := repo.Query(ctx, Filter{})
		txs, err := repo.Query(ctx, Filter{AfterID: all[2].ID})
		if err != nil {
			t.Fatalf("query failed: %v", err)
		}
		if len(txs) != 2 {
			t.Errorf("expected 2 transactions after id %d, got %d", all[2].ID, len(txs))
		}
	})

	t.Run("no match returns empty slice", func(t *testing.T) {
		txs, err := repo.ByIdentity(ctx, "pear")
		if err != nil {
			t.Fatalf("query failed: %v", err)
		}
		if txs == nil || len(txs) != 0 {
			t.Errorf("expected empty non-nil slice, got %v", txs)
		}
	})
}

func TestTransactionRepository_Balances(t *testing.T) {
	s := newTestStore(t)
	repo := s.Transactions()
	seedTransactions(t, repo, time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC))

	balances, err := repo.Balances(context.Background())
	if err != nil {
		t.Fatalf("failed to load balances: %v", err)
	}
	if balances["apple"] != 1 {
		t.Errorf("expected apple balance 1, got %d", balances["apple"])
	}
	if balances["milk"] != 2 {
		t.Errorf("expected milk balance 2, got %d", balances["milk"])
	}
}

func TestTransactionRepository_LastFrames(t *testing.T) {
	s := newTestStore(t)
	repo := s.Transactions()
	seedTransactions(t, repo, time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC))

	frames, err := repo.LastFrames(context.Background(), "s1")
	if err != nil {
		t.Fatalf("failed to load last frames: %v", err)
	}
	if frames["apple"] != 9 || frames["milk"] != 3 {
		t.Errorf("unexpected last frames %v", frames)
	}
	if len(frames) != 2 {
		t.Errorf("expected 2 identities, got %d", len(frames))
	}
}

func TestTransactionRepository_SurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "durable.db")

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	tx := &Transaction{SessionID: "s1", Identity: "apple", Delta: 1, FrameIndex: 2}
	if err := s.Transactions().Insert(context.Background(), tx); err != nil {
		t.Fatalf("failed to insert: %v", err)
	}
	s.Close()

	reopened, err := New(dbPath)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Transactions().GetByID(context.Background(), tx.ID)
	if err != nil {
		t.Fatalf("transaction lost after reopen: %v", err)
	}
	if got.Identity != "apple" {
		t.Errorf("expected apple, got %s", got.Identity)
	}
}

func TestSessionRepository(t *testing.T) {
	s := newTestStore(t)
	repo := s.Sessions()
	ctx := context.Background()

	started := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	if err := repo.Begin(ctx, &Session{ID: "s1", Source: "replay", Scheme: "binary", StartedAt: started}); err != nil {
		t.Fatalf("failed to begin session: %v", err)
	}
	if err := repo.Begin(ctx, &Session{ID: "s2", Source: "camera", Scheme: "quadrant", StartedAt: started.Add(time.Hour)}); err != nil {
		t.Fatalf("failed to begin session: %v", err)
	}

	// Resuming keeps the original row.
	if err := repo.Begin(ctx, &Session{ID: "s1", Source: "other", Scheme: "binary"}); err != nil {
		t.Fatalf("failed to resume session: %v", err)
	}

	got, err := repo.GetByID(ctx, "s1")
	if err != nil {
		t.Fatalf("failed to get session: %v", err)
	}
	if got.Source != "replay" || !got.StartedAt.Equal(started) {
		t.Errorf("unexpected session %+v", got)
	}

	sessions, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("failed to list sessions: %v", err)
	}
	if len(sessions) != 2 || sessions[0].ID != "s2" {
		t.Errorf("expected s2 first, got %+v", sessions)
	}

	if _, err := repo.GetByID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
