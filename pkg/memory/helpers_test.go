package memory

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

var testEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestBackend(t testing.TB) *SQLiteBackend {
	t.Helper()
	b, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "state", "memory.db"))
	if err != nil {
		t.Fatalf("new sqlite backend: %v", err)
	}
	return b
}

func newTestStore(t testing.TB, tuning Tuning) (*MemoryStore, *SQLiteBackend) {
	t.Helper()
	b := newTestBackend(t)
	store := NewMemoryStore(b, NewLocalEmbedder(nil), StoreConfig{
		Tuning:         StaticTuning(tuning),
		RetryAttempts:  1,
		RetryBaseDelay: time.Millisecond,
	})
	if err := store.VerifyDimensions(context.Background()); err != nil {
		t.Fatalf("verify dimensions: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, b
}

func newTestEngine(t testing.TB, tuning Tuning, cfg Config) (*Engine, *SQLiteBackend) {
	t.Helper()
	b := newTestBackend(t)
	cfg.DisableWorker = true
	e, err := NewEngine(context.Background(), cfg, Deps{
		Backend:  b,
		Embedder: NewLocalEmbedder(nil),
		Tuning:   StaticTuning(tuning),
		Store:    StoreConfig{RetryAttempts: 1, RetryBaseDelay: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e, b
}

func fact(bot, user, content string) Record {
	return Record{
		BotID:        bot,
		UserID:       user,
		Type:         MemoryFact,
		Content:      content,
		Confidence:   0.9,
		Significance: 0.6,
	}
}
