package hnsw

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/personamem/pkg/memory"
)

func newStore(t *testing.T) (*memory.MemoryStore, *Backend) {
	t.Helper()
	b := New()
	store := memory.NewMemoryStore(b, memory.NewLocalEmbedder(nil), memory.StoreConfig{})
	require.NoError(t, store.VerifyDimensions(context.Background()))
	return store, b
}

func TestBackend_StoreSearchIsolation(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	for _, bot := range []string{"bot-a", "bot-b"} {
		_, err := store.Store(ctx, memory.Record{BotID: bot, UserID: "u1", Type: memory.MemoryFact, Content: "My goldfish is named Orion", Confidence: 0.9, Significance: 0.5})
		require.NoError(t, err)
	}

	hits, err := store.SearchText(ctx, "My goldfish is named Orion", memory.Filter{BotID: "bot-a", UserID: "u1"}, 10, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "bot-a", hits[0].BotID)
	assert.Len(t, hits[0].Vectors, 3)
}

func TestBackend_OverwriteAndDeleteRebuild(t *testing.T) {
	store, b := newStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	id, err := store.Store(ctx, memory.Record{BotID: "bot-a", UserID: "u1", Type: memory.MemoryFact, Content: "I live in Lisbon", Confidence: 1, Timestamp: base})
	require.NoError(t, err)
	_, err = store.Store(ctx, memory.Record{ID: id, BotID: "bot-a", UserID: "u1", Type: memory.MemoryFact, Content: "I live in Porto", Confidence: 1, Timestamp: base})
	require.NoError(t, err)
	_, err = store.Store(ctx, memory.Record{BotID: "bot-a", UserID: "u1", Type: memory.MemoryFact, Content: "I drink green tea", Confidence: 1, Timestamp: base.Add(time.Minute)})
	require.NoError(t, err)

	recs, err := store.Scroll(ctx, memory.Filter{BotID: "bot-a"}, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "I live in Porto", recs[0].Content)

	hits, err := store.SearchText(ctx, "I live in Porto", memory.Filter{BotID: "bot-a", UserID: "u1"}, 1, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, id, hits[0].ID)

	n, err := store.Delete(ctx, memory.Filter{BotID: "bot-a", IDs: []string{id}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	hits, err = store.SearchText(ctx, "I live in Porto", memory.Filter{BotID: "bot-a", UserID: "u1"}, 5, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "I drink green tea", hits[0].Content)

	bots, err := b.ListBots(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"bot-a"}, bots)
}

func TestBackend_FilteredSearchFallsBackToExactScan(t *testing.T) {
	b := New()
	ctx := context.Background()
	require.NoError(t, b.EnsureCollection(ctx, map[string]int{"content": 4}))

	recs := []memory.Record{}
	for i := 0; i < 40; i++ {
		recs = append(recs, memory.Record{
			ID: fmt.Sprintf("near-%02d", i), BotID: "bot-a", UserID: "u1", Type: memory.MemoryFact,
			Vectors: map[string][]float32{"content": {1, float32(i) / 100, 0, 0}},
		})
	}
	recs = append(recs, memory.Record{
		ID: "far", BotID: "bot-a", UserID: "u2", Type: memory.MemoryFact,
		Vectors: map[string][]float32{"content": {0, 0, 0, 1}},
	})
	require.NoError(t, b.Upsert(ctx, recs))

	got, err := b.Search(ctx, "content", []float32{1, 0, 0, 0}, memory.Filter{BotID: "bot-a", UserID: "u2"}, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "far", got[0].ID)

	st, err := b.Stats(ctx, memory.Filter{BotID: "bot-a"})
	require.NoError(t, err)
	assert.Equal(t, 41, st.Count)
	assert.Equal(t, 2, st.UniqueUsers)
}

func TestBackend_DimensionChecks(t *testing.T) {
	b := New()
	ctx := context.Background()
	require.NoError(t, b.EnsureCollection(ctx, map[string]int{"content": 8}))

	err := b.EnsureCollection(ctx, map[string]int{"content": 16})
	if !errors.Is(err, memory.ErrDimensionMismatch) {
		t.Fatalf("expected dimension mismatch, got %v", err)
	}

	err = b.Upsert(ctx, []memory.Record{{ID: "x", BotID: "bot-a", Vectors: map[string][]float32{"content": {1, 2}}}})
	if !errors.Is(err, memory.ErrDimensionMismatch) {
		t.Fatalf("expected short vector to be rejected, got %v", err)
	}
}
