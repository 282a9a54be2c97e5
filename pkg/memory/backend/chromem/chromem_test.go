package chromem

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
	b := New("test")
	store := memory.NewMemoryStore(b, memory.NewLocalEmbedder(nil), memory.StoreConfig{})
	require.NoError(t, store.VerifyDimensions(context.Background()))
	return store, b
}

func TestBackend_StoreSearchIsolation(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	_, err := store.Store(ctx, memory.Record{BotID: "bot-a", UserID: "u1", Type: memory.MemoryFact, Content: "My goldfish is named Orion", Confidence: 0.9, Significance: 0.5})
	require.NoError(t, err)
	_, err = store.Store(ctx, memory.Record{BotID: "bot-b", UserID: "u1", Type: memory.MemoryFact, Content: "My goldfish is named Orion", Confidence: 0.9, Significance: 0.5})
	require.NoError(t, err)

	hits, err := store.SearchText(ctx, "My goldfish is named Orion", memory.Filter{BotID: "bot-a", UserID: "u1"}, 10, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "bot-a", hits[0].BotID)
	assert.Len(t, hits[0].Vectors, 3)
}

func TestBackend_ScrollDeleteAndListBots(t *testing.T) {
	store, b := newStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	for i, content := range []string{"first note", "second note", "third note"} {
		_, err := store.Store(ctx, memory.Record{
			BotID: "bot-a", UserID: "u1", Type: memory.MemoryFact, Content: content,
			Confidence: 1, Significance: 0.5, Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}
	_, err := store.Store(ctx, memory.Record{BotID: "bot-b", UserID: "u1", Type: memory.MemoryFact, Content: "other", Confidence: 1})
	require.NoError(t, err)

	recs, err := store.Scroll(ctx, memory.Filter{BotID: "bot-a", UserID: "u1"}, 0)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "first note", recs[0].Content)
	assert.Equal(t, "third note", recs[2].Content)

	bots, err := b.ListBots(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"bot-a", "bot-b"}, bots)

	n, err := store.Delete(ctx, memory.Filter{BotID: "bot-a"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	recs, err = store.Scroll(ctx, memory.Filter{BotID: "bot-a"}, 0)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestBackend_DimensionMismatch(t *testing.T) {
	b := New("dims")
	ctx := context.Background()
	require.NoError(t, b.EnsureCollection(ctx, map[string]int{"content": 8}))

	err := b.EnsureCollection(ctx, map[string]int{"content": 16})
	require.Error(t, err)
	if !errors.Is(err, memory.ErrDimensionMismatch) {
		t.Fatalf("expected dimension mismatch, got %v", err)
	}
}

func TestBackend_StatsCountsWholePartition(t *testing.T) {
	b := New("stats")
	ctx := context.Background()
	require.NoError(t, b.EnsureCollection(ctx, map[string]int{"content": 4}))

	const n = 1010
	recs := make([]memory.Record, 0, n)
	for i := 0; i < n; i++ {
		recs = append(recs, memory.Record{
			ID: fmt.Sprintf("f-%04d", i), BotID: "bot-a", UserID: fmt.Sprintf("u%d", i%7), Type: memory.MemoryFact,
			Content: "fact", Confidence: 0.8, Significance: 0.4,
			Vectors: map[string][]float32{"content": {1, float32(i%10) / 10, 0, 0}},
		})
	}
	require.NoError(t, b.Upsert(ctx, recs))

	store := memory.NewMemoryStore(b, memory.NewLocalEmbedder(nil), memory.StoreConfig{})
	st, err := store.GetStats(ctx, "bot-a")
	require.NoError(t, err)
	assert.Equal(t, n, st.Count)
	assert.Equal(t, 7, st.UniqueUsers)
	assert.InDelta(t, 0.8, st.AvgConfidence, 1e-9)

	deleted, err := b.Delete(ctx, memory.Filter{BotID: "bot-a"})
	require.NoError(t, err)
	assert.Equal(t, n, deleted)
}
