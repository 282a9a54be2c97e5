package memory

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_BotIsolation(t *testing.T) {
	store, _ := newTestStore(t, DefaultTuning())
	ctx := context.Background()

	_, err := store.Store(ctx, fact("bot-a", "u1", "My favorite color is teal"))
	require.NoError(t, err)
	_, err = store.Store(ctx, fact("bot-b", "u1", "My favorite color is teal"))
	require.NoError(t, err)

	hits, err := store.SearchText(ctx, "My favorite color is teal", Filter{BotID: "bot-a", UserID: "u1"}, 10, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "bot-a", hits[0].BotID)

	recs, err := store.Scroll(ctx, Filter{BotID: "bot-b"}, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "bot-b", recs[0].BotID)
}

func TestMemoryStore_ScopeRequired(t *testing.T) {
	store, _ := newTestStore(t, DefaultTuning())
	ctx := context.Background()

	_, err := store.SearchText(ctx, "anything", Filter{BotID: "bot-a"}, 5, 0)
	if !errors.Is(err, ErrScopeViolation) {
		t.Fatalf("expected scope violation without user_id, got %v", err)
	}
	_, err = store.Scroll(ctx, Filter{UserID: "u1"}, 0)
	if !errors.Is(err, ErrScopeViolation) {
		t.Fatalf("expected scope violation without bot_id, got %v", err)
	}
}

func TestMemoryStore_UpsertIsIdempotent(t *testing.T) {
	store, _ := newTestStore(t, DefaultTuning())
	ctx := context.Background()

	rec := fact("bot-a", "u1", "I live in Lisbon")
	rec.ID = "fixed-id"
	_, err := store.Store(ctx, rec)
	require.NoError(t, err)
	rec.Content = "I live in Porto"
	_, err = store.Store(ctx, rec)
	require.NoError(t, err)

	recs, err := store.Scroll(ctx, Filter{BotID: "bot-a", UserID: "u1"}, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "I live in Porto", recs[0].Content)
	assert.Equal(t, VectorModeFull, recs[0].VectorMode)
	assert.Len(t, recs[0].Vectors, 3)
}

func TestMemoryStore_RejectsInvalidAndSummaryRecords(t *testing.T) {
	store, _ := newTestStore(t, DefaultTuning())
	ctx := context.Background()

	_, err := store.Store(ctx, Record{BotID: "bot-a", UserID: "u1", Type: MemoryConversation, Content: "hi"})
	if !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("conversation without role: expected invalid record, got %v", err)
	}
	_, err = store.Store(ctx, Record{BotID: "bot-a", UserID: "u1", Type: MemoryRelationship, Content: "Sam is my brother"})
	if !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("relationship without relation: expected invalid record, got %v", err)
	}
	_, err = store.Store(ctx, Record{
		BotID: "bot-a", UserID: "u1", SessionID: "s1", Type: MemoryConversationSummary, Content: "summary",
		Metadata: map[string]any{MetaTurnCount: 4},
	})
	if !errors.Is(err, ErrImmutableRecord) {
		t.Fatalf("summary via Store: expected immutable record, got %v", err)
	}
	_, err = store.Store(ctx, Record{BotID: "bot-a", UserID: "u1", Type: MemoryFact, Content: "x", Confidence: math.NaN()})
	if !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("NaN confidence: expected invalid record, got %v", err)
	}
	_, err = store.Store(ctx, Record{BotID: "bot-a", UserID: "u1", Type: MemoryFact, Content: "x", Confidence: 1, Significance: math.NaN()})
	if !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("NaN significance: expected invalid record, got %v", err)
	}
}

func TestMemoryStore_DeleteRefusesEmptyFilter(t *testing.T) {
	store, _ := newTestStore(t, DefaultTuning())
	ctx := context.Background()
	_, err := store.Store(ctx, fact("bot-a", "u1", "keep me"))
	require.NoError(t, err)

	_, err = store.Delete(ctx, Filter{})
	if !errors.Is(err, ErrEmptyFilter) {
		t.Fatalf("expected empty filter error, got %v", err)
	}

	n, err := store.Delete(ctx, Filter{BotID: "bot-a", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemoryStore_CorrectMetadata(t *testing.T) {
	store, _ := newTestStore(t, DefaultTuning())
	ctx := context.Background()
	id, err := store.Store(ctx, fact("bot-a", "u1", "I run every morning"))
	require.NoError(t, err)

	require.NoError(t, store.CorrectMetadata(ctx, "bot-a", "u1", id, map[string]any{MetaTopic: "fitness"}))
	rec, err := store.Get(ctx, "bot-a", "u1", id)
	require.NoError(t, err)
	assert.Equal(t, "fitness", rec.MetaString(MetaTopic))
	assert.Equal(t, "I run every morning", rec.Content)

	err = store.CorrectMetadata(ctx, "bot-a", "u1", id, map[string]any{"content": "changed"})
	if !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected non-correctable key to be rejected, got %v", err)
	}

	_, err = store.Get(ctx, "bot-a", "u1", "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStore_DegradedVectorMode(t *testing.T) {
	dims := map[string]int{VectorContent: 64, VectorEmotion: 64, VectorContext: 64}
	tuning := DefaultTuning()
	tuning.DegradedVectorReuse = true
	b := newTestBackend(t)
	store := NewMemoryStore(b, NewLocalEmbedder(dims), StoreConfig{Dimensions: dims, Tuning: StaticTuning(tuning)})
	defer store.Close()
	ctx := context.Background()
	require.NoError(t, store.VerifyDimensions(ctx))

	id, err := store.Store(ctx, fact("bot-a", "u1", "I am allergic to peanuts"))
	require.NoError(t, err)
	rec, err := store.Get(ctx, "bot-a", "u1", id)
	require.NoError(t, err)
	assert.Equal(t, VectorModeDegraded, rec.VectorMode)
	assert.Equal(t, rec.Vectors[VectorContent], rec.Vectors[VectorEmotion])
	assert.Equal(t, rec.Vectors[VectorContent], rec.Vectors[VectorContext])
}

func TestMemoryStore_DimensionMismatchIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.db")
	ctx := context.Background()

	b, err := NewSQLiteBackend(path)
	require.NoError(t, err)
	require.NoError(t, NewMemoryStore(b, nil, StoreConfig{}).VerifyDimensions(ctx))
	require.NoError(t, b.Close())

	b2, err := NewSQLiteBackend(path)
	require.NoError(t, err)
	defer b2.Close()
	dims := DefaultDimensions()
	dims[VectorContent] = 128
	err = NewMemoryStore(b2, nil, StoreConfig{Dimensions: dims}).VerifyDimensions(ctx)
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected dimension mismatch, got %v", err)
	}
}

func TestMemoryStore_EmbeddingFailureSurfaces(t *testing.T) {
	b := newTestBackend(t)
	store := NewMemoryStore(b, nil, StoreConfig{})
	defer store.Close()
	require.NoError(t, store.VerifyDimensions(context.Background()))

	_, err := store.Store(context.Background(), fact("bot-a", "u1", "no embedder"))
	if !errors.Is(err, ErrEmbeddingUnavailable) {
		t.Fatalf("expected embedding unavailable, got %v", err)
	}
}

func TestMemoryStore_StatsAndTimeFilters(t *testing.T) {
	store, _ := newTestStore(t, DefaultTuning())
	ctx := context.Background()
	for i, user := range []string{"u1", "u1", "u2"} {
		rec := fact("bot-a", user, "note number "+string(rune('a'+i)))
		rec.Timestamp = testEpoch.Add(time.Duration(i) * time.Hour)
		_, err := store.Store(ctx, rec)
		require.NoError(t, err)
	}

	st, err := store.GetStats(ctx, "bot-a")
	require.NoError(t, err)
	assert.Equal(t, 3, st.Count)
	assert.Equal(t, 2, st.UniqueUsers)
	assert.InDelta(t, 0.9, st.AvgConfidence, 1e-9)

	recs, err := store.Scroll(ctx, Filter{BotID: "bot-a", Since: testEpoch.Add(30 * time.Minute)}, 0)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestCachingEmbedder_ReusesVectors(t *testing.T) {
	inner := &countingEmbedder{inner: NewLocalEmbedder(nil)}
	c, err := NewCachingEmbedder(inner, 128)
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	first, err := c.Embed(ctx, []string{"hello there"}, VectorContent)
	require.NoError(t, err)
	c.cache.Wait()

	second, err := c.Embed(ctx, []string{"hello there", "new text"}, VectorContent)
	require.NoError(t, err)
	assert.Equal(t, first[0], second[0])
	assert.Equal(t, 2, inner.texts)
}

type countingEmbedder struct {
	inner Embedder
	texts int
}

func (c *countingEmbedder) Embed(ctx context.Context, texts []string, name string) ([][]float32, error) {
	c.texts += len(texts)
	return c.inner.Embed(ctx, texts, name)
}

// scrollOnlyBackend hides the native stats of the wrapped backend.
type scrollOnlyBackend struct{ Backend }

func TestMemoryStore_StatsFallbackCountsWholePartition(t *testing.T) {
	store, b := newTestStore(t, DefaultTuning())
	ctx := context.Background()

	const n = 1010
	for i := 0; i < n; i++ {
		_, err := store.Store(ctx, Record{
			BotID: "bot-a", UserID: "u" + string(rune('a'+i%5)), Type: MemoryFact, Content: "fact",
			Confidence: 1, Significance: 0.5, Timestamp: testEpoch.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	plain := NewMemoryStore(scrollOnlyBackend{b}, NewLocalEmbedder(nil), StoreConfig{})
	st, err := plain.GetStats(ctx, "bot-a")
	require.NoError(t, err)
	assert.Equal(t, n, st.Count)
	assert.Equal(t, 5, st.UniqueUsers)
	assert.InDelta(t, 0.5, st.AvgSignificance, 1e-9)
}
