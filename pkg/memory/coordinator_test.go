package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyBackend fails searches of "bot-broken" and stalls searches of
// "bot-slow" until the caller gives up.
type flakyBackend struct {
	*SQLiteBackend
}

func (f flakyBackend) Search(ctx context.Context, vectorName string, query []float32, filter Filter, limit int) ([]Record, error) {
	switch filter.BotID {
	case "bot-broken":
		return nil, ErrInvalidRecord
	case "bot-slow":
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.SQLiteBackend.Search(ctx, vectorName, query, filter, limit)
}

func newCoordinatorFixture(t *testing.T) *Coordinator {
	t.Helper()
	b := newTestBackend(t)
	store := NewMemoryStore(flakyBackend{b}, NewLocalEmbedder(nil), StoreConfig{
		Tuning:         StaticTuning(DefaultTuning()),
		RetryAttempts:  1,
		RetryBaseDelay: time.Millisecond,
	})
	require.NoError(t, store.VerifyDimensions(context.Background()))
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	for _, c := range []string{"I drink coffee every morning", "coffee with oat milk", "coffee beans from the market"} {
		_, err := store.Store(ctx, fact("bot-a", "u1", c))
		require.NoError(t, err)
	}
	_, err := store.Store(ctx, fact("bot-b", "u1", "coffee"))
	require.NoError(t, err)
	_, err = store.Store(ctx, fact("bot-c", "u2", "coffee for someone else"))
	require.NoError(t, err)

	return NewCoordinator(store, CoordinatorConfig{
		KnownBots:   []string{"bot-broken", "bot-slow"},
		Concurrency: 2,
		Timeout:     100 * time.Millisecond,
	})
}

func TestCoordinator_KnownBots(t *testing.T) {
	c := newCoordinatorFixture(t)
	assert.Equal(t, []string{"bot-a", "bot-b", "bot-broken", "bot-slow"}, c.KnownBots(context.Background(), "u1"))
}

func TestCoordinator_QueryAllBotsIsolatesFailures(t *testing.T) {
	c := newCoordinatorFixture(t)
	out := c.QueryAllBots(context.Background(), "coffee", "u1", 10)

	require.Contains(t, out, "bot-a")
	require.Contains(t, out, "bot-b")
	assert.NoError(t, out["bot-a"].Err)
	assert.NotEmpty(t, out["bot-a"].Results)
	for _, hit := range out["bot-a"].Results {
		assert.Equal(t, "bot-a", hit.BotID)
		assert.Equal(t, "u1", hit.UserID)
	}

	broken, ok := out["bot-broken"]
	require.True(t, ok)
	if !errors.Is(broken.Err, ErrPartialMultiBotFailure) {
		t.Fatalf("expected partial failure for bot-broken, got %v", broken.Err)
	}
	_, ok = out["bot-slow"]
	assert.False(t, ok, "timed out bot should be omitted")
	_, ok = out["bot-c"]
	assert.False(t, ok, "bot without memories of u1 should not be queried")
}

func TestCoordinator_QuerySpecificBots(t *testing.T) {
	c := newCoordinatorFixture(t)
	out := c.QuerySpecificBots(context.Background(), "coffee", "u1", []string{"bot-b", "bot-b", ""}, 5)
	require.Len(t, out, 1)
	require.Len(t, out["bot-b"].Results, 1)
	assert.Equal(t, "coffee", out["bot-b"].Results[0].Content)
}

func TestCoordinator_EmbedsQueryOnce(t *testing.T) {
	b := newTestBackend(t)
	emb := &countingEmbedder{inner: NewLocalEmbedder(nil)}
	store := NewMemoryStore(b, emb, StoreConfig{Tuning: StaticTuning(DefaultTuning())})
	require.NoError(t, store.VerifyDimensions(context.Background()))
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	bots := []string{"bot-a", "bot-b", "bot-c", "bot-d"}
	for _, bot := range bots {
		_, err := store.Store(ctx, fact(bot, "u1", "I drink coffee every morning"))
		require.NoError(t, err)
	}

	before := emb.texts
	out := NewCoordinator(store, CoordinatorConfig{Concurrency: 4}).QuerySpecificBots(ctx, "coffee", "u1", bots, 5)
	require.Len(t, out, len(bots))
	for _, bot := range bots {
		assert.NoError(t, out[bot].Err)
		assert.Len(t, out[bot].Results, 1)
	}
	assert.Equal(t, len(DefaultDimensions()), emb.texts-before)
}

func TestCoordinator_CrossBotAnalysis(t *testing.T) {
	c := newCoordinatorFixture(t)
	ctx := context.Background()

	report, err := c.CrossBotAnalysis(ctx, "u1", "coffee")
	require.NoError(t, err)
	assert.Equal(t, 2, report.BotsAnalyzed)
	assert.Equal(t, "bot-b", report.MostRelevantBot)
	assert.Equal(t, "bot-a", report.MostMemoriesBot)
	assert.Equal(t, []string{"bot-broken"}, report.FailedBots)
	assert.Equal(t, 3, report.PerBot["bot-a"].Matches)
	assert.Equal(t, 4, report.TotalMemories)
	assert.InDelta(t, 0.9, report.PerBot["bot-a"].AvgConfidence, 1e-9)

	_, err = c.CrossBotAnalysis(ctx, "u1", " ")
	if !errors.Is(err, ErrScopeViolation) {
		t.Fatalf("expected scope violation for empty topic, got %v", err)
	}
}

func TestCoordinator_GetBotMemoryStats(t *testing.T) {
	c := newCoordinatorFixture(t)
	stats := c.GetBotMemoryStats(context.Background(), "u1")
	assert.Equal(t, 3, stats["bot-a"].Count)
	assert.Equal(t, 1, stats["bot-b"].Count)
	assert.Equal(t, 0, stats["bot-broken"].Count)
	_, ok := stats["bot-c"]
	assert.False(t, ok)
}
