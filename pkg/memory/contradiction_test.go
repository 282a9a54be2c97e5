package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContradictionDetector(t *testing.T) {
	e, _ := newTestEngine(t, DefaultTuning(), Config{})
	ctx := context.Background()

	stored, err := e.Remember(ctx, fact("bot-a", "u1", "My goldfish is named Orion"))
	require.NoError(t, err)
	assert.Empty(t, stored.Contradictions)

	tests := []struct {
		name    string
		content string
		want    int
	}{
		{name: "different name", content: "My goldfish is named Bubbles", want: 1},
		{name: "unrelated", content: "I like pizza", want: 0},
		{name: "duplicate", content: "My goldfish is named Orion", want: 0},
		{name: "lowercase duplicate", content: "goldfish is named orion", want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.Detector().Detect(ctx, tt.content, "u1", "bot-a", 0.85)
			if len(got) != tt.want {
				t.Fatalf("Detect(%q) = %d contradictions, want %d: %+v", tt.content, len(got), tt.want, got)
			}
			for _, c := range got {
				assert.Equal(t, stored.ID, c.ExistingMemoryID)
				assert.Equal(t, tt.content, c.NewContent)
				assert.GreaterOrEqual(t, c.SimilarityScore, 0.85)
				assert.False(t, c.DetectedAt.IsZero())
			}
		})
	}
}

func TestContradictionDetector_ScopedToBotAndUser(t *testing.T) {
	e, _ := newTestEngine(t, DefaultTuning(), Config{})
	ctx := context.Background()

	_, err := e.Remember(ctx, fact("bot-a", "u1", "My goldfish is named Orion"))
	require.NoError(t, err)

	assert.Empty(t, e.Detector().Detect(ctx, "My goldfish is named Bubbles", "u1", "bot-b", 0.85))
	assert.Empty(t, e.Detector().Detect(ctx, "My goldfish is named Bubbles", "u2", "bot-a", 0.85))
}

func TestRemember_ReportsContradictionsForFacts(t *testing.T) {
	e, _ := newTestEngine(t, DefaultTuning(), Config{})
	ctx := context.Background()

	first, err := e.Remember(ctx, fact("bot-a", "u1", "My goldfish is named Orion"))
	require.NoError(t, err)
	second, err := e.Remember(ctx, fact("bot-a", "u1", "My goldfish is named Bubbles"))
	require.NoError(t, err)

	require.Len(t, second.Contradictions, 1)
	assert.Equal(t, first.ID, second.Contradictions[0].ExistingMemoryID)

	// Both facts are kept; resolution is left to the caller.
	recs, err := e.Store().Scroll(ctx, Filter{BotID: "bot-a", UserID: "u1", Types: []MemoryType{MemoryFact}}, 0)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestSubjectsDiffer(t *testing.T) {
	assert.True(t, subjectsDiffer("My goldfish is named Orion", "My goldfish is named Bubbles"))
	assert.False(t, subjectsDiffer("My goldfish is named Orion", "my goldfish is named Orion."))
	assert.True(t, subjectsDiffer("i live in the city", "i live in the country"))
	assert.False(t, subjectsDiffer("i live in the city", "I live in the city"))
	assert.False(t, subjectsDiffer("My goldfish is named Orion", "goldfish is named orion"))
	assert.True(t, subjectsDiffer("My goldfish is named Orion", "my goldfish is named bubbles"))
}
