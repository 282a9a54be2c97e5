package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionManager_KeepaliveWindowing(t *testing.T) {
	b := newTestBackend(t)
	defer b.Close()
	m := NewSessionManager(b, b, StaticTuning(DefaultTuning()))
	ctx := context.Background()

	var sessions []string
	for _, offset := range []int{0, 300, 600} {
		tr, err := m.ObserveTurn(ctx, "bot-a", "u1", testEpoch.Add(time.Duration(offset)*time.Second))
		require.NoError(t, err)
		sessions = append(sessions, tr.SessionID)
	}
	assert.Equal(t, sessions[0], sessions[1])
	assert.Equal(t, sessions[0], sessions[2])

	tr, err := m.ObserveTurn(ctx, "bot-a", "u1", testEpoch.Add(1550*time.Second))
	require.NoError(t, err)
	assert.NotEqual(t, sessions[0], tr.SessionID)
	assert.True(t, tr.Opened)
	require.NotNil(t, tr.Closed)
	assert.Equal(t, sessions[0], tr.Closed.SessionID)
	assert.Equal(t, 3, tr.Closed.TurnCount)
	assert.True(t, tr.SummaryQueued)

	jobs, err := b.ListJobs(ctx, JobPending, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, sessions[0], jobs[0].Payload["session_id"])
	assert.Equal(t, "3", jobs[0].Payload["turn_count"])
}

func TestSessionManager_GapAtKeepaliveContinues(t *testing.T) {
	b := newTestBackend(t)
	defer b.Close()
	m := NewSessionManager(b, b, StaticTuning(DefaultTuning()))
	ctx := context.Background()

	first, err := m.ObserveTurn(ctx, "bot-a", "u1", testEpoch)
	require.NoError(t, err)
	second, err := m.ObserveTurn(ctx, "bot-a", "u1", testEpoch.Add(900*time.Second))
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, 2, second.TurnCount)
}

func TestSessionManager_ClampsOutOfOrderTurns(t *testing.T) {
	b := newTestBackend(t)
	defer b.Close()
	m := NewSessionManager(b, b, StaticTuning(DefaultTuning()))
	ctx := context.Background()

	_, err := m.ObserveTurn(ctx, "bot-a", "u1", testEpoch.Add(time.Minute))
	require.NoError(t, err)
	tr, err := m.ObserveTurn(ctx, "bot-a", "u1", testEpoch)
	require.NoError(t, err)
	assert.True(t, tr.Clamped)
	assert.True(t, tr.Timestamp.Equal(testEpoch.Add(time.Minute)))
	assert.Equal(t, 2, tr.TurnCount)
}

func TestSessionManager_PairsAreIndependent(t *testing.T) {
	b := newTestBackend(t)
	defer b.Close()
	m := NewSessionManager(b, b, StaticTuning(DefaultTuning()))
	ctx := context.Background()

	a, err := m.ObserveTurn(ctx, "bot-a", "u1", testEpoch)
	require.NoError(t, err)
	other, err := m.ObserveTurn(ctx, "bot-b", "u1", testEpoch)
	require.NoError(t, err)
	assert.NotEqual(t, a.SessionID, other.SessionID)
}

func TestSessionManager_SweepIdle(t *testing.T) {
	b := newTestBackend(t)
	defer b.Close()
	m := NewSessionManager(b, b, StaticTuning(DefaultTuning()))
	clock := testEpoch
	m.now = func() time.Time { return clock }
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		clock = testEpoch.Add(time.Duration(i) * time.Minute)
		_, err := m.ObserveTurn(ctx, "bot-a", "u1", clock)
		require.NoError(t, err)
	}
	clock = testEpoch.Add(20 * time.Minute)
	_, err := m.ObserveTurn(ctx, "bot-a", "u2", clock)
	require.NoError(t, err)

	// u1 went quiet at +3m; u2 at +20m is still inside the window.
	n, err := m.SweepIdle(ctx, testEpoch.Add(20*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok, err := b.GetSessionState(ctx, "bot-a", "u1")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = b.GetSessionState(ctx, "bot-a", "u2")
	require.NoError(t, err)
	assert.True(t, ok)

	jobs, err := b.ListJobs(ctx, JobPending, 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestSummarization_Threshold(t *testing.T) {
	tests := []struct {
		name  string
		turns int
		want  int
	}{
		{name: "two turns", turns: 2, want: 0},
		{name: "four turns", turns: 4, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestEngine(t, DefaultTuning(), Config{})
			ctx := context.Background()
			for i := 0; i < tt.turns; i++ {
				role := "user"
				if i%2 == 1 {
					role = "assistant"
				}
				_, err := e.RecordTurn(ctx, Turn{BotID: "bot-a", UserID: "u1", Role: role, Content: "turn text", Timestamp: testEpoch.Add(time.Duration(i) * time.Minute)})
				require.NoError(t, err)
			}
			// A turn after the keepalive gap closes the session.
			_, err := e.RecordTurn(ctx, Turn{BotID: "bot-a", UserID: "u1", Role: "user", Content: "back again", Timestamp: testEpoch.Add(2 * time.Hour)})
			require.NoError(t, err)

			e.ProcessPendingJobs(ctx)
			summaries, err := e.Store().Scroll(ctx, Filter{BotID: "bot-a", UserID: "u1", Types: []MemoryType{MemoryConversationSummary}}, 0)
			require.NoError(t, err)
			if len(summaries) != tt.want {
				t.Fatalf("expected %d summaries, got %d", tt.want, len(summaries))
			}
		})
	}
}

type failingSummary struct{ calls int }

func (f *failingSummary) summarize(context.Context, string, string) (string, error) {
	f.calls++
	return "", assert.AnError
}

func TestSummarizer_FallbackAndDeterministicID(t *testing.T) {
	store, _ := newTestStore(t, DefaultTuning())
	ctx := context.Background()
	contents := []string{"I adopted a cat named Miso", "That is lovely!", "She likes sunny windows", "Cats love that."}
	for i, c := range contents {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		_, err := store.Store(ctx, Record{
			BotID: "bot-a", UserID: "u1", SessionID: "s1", Type: MemoryConversation, Content: c,
			Metadata: map[string]any{MetaRole: role}, Confidence: 1, Significance: 0.5,
			Timestamp: testEpoch.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	fs := &failingSummary{}
	s := NewSummarizer(store, fs.summarize, StaticTuning(DefaultTuning()))
	id, written, err := s.SummarizeSession(ctx, "bot-a", "u1", "s1")
	require.NoError(t, err)
	require.True(t, written)
	assert.Equal(t, 1, fs.calls)
	assert.Equal(t, SummaryID("bot-a", "u1", "s1"), id)

	// Re-running overwrites the same record.
	_, _, err = s.SummarizeSession(ctx, "bot-a", "u1", "s1")
	require.NoError(t, err)

	summaries, err := store.Scroll(ctx, Filter{BotID: "bot-a", UserID: "u1", Types: []MemoryType{MemoryConversationSummary}}, 0)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	sum := summaries[0]
	assert.Contains(t, sum.Content, "Miso")
	assert.Contains(t, sum.Content, "sunny windows")
	assert.NotContains(t, sum.Content, "That is lovely")
	n, ok := metaInt(sum.Metadata, MetaTurnCount)
	require.True(t, ok)
	assert.Equal(t, 4, n)
	assert.True(t, sum.Timestamp.Equal(testEpoch.Add(3*time.Minute)))
	assert.LessOrEqual(t, len([]rune(sum.Content)), DefaultTuning().SummaryMaxChars)
}

func TestSummarizer_CoversLongSessions(t *testing.T) {
	store, _ := newTestStore(t, DefaultTuning())
	ctx := context.Background()

	const turns = 1005
	for i := 0; i < turns; i++ {
		_, err := store.Store(ctx, Record{
			BotID: "bot-a", UserID: "u1", SessionID: "long", Type: MemoryConversation, Content: "still chatting",
			Metadata: map[string]any{MetaRole: "user"}, Confidence: 1, Significance: 0.5,
			Timestamp: testEpoch.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	s := NewSummarizer(store, nil, StaticTuning(DefaultTuning()))
	_, written, err := s.SummarizeSession(ctx, "bot-a", "u1", "long")
	require.NoError(t, err)
	require.True(t, written)

	sum, err := store.Get(ctx, "bot-a", "u1", SummaryID("bot-a", "u1", "long"))
	require.NoError(t, err)
	n, ok := metaInt(sum.Metadata, MetaTurnCount)
	require.True(t, ok)
	assert.Equal(t, turns, n)
	last := testEpoch.Add((turns - 1) * time.Second)
	assert.Equal(t, last.Format(time.RFC3339), sum.MetaString(MetaWindowEnd))
	assert.True(t, sum.Timestamp.Equal(last))
}
