package memory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lowThresholdTuning() Tuning {
	tuning := DefaultTuning()
	tuning.Thresholds = map[QueryType]float64{
		QueryConversationRecall: 0.1,
		QueryFactLookup:         0.1,
		QueryGeneral:            0.1,
	}
	return tuning
}

func TestEngine_EndToEnd(t *testing.T) {
	e, _ := newTestEngine(t, lowThresholdTuning(), Config{})
	ctx := context.Background()

	remembered, err := e.Remember(ctx, fact("bot-a", "u1", "My sister lives in Porto"))
	if err != nil {
		t.Fatalf("remember: %v", err)
	}

	turns := []struct {
		role    string
		content string
		offset  time.Duration
	}{
		{"user", "Hi there", 0},
		{"assistant", "Hello! How can I help?", 60 * time.Second},
		{"user", "Tell me a joke", 120 * time.Second},
		{"assistant", "Why did the chicken cross the road?", 180 * time.Second},
		{"user", "I am back", 2000 * time.Second},
	}
	var sessionIDs []string
	for _, tt := range turns {
		res, err := e.RecordTurn(ctx, Turn{BotID: "bot-a", UserID: "u1", Role: tt.role, Content: tt.content, Timestamp: testEpoch.Add(tt.offset)})
		if err != nil {
			t.Fatalf("record turn %q: %v", tt.content, err)
		}
		sessionIDs = append(sessionIDs, res.SessionID)
	}
	session1 := sessionIDs[0]
	for i := 1; i < 4; i++ {
		require.Equal(t, session1, sessionIDs[i])
	}
	require.NotEqual(t, session1, sessionIDs[4])

	if n := e.ProcessPendingJobs(ctx); n != 1 {
		t.Fatalf("expected 1 completed job, got %d", n)
	}

	scope := Filter{BotID: "bot-a", UserID: "u1"}
	count := func(mt MemoryType) []Record {
		f := scope
		f.Types = []MemoryType{mt}
		recs, err := e.Store().Scroll(ctx, f, 0)
		require.NoError(t, err)
		return recs
	}
	assert.Len(t, count(MemoryFact), 1)
	assert.Len(t, count(MemoryConversation), 5)
	summaries := count(MemoryConversationSummary)
	require.Len(t, summaries, 1)
	assert.Equal(t, session1, summaries[0].SessionID)
	n, ok := metaInt(summaries[0].Metadata, MetaTurnCount)
	require.True(t, ok)
	assert.Equal(t, 4, n)

	rec, err := e.Recall(ctx, RecallRequest{BotID: "bot-a", UserID: "u1", Query: "Where does my sister live?"})
	require.NoError(t, err)
	assert.False(t, rec.Degraded)
	assert.Equal(t, QueryFactLookup, rec.Query.QueryType)
	found := false
	for _, r := range rec.Results {
		assert.Equal(t, "bot-a", r.BotID)
		if r.ID == remembered.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected recalled fact %s in %d results", remembered.ID, len(rec.Results))
	}
}

func TestEngine_RecordTurnValidates(t *testing.T) {
	e, _ := newTestEngine(t, DefaultTuning(), Config{})
	ctx := context.Background()

	_, err := e.RecordTurn(ctx, Turn{BotID: "bot-a", UserID: "u1", Role: "system", Content: "hi"})
	if !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected invalid record for system role, got %v", err)
	}
	_, err = e.RecordTurn(ctx, Turn{BotID: "bot-a", Role: "user", Content: "hi"})
	if !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected invalid record without user, got %v", err)
	}
}

func TestEngine_RecallRequiresScope(t *testing.T) {
	e, _ := newTestEngine(t, DefaultTuning(), Config{})
	_, err := e.Recall(context.Background(), RecallRequest{BotID: "bot-a", Query: "anything"})
	if !errors.Is(err, ErrScopeViolation) {
		t.Fatalf("expected scope violation, got %v", err)
	}
}

func TestEngine_ExtractFacts(t *testing.T) {
	e, _ := newTestEngine(t, DefaultTuning(), Config{ExtractFacts: true})
	ctx := context.Background()

	res, err := e.RecordTurn(ctx, Turn{BotID: "bot-a", UserID: "u1", Role: "user", Content: "My goldfish is named Orion", Timestamp: testEpoch})
	require.NoError(t, err)
	require.NotEmpty(t, res.Extracted)
	extracted := len(res.Extracted)

	res, err = e.RecordTurn(ctx, Turn{BotID: "bot-a", UserID: "u1", Role: "assistant", Content: "My goldfish is named Bubbles", Timestamp: testEpoch.Add(time.Minute)})
	require.NoError(t, err)
	assert.Empty(t, res.Extracted)

	recs, err := e.Store().Scroll(ctx, Filter{BotID: "bot-a", UserID: "u1", Types: []MemoryType{MemoryFact, MemoryRelationship}}, 0)
	require.NoError(t, err)
	require.Len(t, recs, extracted)
	assert.Equal(t, "extraction", recs[0].Source)
	assert.NotEmpty(t, recs[0].MetaString("source_turn_id"))
}

func TestEngine_JobRetryThenFail(t *testing.T) {
	e, b := newTestEngine(t, DefaultTuning(), Config{MaxJobAttempts: 2, JobBackoff: time.Hour})
	ctx := context.Background()

	job := Job{ID: "job-bogus", JobType: "bogus", SessionKey: "s1", Payload: map[string]string{}}
	require.NoError(t, b.EnqueueJob(ctx, job))

	if n := e.ProcessPendingJobs(ctx); n != 0 {
		t.Fatalf("expected no completed jobs, got %d", n)
	}
	pending, err := b.ListJobs(ctx, JobPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.True(t, strings.Contains(pending[0].Error, "unknown memory job type"))
	assert.Greater(t, pending[0].RunAfterMS, time.Now().Add(30*time.Minute).UnixMilli())

	// Make it due again; the second failure exhausts the attempts.
	job.RunAfterMS = 1
	require.NoError(t, b.EnqueueJob(ctx, job))
	e.ProcessPendingJobs(ctx)

	failed, err := b.ListJobs(ctx, JobFailed, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 2, failed[0].Attempts)
}

func TestEngine_CompletedSummaryJobIsNotReplayed(t *testing.T) {
	e, b := newTestEngine(t, DefaultTuning(), Config{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := e.RecordTurn(ctx, Turn{BotID: "bot-a", UserID: "u1", Role: "user", Content: "line", Timestamp: testEpoch.Add(time.Duration(i) * time.Minute)})
		require.NoError(t, err)
	}
	closed, err := e.Sessions().CloseSession(ctx, "bot-a", "u1")
	require.NoError(t, err)
	require.True(t, closed)
	require.Equal(t, 1, e.ProcessPendingJobs(ctx))

	done, err := b.ListJobs(ctx, JobCompleted, 10)
	require.NoError(t, err)
	require.Len(t, done, 1)
	replay := done[0]
	replay.Status = JobPending
	require.NoError(t, b.EnqueueJob(ctx, replay))
	assert.Equal(t, 0, e.ProcessPendingJobs(ctx))
}

func TestEngine_CloseIsIdempotent(t *testing.T) {
	e, _ := newTestEngine(t, DefaultTuning(), Config{})
	if err := e.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestNewEngine_RejectsInvalidSweepSchedule(t *testing.T) {
	b := newTestBackend(t)
	defer b.Close()
	_, err := NewEngine(context.Background(), Config{SweepSchedule: "not a cron", DisableWorker: true}, Deps{Backend: b, Embedder: NewLocalEmbedder(nil)})
	if err == nil {
		t.Fatalf("expected invalid sweep schedule error")
	}
}

func TestEngine_SweepKeepsSessionsWithBackdatedTurns(t *testing.T) {
	e, _ := newTestEngine(t, DefaultTuning(), Config{})
	ctx := context.Background()
	past := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	seen := map[string]bool{}
	for _, offset := range []int{0, 300, 600} {
		res, err := e.RecordTurn(ctx, Turn{BotID: "bot-a", UserID: "u1", Role: "user", Content: "hello", Timestamp: past.Add(time.Duration(offset) * time.Second)})
		require.NoError(t, err)
		seen[res.SessionID] = true

		// The turns just arrived, so a sweep at the wall clock leaves them open.
		n, err := e.SweepIdleSessions(ctx, time.Now())
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	}
	assert.Len(t, seen, 1)

	n, err := e.SweepIdleSessions(ctx, time.Now().Add(DefaultTuning().Keepalive+time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEngine_ConcurrentTurnsShareOneSession(t *testing.T) {
	e, b := newTestEngine(t, DefaultTuning(), Config{})
	ctx := context.Background()

	const workers = 16
	ids := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := e.RecordTurn(ctx, Turn{BotID: "bot-a", UserID: "u1", Role: "user", Content: "parallel turn", Timestamp: testEpoch.Add(time.Duration(i) * time.Second)})
			if err != nil {
				t.Errorf("record turn %d: %v", i, err)
				return
			}
			ids[i] = res.SessionID
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		assert.Equal(t, ids[0], ids[i])
	}
	st, ok, err := b.GetSessionState(ctx, "bot-a", "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, workers, st.TurnCount)

	turns, err := e.Store().Scroll(ctx, Filter{BotID: "bot-a", UserID: "u1", Types: []MemoryType{MemoryConversation}}, 0)
	require.NoError(t, err)
	assert.Len(t, turns, workers)
}

// lostCompletionQueue drops the first completion acknowledgement.
type lostCompletionQueue struct {
	JobQueue
	mu   sync.Mutex
	lost int
}

func (q *lostCompletionQueue) CompleteJob(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.lost == 0 {
		q.lost++
		return errors.New("ack lost")
	}
	return q.JobQueue.CompleteJob(ctx, id)
}

func TestEngine_RerunAfterLostCompletionKeepsSummary(t *testing.T) {
	b := newTestBackend(t)
	calls := 0
	summarize := func(ctx context.Context, existing, transcript string) (string, error) {
		calls++
		return "We chatted about plants.", nil
	}
	e, err := NewEngine(context.Background(), Config{DisableWorker: true}, Deps{
		Backend:   b,
		Embedder:  NewLocalEmbedder(nil),
		Queue:     &lostCompletionQueue{JobQueue: b},
		Sessions:  b,
		Summarize: summarize,
		Tuning:    StaticTuning(DefaultTuning()),
		Store:     StoreConfig{RetryAttempts: 1, RetryBaseDelay: time.Millisecond},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := e.RecordTurn(ctx, Turn{BotID: "bot-a", UserID: "u1", Role: "user", Content: "my fern is thriving", Timestamp: testEpoch.Add(time.Duration(i) * time.Minute)})
		require.NoError(t, err)
	}
	closed, err := e.Sessions().CloseSession(ctx, "bot-a", "u1")
	require.NoError(t, err)
	require.True(t, closed)

	assert.Equal(t, 0, e.ProcessPendingJobs(ctx))
	assert.Equal(t, 1, calls)

	// The lease runs out and the job comes back.
	require.NoError(t, b.RequeueExpiredJobs(ctx, time.Now().Add(24*time.Hour).UnixMilli()))
	assert.Equal(t, 1, e.ProcessPendingJobs(ctx))
	assert.Equal(t, 1, calls)

	summaries, err := e.Store().Scroll(ctx, Filter{BotID: "bot-a", UserID: "u1", Types: []MemoryType{MemoryConversationSummary}}, 0)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "We chatted about plants.", summaries[0].Content)
}
