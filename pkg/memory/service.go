package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/dotsetgreg/personamem/pkg/logger"
	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/sync/errgroup"
)

// Config configures the engine's background worker and fan-out.
type Config struct {
	WorkerPoll  time.Duration
	WorkerLease time.Duration
	// SweepSchedule is a cron expression for closing idle sessions. Empty disables the sweep.
	SweepSchedule  string
	MaxJobAttempts int
	JobBackoff     time.Duration
	Coordinator    CoordinatorConfig
	// DisableWorker skips the background goroutine; callers drive
	// ProcessPendingJobs and SweepIdleSessions themselves.
	DisableWorker bool
	// ExtractFacts remembers facts and relationships stated in user turns.
	ExtractFacts bool
}

// Deps are the collaborators of an Engine. Queue and Sessions default to
// the backend when it implements those interfaces.
type Deps struct {
	Backend   Backend
	Embedder  Embedder
	Queue     JobQueue
	Sessions  SessionStateStore
	Tuning    TuningSource
	Summarize SummaryFunc
	Store     StoreConfig
}

// Engine orchestrates memory capture, recall, session windowing and
// background summarization.
type Engine struct {
	cfg         Config
	tuning      TuningSource
	store       *MemoryStore
	detector    *ContradictionDetector
	optimizer   *QueryOptimizer
	ranker      *Ranker
	sessions    *SessionManager
	summarizer  *Summarizer
	coordinator *Coordinator
	queue       JobQueue
	closers     []func() error

	stopCh chan struct{}
	wg     sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

func NewEngine(ctx context.Context, cfg Config, deps Deps) (*Engine, error) {
	if deps.Backend == nil {
		return nil, fmt.Errorf("memory backend is required")
	}
	if cfg.WorkerPoll <= 0 {
		cfg.WorkerPoll = 800 * time.Millisecond
	}
	if cfg.WorkerLease <= 0 {
		cfg.WorkerLease = 45 * time.Second
	}
	if cfg.MaxJobAttempts <= 0 {
		cfg.MaxJobAttempts = 5
	}
	if cfg.JobBackoff <= 0 {
		cfg.JobBackoff = 2 * time.Second
	}
	if cfg.SweepSchedule != "" && !gronx.New().IsValid(cfg.SweepSchedule) {
		return nil, fmt.Errorf("invalid sweep schedule %q", cfg.SweepSchedule)
	}

	queue := deps.Queue
	if queue == nil {
		q, ok := deps.Backend.(JobQueue)
		if !ok {
			return nil, fmt.Errorf("memory job queue is required")
		}
		queue = q
	}
	states := deps.Sessions
	if states == nil {
		s, ok := deps.Backend.(SessionStateStore)
		if !ok {
			return nil, fmt.Errorf("session state store is required")
		}
		states = s
	}

	tuning := deps.Tuning
	if tuning == nil {
		tuning = StaticTuning(DefaultTuning())
	}
	storeCfg := deps.Store
	storeCfg.Tuning = tuning
	store := NewMemoryStore(deps.Backend, deps.Embedder, storeCfg)
	if err := store.VerifyDimensions(ctx); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:         cfg,
		tuning:      tuning,
		store:       store,
		detector:    NewContradictionDetector(store, tuning),
		optimizer:   NewQueryOptimizer(store, tuning),
		ranker:      NewRanker(tuning),
		sessions:    NewSessionManager(states, queue, tuning),
		summarizer:  NewSummarizer(store, deps.Summarize, tuning),
		coordinator: NewCoordinator(store, cfg.Coordinator),
		queue:       queue,
		stopCh:      make(chan struct{}),
	}
	e.closers = append(e.closers, store.Close)
	if c, ok := queue.(interface{ Close() error }); ok && any(queue) != any(deps.Backend) {
		e.closers = append(e.closers, c.Close)
	}
	if c, ok := states.(interface{ Close() error }); ok && any(states) != any(deps.Backend) && any(states) != any(queue) {
		e.closers = append(e.closers, c.Close)
	}

	if !cfg.DisableWorker {
		e.wg.Add(1)
		go e.runWorker()
	}
	return e, nil
}

func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		close(e.stopCh)
		e.wg.Wait()
		for _, c := range e.closers {
			if err := c(); err != nil && e.closeErr == nil {
				e.closeErr = err
			}
		}
	})
	return e.closeErr
}

func (e *Engine) Store() *MemoryStore { return e.store }
func (e *Engine) Detector() *ContradictionDetector { return e.detector }
func (e *Engine) Optimizer() *QueryOptimizer { return e.optimizer }
func (e *Engine) Ranker() *Ranker { return e.ranker }
func (e *Engine) Sessions() *SessionManager { return e.sessions }
func (e *Engine) Summarizer() *Summarizer { return e.summarizer }
func (e *Engine) Coordinator() *Coordinator { return e.coordinator }

// RememberResult is the outcome of Remember.
type RememberResult struct {
	ID             string
	Contradictions []Contradiction
}

// Remember stores rec. For facts, contradiction detection runs
// concurrently against the facts stored before this one.
func (e *Engine) Remember(ctx context.Context, rec Record) (RememberResult, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	res := RememberResult{ID: rec.ID, Contradictions: []Contradiction{}}

	g, gctx := errgroup.WithContext(ctx)
	if rec.Type == MemoryFact {
		g.Go(func() error {
			found, err := e.detector.detect(gctx, rec.Content, rec.UserID, rec.BotID, 0, []string{rec.ID})
			if err != nil {
				logger.WarnCF("contradiction", "Contradiction detection failed", map[string]interface{}{
					"bot_id":  rec.BotID,
					"user_id": rec.UserID,
					"error":   goerr.Wrap(ErrContradictionDetection, err.Error()).Error(),
				})
				return nil
			}
			res.Contradictions = found
			return nil
		})
	}
	g.Go(func() error {
		_, err := e.store.Store(gctx, rec)
		return err
	})
	if err := g.Wait(); err != nil {
		return RememberResult{}, err
	}
	if len(res.Contradictions) > 0 {
		logger.InfoCF("contradiction", "Contradicting facts detected", map[string]interface{}{
			"bot_id":  rec.BotID,
			"user_id": rec.UserID,
			"id":      rec.ID,
			"count":   len(res.Contradictions),
		})
		e.store.metric(ctx, "memory.contradictions", float64(len(res.Contradictions)), map[string]string{"bot_id": rec.BotID})
	}
	return res, nil
}

// Turn is one conversational message.
type Turn struct {
	BotID        string
	UserID       string
	Role         string
	Content      string
	Timestamp    time.Time
	Confidence   float64
	Significance float64
	Metadata     map[string]any
}

// TurnResult is the outcome of RecordTurn.
type TurnResult struct {
	ID         string
	SessionID  string
	Transition SessionTransition
	// Extracted holds memories captured from the turn when ExtractFacts is on.
	Extracted []RememberResult
}

// RecordTurn advances the (bot, user) session window and stores the turn
// as a conversation memory of the current session.
func (e *Engine) RecordTurn(ctx context.Context, turn Turn) (TurnResult, error) {
	if turn.Role != "user" && turn.Role != "assistant" {
		return TurnResult{}, goerr.Wrap(ErrInvalidRecord, "turn role must be user or assistant", goerr.V("role", turn.Role))
	}
	if strings.TrimSpace(turn.BotID) == "" || strings.TrimSpace(turn.UserID) == "" {
		return TurnResult{}, goerr.Wrap(ErrInvalidRecord, "turn needs bot_id and user_id")
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}
	if turn.Confidence == 0 {
		turn.Confidence = 1
	}
	if turn.Significance == 0 {
		turn.Significance = 0.5
	}

	unlock := e.sessions.Lock(turn.BotID, turn.UserID)
	defer unlock()

	tr, err := e.sessions.observeLocked(ctx, turn.BotID, turn.UserID, turn.Timestamp)
	if err != nil {
		return TurnResult{}, err
	}

	meta := map[string]any{}
	for k, v := range turn.Metadata {
		meta[k] = v
	}
	meta[MetaRole] = turn.Role
	id, err := e.store.Store(ctx, Record{
		BotID:        turn.BotID,
		UserID:       turn.UserID,
		SessionID:    tr.SessionID,
		Type:         MemoryConversation,
		Content:      turn.Content,
		Metadata:     meta,
		Confidence:   turn.Confidence,
		Significance: turn.Significance,
		Timestamp:    tr.Timestamp,
		Source:       "turn",
	})
	if err != nil {
		return TurnResult{}, err
	}
	res := TurnResult{ID: id, SessionID: tr.SessionID, Transition: tr}
	if e.cfg.ExtractFacts && turn.Role == "user" {
		res.Extracted = e.rememberExtracted(ctx, turn, id, tr.Timestamp)
	}
	return res, nil
}

func (e *Engine) rememberExtracted(ctx context.Context, turn Turn, turnID string, ts time.Time) []RememberResult {
	var out []RememberResult
	for _, m := range ExtractMemories(turn.Content) {
		meta := map[string]any{"source_turn_id": turnID}
		for k, v := range m.Metadata {
			meta[k] = v
		}
		res, err := e.Remember(ctx, Record{
			BotID:        turn.BotID,
			UserID:       turn.UserID,
			Type:         m.Type,
			Content:      m.Content,
			Metadata:     meta,
			Confidence:   m.Confidence,
			Significance: turn.Significance,
			Timestamp:    ts,
			Source:       "extraction",
		})
		if err != nil {
			logger.WarnCF("memory", "Failed to remember extracted memory", map[string]interface{}{
				"bot_id":  turn.BotID,
				"user_id": turn.UserID,
				"error":   err.Error(),
			})
			continue
		}
		out = append(out, res)
	}
	return out
}

// RecallRequest is a prompt-time memory lookup.
type RecallRequest struct {
	BotID     string
	UserID    string
	Query     string
	QueryType QueryType
	TopK      int
	Types     []MemoryType
	Since     time.Time
	Until     time.Time
	Topic     string
	ChannelID string
	History   UserHistory
	User      UserContext
}

// RecallResult holds the ranked memories for a query. Degraded is set when
// a failure was turned into an empty result.
type RecallResult struct {
	Query     OptimizedQuery
	Threshold float64
	Results   []RankedResult
	Degraded  bool
}

// Recall optimizes the query, searches with the adaptive threshold and
// re-ranks. Failures other than a missing scope degrade to an empty result.
func (e *Engine) Recall(ctx context.Context, req RecallRequest) (RecallResult, error) {
	if err := requireScope(Filter{BotID: req.BotID, UserID: req.UserID}); err != nil {
		return RecallResult{}, err
	}
	if req.TopK <= 0 {
		req.TopK = 8
	}
	q := e.optimizer.OptimizeQuery(req.Query, QueryContext{QueryType: req.QueryType, BotID: req.BotID, UserID: req.UserID})
	threshold := e.optimizer.AdaptiveThreshold(q.QueryType, req.History)
	out := RecallResult{Query: q, Threshold: threshold, Results: []RankedResult{}}

	hits, err := e.optimizer.HybridSearch(ctx, q, HybridFilters{
		BotID:     req.BotID,
		UserID:    req.UserID,
		Types:     req.Types,
		Since:     req.Since,
		Until:     req.Until,
		Topic:     req.Topic,
		ChannelID: req.ChannelID,
		TopK:      req.TopK * 2,
		MinScore:  threshold,
	})
	if err != nil {
		logger.WarnCF("memory", "Recall degraded to empty result", map[string]interface{}{
			"bot_id":  req.BotID,
			"user_id": req.UserID,
			"error":   err.Error(),
		})
		out.Degraded = true
		return out, nil
	}
	ranked := e.ranker.Rerank(hits, q.Text, req.User)
	if len(ranked) > req.TopK {
		ranked = ranked[:req.TopK]
	}
	out.Results = ranked
	e.store.metric(ctx, "memory.recall.results", float64(len(ranked)), map[string]string{
		"bot_id":     req.BotID,
		"query_type": string(q.QueryType),
	})
	return out, nil
}

// SweepIdleSessions closes sessions idle longer than the keepalive window.
func (e *Engine) SweepIdleSessions(ctx context.Context, now time.Time) (int, error) {
	return e.sessions.SweepIdle(ctx, now)
}

func (e *Engine) runWorker() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.WorkerPoll)
	defer ticker.Stop()

	nextSweep := e.nextSweepAfter(time.Now())

	// Run once at startup so pending jobs from prior process lifetime begin immediately.
	e.ProcessPendingJobs(context.Background())

	for {
		select {
		case <-e.stopCh:
			return
		case now := <-ticker.C:
			if !nextSweep.IsZero() && !now.Before(nextSweep) {
				if n, err := e.sessions.SweepIdle(context.Background(), now); err != nil {
					logger.WarnCF("session", "Idle sweep failed", map[string]interface{}{"error": err.Error()})
				} else if n > 0 {
					logger.InfoCF("session", "Idle sessions closed", map[string]interface{}{"count": n})
				}
				nextSweep = e.nextSweepAfter(now)
			}
			e.ProcessPendingJobs(context.Background())
		}
	}
}

func (e *Engine) nextSweepAfter(ref time.Time) time.Time {
	if e.cfg.SweepSchedule == "" {
		return time.Time{}
	}
	next, err := gronx.NextTickAfter(e.cfg.SweepSchedule, ref, false)
	if err != nil {
		logger.WarnCF("session", "Invalid sweep schedule", map[string]interface{}{
			"schedule": e.cfg.SweepSchedule,
			"error":    err.Error(),
		})
		return time.Time{}
	}
	return next
}

// ProcessPendingJobs claims and runs up to one batch of queued jobs and
// returns how many completed.
func (e *Engine) ProcessPendingJobs(ctx context.Context) int {
	const maxBatch = 32
	now := time.Now().UnixMilli()
	_ = e.queue.RequeueExpiredJobs(ctx, now)

	leaseForMS := int64(e.cfg.WorkerLease / time.Millisecond)
	completed := 0
	for i := 0; i < maxBatch; i++ {
		job, ok, err := e.queue.ClaimNextJob(ctx, time.Now().UnixMilli(), leaseForMS)
		if err != nil {
			logger.WarnCF("memory", "Failed to claim job", map[string]interface{}{"error": err.Error()})
			return completed
		}
		if !ok {
			return completed
		}

		if err := e.handleJob(ctx, job); err != nil {
			e.failJob(ctx, job, err)
			continue
		}
		if err := e.queue.CompleteJob(ctx, job.ID); err != nil {
			logger.ErrorCF("memory", "Failed to complete job", map[string]interface{}{
				"job_id": job.ID,
				"type":   job.JobType,
				"error":  err.Error(),
			})
			continue
		}
		e.store.metric(ctx, "memory.job.completed", 1, map[string]string{"type": job.JobType})
		completed++
	}
	return completed
}

func (e *Engine) failJob(ctx context.Context, job Job, cause error) {
	e.store.metric(ctx, "memory.job.failed", 1, map[string]string{"type": job.JobType})
	if job.Attempts+1 < e.cfg.MaxJobAttempts {
		backoff := e.cfg.JobBackoff * time.Duration(1<<job.Attempts)
		if err := e.queue.RetryJob(ctx, job.ID, cause.Error(), time.Now().Add(backoff).UnixMilli()); err != nil {
			logger.ErrorCF("memory", "Failed to reschedule job", map[string]interface{}{"job_id": job.ID, "error": err.Error()})
		}
		logger.WarnCF("memory", "Job failed, retrying", map[string]interface{}{
			"job_id":  job.ID,
			"type":    job.JobType,
			"attempt": job.Attempts + 1,
			"error":   cause.Error(),
		})
		return
	}
	if err := e.queue.FailJob(ctx, job.ID, cause.Error()); err != nil {
		logger.ErrorCF("memory", "Failed to mark job failed", map[string]interface{}{"job_id": job.ID, "error": err.Error()})
	}
	logger.ErrorCF("memory", "Job failed permanently", map[string]interface{}{
		"job_id": job.ID,
		"type":   job.JobType,
		"error":  cause.Error(),
	})
}

func (e *Engine) handleJob(ctx context.Context, job Job) error {
	switch job.JobType {
	case JobSummarizeSession:
		botID := job.Payload["bot_id"]
		userID := job.Payload["user_id"]
		sessionID := job.Payload["session_id"]
		if strings.TrimSpace(botID) == "" || strings.TrimSpace(userID) == "" || strings.TrimSpace(sessionID) == "" {
			return fmt.Errorf("invalid summarize job payload")
		}
		// Summaries are never rewritten; a rerun after a lost completion is a no-op.
		if _, err := e.store.Get(ctx, botID, userID, SummaryID(botID, userID, sessionID)); err == nil {
			logger.DebugCF("summarizer", "Session already summarized", map[string]interface{}{"session_id": sessionID})
			return nil
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		_, written, err := e.summarizer.SummarizeSession(ctx, botID, userID, sessionID)
		if err != nil {
			return err
		}
		if !written {
			logger.DebugCF("summarizer", "Summary skipped", map[string]interface{}{
				"session_id": sessionID,
				"turn_count": job.Payload["turn_count"],
			})
		}
		return nil
	default:
		return fmt.Errorf("unknown memory job type: %s", job.JobType)
	}
}
