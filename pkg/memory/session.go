package memory

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"strconv"
	"sync"
	"time"

	"github.com/dotsetgreg/personamem/pkg/logger"
	"github.com/google/uuid"
)

var sessionNamespace = uuid.MustParse("6f1d7c2e-3b0a-5e43-9a51-2c8f4d6b7e10")

// SessionTransition describes what a turn did to its (bot, user) session.
type SessionTransition struct {
	SessionID string
	TurnCount int
	// Opened is set when this turn started a new session.
	Opened bool
	// Closed holds the session this turn closed, if any.
	Closed *SessionState
	// SummaryQueued is set when the closed session was queued for summarization.
	SummaryQueued bool
	// Clamped is set when the turn's timestamp was earlier than the last turn.
	Clamped bool
	// Timestamp is the effective turn time after clamping.
	Timestamp time.Time
}

// SessionManager groups turns into keepalive-bounded sessions and queues a
// summarization job when a long enough session closes.
type SessionManager struct {
	states SessionStateStore
	queue  JobQueue
	tuning TuningSource
	locks  *keyedMutex
	// now stamps UpdatedAtMS, which idle sweeps compare against.
	now func() time.Time
}

func NewSessionManager(states SessionStateStore, queue JobQueue, tuning TuningSource) *SessionManager {
	return &SessionManager{states: states, queue: queue, tuning: tuning, locks: newKeyedMutex(), now: time.Now}
}

func sessionLockKey(botID, userID string) string {
	return botID + "\x00" + userID
}

// Lock serializes work on one (bot, user) pair and returns the unlock func.
func (m *SessionManager) Lock(botID, userID string) func() {
	return m.locks.Lock(sessionLockKey(botID, userID))
}

// ObserveTurn records a turn at ts for (botID, userID).
func (m *SessionManager) ObserveTurn(ctx context.Context, botID, userID string, ts time.Time) (SessionTransition, error) {
	unlock := m.Lock(botID, userID)
	defer unlock()
	return m.observeLocked(ctx, botID, userID, ts)
}

func (m *SessionManager) observeLocked(ctx context.Context, botID, userID string, ts time.Time) (SessionTransition, error) {
	tuning := currentTuning(m.tuning)
	tsMS := ts.UnixMilli()

	st, ok, err := m.states.GetSessionState(ctx, botID, userID)
	if err != nil {
		return SessionTransition{}, err
	}

	var tr SessionTransition
	if ok && st.Status == SessionActive {
		if tsMS < st.LastTurnAtMS {
			logger.WarnCF("session", "Out-of-order turn timestamp clamped", map[string]interface{}{
				"bot_id":     botID,
				"user_id":    userID,
				"turn_ms":    tsMS,
				"last_ms":    st.LastTurnAtMS,
				"session_id": st.SessionID,
			})
			tsMS = st.LastTurnAtMS
			tr.Clamped = true
		}
		gap := time.Duration(tsMS-st.LastTurnAtMS) * time.Millisecond
		if gap <= tuning.Keepalive {
			st.LastTurnAtMS = tsMS
			st.TurnCount++
			st.UpdatedAtMS = m.now().UnixMilli()
			if err := m.states.PutSessionState(ctx, st); err != nil {
				return SessionTransition{}, err
			}
			tr.SessionID = st.SessionID
			tr.TurnCount = st.TurnCount
			tr.Timestamp = time.UnixMilli(tsMS).UTC()
			return tr, nil
		}

		queued, err := m.closeLocked(ctx, st, tuning)
		if err != nil {
			return SessionTransition{}, err
		}
		closed := st
		closed.Status = SessionClosed
		tr.Closed = &closed
		tr.SummaryQueued = queued
	}

	next := SessionState{
		BotID:        botID,
		UserID:       userID,
		SessionID:    newSessionID(botID, userID, tsMS),
		StartedAtMS:  tsMS,
		LastTurnAtMS: tsMS,
		TurnCount:    1,
		Status:       SessionActive,
		UpdatedAtMS:  m.now().UnixMilli(),
	}
	if err := m.states.PutSessionState(ctx, next); err != nil {
		return SessionTransition{}, err
	}
	logger.DebugCF("session", "Session opened", map[string]interface{}{
		"bot_id":     botID,
		"user_id":    userID,
		"session_id": next.SessionID,
	})
	tr.SessionID = next.SessionID
	tr.TurnCount = 1
	tr.Opened = true
	tr.Timestamp = time.UnixMilli(tsMS).UTC()
	return tr, nil
}

// closeLocked queues the summary job for st when it is long enough. The
// job is durable so the summary survives a restart between close and
// summarization.
func (m *SessionManager) closeLocked(ctx context.Context, st SessionState, tuning Tuning) (bool, error) {
	queued := false
	if st.TurnCount >= tuning.MinTurnsForSummary {
		sessionKey := sessionLockKey(st.BotID, st.UserID) + "\x00" + st.SessionID
		now := nowMS()
		err := m.queue.EnqueueJob(ctx, Job{
			ID:         maintenanceJobID(JobSummarizeSession, sessionKey),
			JobType:    JobSummarizeSession,
			SessionKey: st.SessionID,
			Status:     JobPending,
			Priority:   50,
			Payload: map[string]string{
				"bot_id":          st.BotID,
				"user_id":         st.UserID,
				"session_id":      st.SessionID,
				"turn_count":      strconv.Itoa(st.TurnCount),
				"started_at_ms":   strconv.FormatInt(st.StartedAtMS, 10),
				"last_turn_at_ms": strconv.FormatInt(st.LastTurnAtMS, 10),
			},
			RunAfterMS:  now,
			CreatedAtMS: now,
			UpdatedAtMS: now,
		})
		if err != nil {
			return false, err
		}
		queued = true
	}
	logger.InfoCF("session", "Session closed", map[string]interface{}{
		"bot_id":         st.BotID,
		"user_id":        st.UserID,
		"session_id":     st.SessionID,
		"turn_count":     st.TurnCount,
		"summary_queued": queued,
	})
	return queued, nil
}

// CloseSession closes the active session of (botID, userID), if any.
func (m *SessionManager) CloseSession(ctx context.Context, botID, userID string) (bool, error) {
	unlock := m.Lock(botID, userID)
	defer unlock()

	st, ok, err := m.states.GetSessionState(ctx, botID, userID)
	if err != nil || !ok || st.Status != SessionActive {
		return false, err
	}
	if _, err := m.closeLocked(ctx, st, currentTuning(m.tuning)); err != nil {
		return false, err
	}
	return true, m.states.DeleteSessionState(ctx, botID, userID)
}

// SweepIdle closes every session that has not been touched for longer than
// the keepalive window at now. It returns the number of sessions closed.
func (m *SessionManager) SweepIdle(ctx context.Context, now time.Time) (int, error) {
	tuning := currentTuning(m.tuning)
	cutoff := now.Add(-tuning.Keepalive).UnixMilli()
	idle, err := m.states.ListIdleSessions(ctx, cutoff-1, 256)
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, cand := range idle {
		ok, err := m.sweepOne(ctx, cand.BotID, cand.UserID, cutoff, tuning)
		if err != nil {
			return closed, err
		}
		if ok {
			closed++
		}
	}
	return closed, nil
}

func (m *SessionManager) sweepOne(ctx context.Context, botID, userID string, cutoffMS int64, tuning Tuning) (bool, error) {
	unlock := m.Lock(botID, userID)
	defer unlock()

	// Re-read under the lock; a turn may have arrived since the listing.
	st, ok, err := m.states.GetSessionState(ctx, botID, userID)
	if err != nil || !ok {
		return false, err
	}
	if st.Status != SessionActive || st.UpdatedAtMS >= cutoffMS {
		return false, nil
	}
	if _, err := m.closeLocked(ctx, st, tuning); err != nil {
		return false, err
	}
	return true, m.states.DeleteSessionState(ctx, botID, userID)
}

func newSessionID(botID, userID string, startMS int64) string {
	return uuid.NewSHA1(sessionNamespace, []byte(botID+"\x00"+userID+"\x00"+strconv.FormatInt(startMS, 10))).String()
}

func maintenanceJobID(jobType, key string) string {
	h := sha1.Sum([]byte(jobType + "|" + key))
	return "job-" + hex.EncodeToString(h[:8])
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: map[string]*keyedLock{}}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
