package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	_ "modernc.org/sqlite"
)

// SQLiteBackend is the embedded persistent backend. Besides memory points
// and their named vectors it holds the durable job queue, session window
// state and operational metrics.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend creates/opens the memory database at path.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create memory db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Single-process memory service. Use one shared connection to avoid
	// writer lock contention with SQLite under concurrent goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	b := &SQLiteBackend{db: db}
	if err := b.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (b *SQLiteBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *SQLiteBackend) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS collection_meta (
			vector_name TEXT PRIMARY KEY,
			dims INTEGER NOT NULL,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS memory_points (
			id TEXT PRIMARY KEY,
			bot_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			memory_type TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata_json TEXT NOT NULL DEFAULT '{}',
			confidence REAL NOT NULL DEFAULT 0,
			significance REAL NOT NULL DEFAULT 0,
			timestamp_ms INTEGER NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			vector_mode TEXT NOT NULL DEFAULT 'full',
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS memory_points_scope_idx ON memory_points(bot_id, user_id, memory_type, timestamp_ms DESC);`,
		`CREATE INDEX IF NOT EXISTS memory_points_session_idx ON memory_points(bot_id, user_id, session_id, timestamp_ms);`,
		`CREATE TABLE IF NOT EXISTS memory_vectors (
			point_id TEXT NOT NULL,
			vector_name TEXT NOT NULL,
			vector_json TEXT NOT NULL,
			PRIMARY KEY(point_id, vector_name)
		);`,
		`CREATE TABLE IF NOT EXISTS memory_jobs (
			id TEXT PRIMARY KEY,
			job_type TEXT NOT NULL,
			session_key TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 100,
			payload_json TEXT NOT NULL DEFAULT '{}',
			error TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 0,
			run_after_ms INTEGER NOT NULL,
			lease_until_ms INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			completed_at_ms INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS memory_jobs_claim_idx ON memory_jobs(status, run_after_ms, lease_until_ms, priority, created_at_ms);`,
		`CREATE TABLE IF NOT EXISTS session_states (
			bot_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			started_at_ms INTEGER NOT NULL,
			last_turn_at_ms INTEGER NOT NULL,
			turn_count INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			PRIMARY KEY(bot_id, user_id)
		);`,
		`CREATE INDEX IF NOT EXISTS session_states_updated_idx ON session_states(status, updated_at_ms);`,
		`CREATE TABLE IF NOT EXISTS memory_metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			metric TEXT NOT NULL,
			value REAL NOT NULL,
			labels_json TEXT NOT NULL DEFAULT '{}',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS memory_metrics_metric_idx ON memory_metrics(metric, created_at_ms DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := b.db.Exec(stmt); err != nil {
			return fmt.Errorf("init sqlite schema (%s): %w", trimSQL(stmt), err)
		}
	}
	return nil
}

func trimSQL(sql string) string {
	line := strings.TrimSpace(sql)
	if len(line) > 96 {
		return line[:96] + "..."
	}
	return line
}

func nowMS() int64 { return time.Now().UnixMilli() }

func encodeMap(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodeMap(raw string) map[string]string {
	if raw == "" {
		return map[string]string{}
	}
	out := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]string{}
	}
	return out
}

func encodeMetadata(m map[string]any) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodeMetadata(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{}
	}
	return out
}

func encodeVector(vec []float32) string {
	if len(vec) == 0 {
		return "[]"
	}
	b, err := json.Marshal(vec)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeVector(raw string) []float32 {
	if raw == "" {
		return nil
	}
	out := []float32{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

// EnsureCollection records the dimension table on first use and verifies it afterwards.
func (b *SQLiteBackend) EnsureCollection(ctx context.Context, dims map[string]int) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ensure collection begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	names := make([]string, 0, len(dims))
	for name := range dims {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		var stored int
		err := tx.QueryRowContext(ctx, `SELECT dims FROM collection_meta WHERE vector_name = ?`, name).Scan(&stored)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := tx.ExecContext(ctx, `INSERT INTO collection_meta(vector_name, dims, created_at_ms) VALUES(?, ?, ?)`, name, dims[name], nowMS()); err != nil {
				return fmt.Errorf("insert collection meta: %w", err)
			}
		case err != nil:
			return fmt.Errorf("read collection meta: %w", err)
		case stored != dims[name]:
			return goerr.Wrap(ErrDimensionMismatch, "stored dimension differs from configuration",
				goerr.V("vector", name), goerr.V("stored", stored), goerr.V("configured", dims[name]))
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ensure collection commit: %w", err)
	}
	return nil
}

// filterSQL renders f as a WHERE clause over memory_points aliased as p.
func filterSQL(f Filter) (string, []any) {
	clauses := []string{"1=1"}
	args := []any{}
	if f.BotID != "" {
		clauses = append(clauses, "p.bot_id = ?")
		args = append(args, f.BotID)
	}
	if f.UserID != "" {
		clauses = append(clauses, "p.user_id = ?")
		args = append(args, f.UserID)
	}
	if f.SessionID != "" {
		clauses = append(clauses, "p.session_id = ?")
		args = append(args, f.SessionID)
	}
	if len(f.Types) > 0 {
		clauses = append(clauses, "p.memory_type IN ("+placeholders(len(f.Types))+")")
		for _, t := range f.Types {
			args = append(args, string(t))
		}
	}
	if len(f.IDs) > 0 {
		clauses = append(clauses, "p.id IN ("+placeholders(len(f.IDs))+")")
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	if len(f.ExcludeIDs) > 0 {
		clauses = append(clauses, "p.id NOT IN ("+placeholders(len(f.ExcludeIDs))+")")
		for _, id := range f.ExcludeIDs {
			args = append(args, id)
		}
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "p.timestamp_ms >= ?")
		args = append(args, f.Since.UnixMilli())
	}
	if !f.Until.IsZero() {
		clauses = append(clauses, "p.timestamp_ms <= ?")
		args = append(args, f.Until.UnixMilli())
	}
	keys := make([]string, 0, len(f.Metadata))
	for k := range f.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		clauses = append(clauses, "lower(CAST(json_extract(p.metadata_json, ?) AS TEXT)) = lower(?)")
		args = append(args, `$."`+strings.ReplaceAll(k, `"`, "")+`"`, f.Metadata[k])
	}
	return strings.Join(clauses, " AND "), args
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

const pointColumns = `p.id, p.bot_id, p.user_id, p.session_id, p.memory_type, p.content, p.metadata_json, p.confidence, p.significance, p.timestamp_ms, p.source, p.vector_mode`

func scanPoint(scan func(dest ...any) error, extra ...any) (Record, error) {
	var rec Record
	var memType, metaRaw, mode string
	var tsMS int64
	dest := []any{&rec.ID, &rec.BotID, &rec.UserID, &rec.SessionID, &memType, &rec.Content, &metaRaw, &rec.Confidence, &rec.Significance, &tsMS, &rec.Source, &mode}
	dest = append(dest, extra...)
	if err := scan(dest...); err != nil {
		return Record{}, err
	}
	rec.Type = MemoryType(memType)
	rec.Metadata = decodeMetadata(metaRaw)
	rec.Timestamp = time.UnixMilli(tsMS).UTC()
	rec.VectorMode = VectorMode(mode)
	return rec, nil
}

func (b *SQLiteBackend) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upsert points begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := nowMS()
	for _, rec := range records {
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		mode := rec.VectorMode
		if mode == "" {
			mode = VectorModeFull
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO memory_points(id, bot_id, user_id, session_id, memory_type, content, metadata_json, confidence, significance, timestamp_ms, source, vector_mode, updated_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	bot_id = excluded.bot_id,
	user_id = excluded.user_id,
	session_id = excluded.session_id,
	memory_type = excluded.memory_type,
	content = excluded.content,
	metadata_json = excluded.metadata_json,
	confidence = excluded.confidence,
	significance = excluded.significance,
	timestamp_ms = excluded.timestamp_ms,
	source = excluded.source,
	vector_mode = excluded.vector_mode,
	updated_at_ms = excluded.updated_at_ms`,
			rec.ID, rec.BotID, rec.UserID, rec.SessionID, string(rec.Type), rec.Content, encodeMetadata(rec.Metadata),
			rec.Confidence, rec.Significance, rec.Timestamp.UnixMilli(), rec.Source, string(mode), now)
		if err != nil {
			return fmt.Errorf("upsert memory point: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM memory_vectors WHERE point_id = ?`, rec.ID); err != nil {
			return fmt.Errorf("reset memory vectors: %w", err)
		}
		for name, vec := range rec.Vectors {
			if _, err := tx.ExecContext(ctx, `INSERT INTO memory_vectors(point_id, vector_name, vector_json) VALUES(?, ?, ?)`, rec.ID, name, encodeVector(vec)); err != nil {
				return fmt.Errorf("insert memory vector: %w", err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("upsert points commit: %w", err)
	}
	return nil
}

// Search performs a filtered exact cosine scan on vectorName.
func (b *SQLiteBackend) Search(ctx context.Context, vectorName string, query []float32, filter Filter, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 10
	}
	where, args := filterSQL(filter)
	rows, err := b.db.QueryContext(ctx, `
SELECT `+pointColumns+`, v.vector_json
FROM memory_points p
JOIN memory_vectors v ON v.point_id = p.id AND v.vector_name = ?
WHERE `+where, append([]any{vectorName}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("search memory points: %w", err)
	}
	defer rows.Close()

	type hit struct {
		rec   Record
		score float64
	}
	hits := []hit{}
	for rows.Next() {
		var vecRaw string
		rec, err := scanPoint(rows.Scan, &vecRaw)
		if err != nil {
			return nil, fmt.Errorf("scan memory point: %w", err)
		}
		hits = append(hits, hit{rec: rec, score: cosineSimilarity(query, decodeVector(vecRaw))})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory points: %w", err)
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score == hits[j].score {
			return hits[i].rec.ID < hits[j].rec.ID
		}
		return hits[i].score > hits[j].score
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]Record, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.rec)
	}
	if err := b.attachVectors(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *SQLiteBackend) Scroll(ctx context.Context, filter Filter, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 1000
	}
	where, args := filterSQL(filter)
	rows, err := b.db.QueryContext(ctx, `
SELECT `+pointColumns+`
FROM memory_points p
WHERE `+where+`
ORDER BY p.timestamp_ms ASC, p.id ASC
LIMIT ?`, append(args, limit)...)
	if err != nil {
		return nil, fmt.Errorf("scroll memory points: %w", err)
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		rec, err := scanPoint(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan memory point: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory points: %w", err)
	}
	if err := b.attachVectors(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *SQLiteBackend) attachVectors(ctx context.Context, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	index := make(map[string]int, len(recs))
	args := make([]any, 0, len(recs))
	for i, rec := range recs {
		index[rec.ID] = i
		args = append(args, rec.ID)
	}
	rows, err := b.db.QueryContext(ctx, `
SELECT point_id, vector_name, vector_json
FROM memory_vectors
WHERE point_id IN (`+placeholders(len(args))+`)`, args...)
	if err != nil {
		return fmt.Errorf("load memory vectors: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, name, raw string
		if err := rows.Scan(&id, &name, &raw); err != nil {
			return fmt.Errorf("scan memory vector: %w", err)
		}
		i, ok := index[id]
		if !ok {
			continue
		}
		if recs[i].Vectors == nil {
			recs[i].Vectors = map[string][]float32{}
		}
		recs[i].Vectors[name] = decodeVector(raw)
	}
	return rows.Err()
}

func (b *SQLiteBackend) Delete(ctx context.Context, filter Filter) (int, error) {
	where, args := filterSQL(filter)
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("delete points begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
DELETE FROM memory_vectors
WHERE point_id IN (SELECT p.id FROM memory_points p WHERE `+where+`)`, args...); err != nil {
		return 0, fmt.Errorf("delete memory vectors: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM memory_points AS p WHERE `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("delete memory points: %w", err)
	}
	affected, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("delete points commit: %w", err)
	}
	return int(affected), nil
}

func (b *SQLiteBackend) ListBots(ctx context.Context, userID string) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `
SELECT DISTINCT bot_id
FROM memory_points
WHERE (? = '' OR user_id = ?)
ORDER BY bot_id ASC`, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("list bots: %w", err)
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var bot string
		if err := rows.Scan(&bot); err != nil {
			return nil, fmt.Errorf("scan bot id: %w", err)
		}
		out = append(out, bot)
	}
	return out, rows.Err()
}

func (b *SQLiteBackend) Stats(ctx context.Context, filter Filter) (Stats, error) {
	where, args := filterSQL(filter)
	var st Stats
	err := b.db.QueryRowContext(ctx, `
SELECT COUNT(*), COUNT(DISTINCT p.user_id), COALESCE(AVG(p.confidence), 0), COALESCE(AVG(p.significance), 0)
FROM memory_points p
WHERE `+where, args...).Scan(&st.Count, &st.UniqueUsers, &st.AvgConfidence, &st.AvgSignificance)
	if err != nil {
		return Stats{}, fmt.Errorf("memory stats: %w", err)
	}
	st.BotID = filter.BotID
	return st, nil
}

func (b *SQLiteBackend) EnqueueJob(ctx context.Context, job Job) error {
	now := nowMS()
	if job.ID == "" {
		job.ID = "job-" + uuid.NewString()
	}
	if job.Status == "" {
		job.Status = JobPending
	}
	if job.Priority == 0 {
		job.Priority = 100
	}
	if job.RunAfterMS == 0 {
		job.RunAfterMS = now
	}
	if job.CreatedAtMS == 0 {
		job.CreatedAtMS = now
	}
	if job.UpdatedAtMS == 0 {
		job.UpdatedAtMS = now
	}

	// Re-enqueueing a completed job is a no-op so a replayed close event
	// cannot trigger a second summary.
	_, err := b.db.ExecContext(ctx, `
INSERT INTO memory_jobs(id, job_type, session_key, status, priority, payload_json, error, attempts, run_after_ms, lease_until_ms, created_at_ms, updated_at_ms, completed_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	status = excluded.status,
	priority = excluded.priority,
	payload_json = excluded.payload_json,
	error = excluded.error,
	run_after_ms = excluded.run_after_ms,
	lease_until_ms = excluded.lease_until_ms,
	updated_at_ms = excluded.updated_at_ms,
	completed_at_ms = excluded.completed_at_ms
WHERE memory_jobs.status <> 'completed'`,
		job.ID,
		job.JobType,
		job.SessionKey,
		job.Status,
		job.Priority,
		encodeMap(job.Payload),
		job.Error,
		job.Attempts,
		job.RunAfterMS,
		job.LeaseUntilMS,
		job.CreatedAtMS,
		job.UpdatedAtMS,
		job.CompletedAtMS,
	)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) ClaimNextJob(ctx context.Context, nowMS, leaseForMS int64) (Job, bool, error) {
	if leaseForMS <= 0 {
		leaseForMS = 60_000
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, false, fmt.Errorf("claim next job begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
SELECT id, job_type, session_key, status, priority, payload_json, error, attempts, run_after_ms, lease_until_ms, created_at_ms, updated_at_ms, completed_at_ms
FROM memory_jobs
WHERE run_after_ms <= ?
AND (status = ? OR (status = ? AND lease_until_ms <= ?))
ORDER BY priority ASC, created_at_ms ASC
LIMIT 1`, nowMS, JobPending, JobRunning, nowMS)

	var job Job
	var payloadRaw string
	if err := row.Scan(&job.ID, &job.JobType, &job.SessionKey, &job.Status, &job.Priority, &payloadRaw, &job.Error, &job.Attempts, &job.RunAfterMS, &job.LeaseUntilMS, &job.CreatedAtMS, &job.UpdatedAtMS, &job.CompletedAtMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, false, nil
		}
		return Job{}, false, fmt.Errorf("claim next job select: %w", err)
	}

	leaseUntil := nowMS + leaseForMS
	res, err := tx.ExecContext(ctx, `
UPDATE memory_jobs
SET status = ?, lease_until_ms = ?, updated_at_ms = ?, error = ''
WHERE id = ? AND (status = ? OR (status = ? AND lease_until_ms <= ?))`, JobRunning, leaseUntil, nowMS, job.ID, JobPending, JobRunning, nowMS)
	if err != nil {
		return Job{}, false, fmt.Errorf("claim next job update: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return Job{}, false, nil
	}

	if err := tx.Commit(); err != nil {
		return Job{}, false, fmt.Errorf("claim next job commit: %w", err)
	}

	job.Status = JobRunning
	job.LeaseUntilMS = leaseUntil
	job.UpdatedAtMS = nowMS
	job.Payload = decodeMap(payloadRaw)
	return job, true, nil
}

func (b *SQLiteBackend) CompleteJob(ctx context.Context, id string) error {
	now := nowMS()
	_, err := b.db.ExecContext(ctx, `
UPDATE memory_jobs
SET status = ?, completed_at_ms = ?, updated_at_ms = ?, lease_until_ms = 0
WHERE id = ?`, JobCompleted, now, now, id)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) FailJob(ctx context.Context, id, errMsg string) error {
	now := nowMS()
	_, err := b.db.ExecContext(ctx, `
UPDATE memory_jobs
SET status = ?, error = ?, attempts = attempts + 1, updated_at_ms = ?, lease_until_ms = 0
WHERE id = ?`, JobFailed, errMsg, now, id)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) RetryJob(ctx context.Context, id, errMsg string, runAfterMS int64) error {
	_, err := b.db.ExecContext(ctx, `
UPDATE memory_jobs
SET status = ?, error = ?, attempts = attempts + 1, run_after_ms = ?, updated_at_ms = ?, lease_until_ms = 0
WHERE id = ?`, JobPending, errMsg, runAfterMS, nowMS(), id)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) RequeueExpiredJobs(ctx context.Context, nowMS int64) error {
	_, err := b.db.ExecContext(ctx, `
UPDATE memory_jobs
SET status = ?, updated_at_ms = ?, error = ''
WHERE status = ? AND lease_until_ms > 0 AND lease_until_ms <= ?`, JobPending, nowMS, JobRunning, nowMS)
	if err != nil {
		return fmt.Errorf("requeue expired jobs: %w", err)
	}
	return nil
}

// ListJobs returns jobs with the given status, oldest first. Used by admin tooling.
func (b *SQLiteBackend) ListJobs(ctx context.Context, status string, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := b.db.QueryContext(ctx, `
SELECT id, job_type, session_key, status, priority, payload_json, error, attempts, run_after_ms, lease_until_ms, created_at_ms, updated_at_ms, completed_at_ms
FROM memory_jobs
WHERE (? = '' OR status = ?)
ORDER BY created_at_ms ASC
LIMIT ?`, status, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	out := []Job{}
	for rows.Next() {
		var job Job
		var payloadRaw string
		if err := rows.Scan(&job.ID, &job.JobType, &job.SessionKey, &job.Status, &job.Priority, &payloadRaw, &job.Error, &job.Attempts, &job.RunAfterMS, &job.LeaseUntilMS, &job.CreatedAtMS, &job.UpdatedAtMS, &job.CompletedAtMS); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		job.Payload = decodeMap(payloadRaw)
		out = append(out, job)
	}
	return out, rows.Err()
}

func (b *SQLiteBackend) GetSessionState(ctx context.Context, botID, userID string) (SessionState, bool, error) {
	var st SessionState
	err := b.db.QueryRowContext(ctx, `
SELECT bot_id, user_id, session_id, started_at_ms, last_turn_at_ms, turn_count, status, updated_at_ms
FROM session_states
WHERE bot_id = ? AND user_id = ?`, botID, userID).Scan(&st.BotID, &st.UserID, &st.SessionID, &st.StartedAtMS, &st.LastTurnAtMS, &st.TurnCount, &st.Status, &st.UpdatedAtMS)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionState{}, false, nil
	}
	if err != nil {
		return SessionState{}, false, fmt.Errorf("get session state: %w", err)
	}
	return st, true, nil
}

func (b *SQLiteBackend) PutSessionState(ctx context.Context, st SessionState) error {
	if st.UpdatedAtMS == 0 {
		st.UpdatedAtMS = nowMS()
	}
	_, err := b.db.ExecContext(ctx, `
INSERT INTO session_states(bot_id, user_id, session_id, started_at_ms, last_turn_at_ms, turn_count, status, updated_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(bot_id, user_id) DO UPDATE SET
	session_id = excluded.session_id,
	started_at_ms = excluded.started_at_ms,
	last_turn_at_ms = excluded.last_turn_at_ms,
	turn_count = excluded.turn_count,
	status = excluded.status,
	updated_at_ms = excluded.updated_at_ms`,
		st.BotID, st.UserID, st.SessionID, st.StartedAtMS, st.LastTurnAtMS, st.TurnCount, st.Status, st.UpdatedAtMS)
	if err != nil {
		return fmt.Errorf("put session state: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) DeleteSessionState(ctx context.Context, botID, userID string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM session_states WHERE bot_id = ? AND user_id = ?`, botID, userID); err != nil {
		return fmt.Errorf("delete session state: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) ListIdleSessions(ctx context.Context, cutoffMS int64, limit int) ([]SessionState, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := b.db.QueryContext(ctx, `
SELECT bot_id, user_id, session_id, started_at_ms, last_turn_at_ms, turn_count, status, updated_at_ms
FROM session_states
WHERE status = ? AND updated_at_ms <= ?
ORDER BY updated_at_ms ASC
LIMIT ?`, SessionActive, cutoffMS, limit)
	if err != nil {
		return nil, fmt.Errorf("list idle sessions: %w", err)
	}
	defer rows.Close()
	out := []SessionState{}
	for rows.Next() {
		var st SessionState
		if err := rows.Scan(&st.BotID, &st.UserID, &st.SessionID, &st.StartedAtMS, &st.LastTurnAtMS, &st.TurnCount, &st.Status, &st.UpdatedAtMS); err != nil {
			return nil, fmt.Errorf("scan session state: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (b *SQLiteBackend) AddMetric(ctx context.Context, metric string, value float64, labels map[string]string) error {
	_, err := b.db.ExecContext(ctx, `
INSERT INTO memory_metrics(metric, value, labels_json, created_at_ms)
VALUES(?, ?, ?, ?)`, metric, value, encodeMap(labels), nowMS())
	if err != nil {
		return fmt.Errorf("add metric: %w", err)
	}
	return nil
}

// SumMetric totals a metric since sinceMS.
func (b *SQLiteBackend) SumMetric(ctx context.Context, metric string, sinceMS int64) (float64, error) {
	var total float64
	err := b.db.QueryRowContext(ctx, `
SELECT COALESCE(SUM(value), 0)
FROM memory_metrics
WHERE metric = ? AND created_at_ms >= ?`, metric, sinceMS).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum metric: %w", err)
	}
	return total, nil
}
