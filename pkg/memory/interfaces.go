package memory

import "context"

// Backend is a vector store holding records with named vectors and a
// filterable payload.
type Backend interface {
	// EnsureCollection creates the collection for dims or verifies that the
	// existing one matches. A mismatch returns ErrDimensionMismatch.
	EnsureCollection(ctx context.Context, dims map[string]int) error
	// Upsert writes records keyed by ID, overwriting existing ones.
	Upsert(ctx context.Context, records []Record) error
	// Search returns up to limit records matching filter, nearest first on
	// vectorName. Returned records carry their vectors.
	Search(ctx context.Context, vectorName string, query []float32, filter Filter, limit int) ([]Record, error)
	// Scroll lists records matching filter without ranking, oldest first.
	// A positive limit is honored as given; zero selects a backend default.
	Scroll(ctx context.Context, filter Filter, limit int) ([]Record, error)
	// Delete removes every record matching filter and returns the count.
	Delete(ctx context.Context, filter Filter) (int, error)
	// ListBots returns the distinct bot ids holding memories for userID
	// (every bot when userID is empty).
	ListBots(ctx context.Context, userID string) ([]string, error)
	Close() error
}

// StatsBackend is implemented by backends that can aggregate server-side.
type StatsBackend interface {
	Stats(ctx context.Context, filter Filter) (Stats, error)
}

// MetricSink records operational counters.
type MetricSink interface {
	AddMetric(ctx context.Context, metric string, value float64, labels map[string]string) error
}

// Embedder turns texts into vectors for one named vector.
type Embedder interface {
	Embed(ctx context.Context, texts []string, vectorName string) ([][]float32, error)
}

// JobQueue is a durable queue of background jobs with lease semantics.
type JobQueue interface {
	EnqueueJob(ctx context.Context, job Job) error
	ClaimNextJob(ctx context.Context, nowMS, leaseForMS int64) (Job, bool, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id, errMsg string) error
	RetryJob(ctx context.Context, id, errMsg string, runAfterMS int64) error
	RequeueExpiredJobs(ctx context.Context, nowMS int64) error
}

// SessionStateStore persists session window trackers.
type SessionStateStore interface {
	GetSessionState(ctx context.Context, botID, userID string) (SessionState, bool, error)
	PutSessionState(ctx context.Context, st SessionState) error
	DeleteSessionState(ctx context.Context, botID, userID string) error
	// ListIdleSessions returns active sessions last updated at or before cutoffMS.
	ListIdleSessions(ctx context.Context, cutoffMS int64, limit int) ([]SessionState, error)
}

// SummaryFunc produces a summary of a transcript. existingSummary is empty
// for first-time summarization.
type SummaryFunc func(ctx context.Context, existingSummary, transcript string) (string, error)
