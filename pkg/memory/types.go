package memory

import (
	"fmt"
	"strings"
	"time"
)

// MemoryType classifies stored memories.
type MemoryType string

const (
	MemoryFact                MemoryType = "fact"
	MemoryConversation        MemoryType = "conversation"
	MemoryConversationSummary MemoryType = "conversation_summary"
	MemoryRelationship        MemoryType = "relationship"
)

// Valid reports whether t is one of the known memory types.
func (t MemoryType) Valid() bool {
	switch t {
	case MemoryFact, MemoryConversation, MemoryConversationSummary, MemoryRelationship:
		return true
	}
	return false
}

// Named vectors. The set of names actually stored is driven by the
// configured dimension table.
const (
	VectorContent = "content"
	VectorEmotion = "emotion"
	VectorContext = "context"
)

// VectorMode records whether a record carries one embedding per aspect or a
// single embedding copied into every slot.
type VectorMode string

const (
	VectorModeFull     VectorMode = "full"
	VectorModeDegraded VectorMode = "degraded"
)

// Metadata keys with a fixed meaning.
const (
	MetaRole      = "role"
	MetaTurnCount = "turn_count"
	MetaRelation  = "relation"
	MetaSubject   = "subject"
	MetaTopic     = "topic"
	MetaChannelID = "channel_id"
	MetaWindowEnd = "window_end"
)

// Record is a single stored memory.
type Record struct {
	ID           string               `json:"id"`
	BotID        string               `json:"bot_id"`
	UserID       string               `json:"user_id"`
	SessionID    string               `json:"session_id,omitempty"`
	Type         MemoryType           `json:"memory_type"`
	Content      string               `json:"content"`
	Vectors      map[string][]float32 `json:"-"`
	Metadata     map[string]any       `json:"metadata,omitempty"`
	Confidence   float64              `json:"confidence"`
	Significance float64              `json:"significance"`
	Timestamp    time.Time            `json:"timestamp"`
	Source       string               `json:"source,omitempty"`
	VectorMode   VectorMode           `json:"vector_mode,omitempty"`
}

// MetaString returns the metadata value for key rendered as a string.
func (r Record) MetaString(key string) string {
	if r.Metadata == nil {
		return ""
	}
	v, ok := r.Metadata[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Filter is a payload filter. Empty fields do not constrain the match.
type Filter struct {
	BotID      string
	UserID     string
	SessionID  string
	Types      []MemoryType
	IDs        []string
	ExcludeIDs []string
	Since      time.Time
	Until      time.Time
	Metadata   map[string]string
}

// IsEmpty reports whether the filter would match every record.
func (f Filter) IsEmpty() bool {
	return f.BotID == "" && f.UserID == "" && f.SessionID == "" &&
		len(f.Types) == 0 && len(f.IDs) == 0 && len(f.ExcludeIDs) == 0 &&
		f.Since.IsZero() && f.Until.IsZero() && len(f.Metadata) == 0
}

// Match evaluates the filter against a record payload.
func (f Filter) Match(r Record) bool {
	if f.BotID != "" && r.BotID != f.BotID {
		return false
	}
	if f.UserID != "" && r.UserID != f.UserID {
		return false
	}
	if f.SessionID != "" && r.SessionID != f.SessionID {
		return false
	}
	if len(f.Types) > 0 && !containsType(f.Types, r.Type) {
		return false
	}
	if len(f.IDs) > 0 && !containsString(f.IDs, r.ID) {
		return false
	}
	if len(f.ExcludeIDs) > 0 && containsString(f.ExcludeIDs, r.ID) {
		return false
	}
	if !f.Since.IsZero() && r.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && r.Timestamp.After(f.Until) {
		return false
	}
	for k, want := range f.Metadata {
		if !strings.EqualFold(r.MetaString(k), want) {
			return false
		}
	}
	return true
}

func containsType(types []MemoryType, t MemoryType) bool {
	for _, v := range types {
		if v == t {
			return true
		}
	}
	return false
}

func containsString(values []string, s string) bool {
	for _, v := range values {
		if v == s {
			return true
		}
	}
	return false
}

// SearchRequest describes a multi-vector similarity search.
type SearchRequest struct {
	Vectors  map[string][]float32
	Weights  map[string]float64
	Filter   Filter
	TopK     int
	MinScore float64
}

// ScoredRecord is a search hit with its fused similarity.
type ScoredRecord struct {
	Record
	Score        float64
	VectorScores map[string]float64
}

// Stats aggregates a bot's partition.
type Stats struct {
	BotID           string  `json:"bot_id"`
	Count           int     `json:"count"`
	UniqueUsers     int     `json:"unique_users"`
	AvgConfidence   float64 `json:"avg_confidence"`
	AvgSignificance float64 `json:"avg_significance"`
}

// Contradiction pairs a new statement with a stored fact that conflicts with it.
type Contradiction struct {
	ExistingMemoryID string    `json:"existing_memory_id"`
	ExistingContent  string    `json:"existing_content"`
	NewContent       string    `json:"new_content"`
	SimilarityScore  float64   `json:"similarity_score"`
	DetectedAt       time.Time `json:"detected_at"`
}

// Session status values.
const (
	SessionActive  = "active"
	SessionClosing = "closing"
	SessionClosed  = "closed"
)

// SessionState is the persisted window tracker for a (bot, user) pair.
type SessionState struct {
	BotID        string `json:"bot_id"`
	UserID       string `json:"user_id"`
	SessionID    string `json:"session_id"`
	StartedAtMS  int64  `json:"started_at_ms"`
	LastTurnAtMS int64  `json:"last_turn_at_ms"`
	TurnCount    int    `json:"turn_count"`
	Status       string `json:"status"`
	UpdatedAtMS  int64  `json:"updated_at_ms"`
}

// JobType values for background memory workers.
const (
	JobSummarizeSession = "summarize_session"
)

// JobStatus values.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Job is a durable background memory task.
type Job struct {
	ID            string            `json:"id"`
	JobType       string            `json:"job_type"`
	SessionKey    string            `json:"session_key"`
	Status        string            `json:"status"`
	Priority      int               `json:"priority"`
	Payload       map[string]string `json:"payload"`
	Error         string            `json:"error,omitempty"`
	Attempts      int               `json:"attempts"`
	RunAfterMS    int64             `json:"run_after_ms"`
	LeaseUntilMS  int64             `json:"lease_until_ms,omitempty"`
	CreatedAtMS   int64             `json:"created_at_ms"`
	UpdatedAtMS   int64             `json:"updated_at_ms"`
	CompletedAtMS int64             `json:"completed_at_ms,omitempty"`
}
