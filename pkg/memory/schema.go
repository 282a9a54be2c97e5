package memory

import (
	"math"
	"strconv"
	"strings"

	"github.com/m-mizutani/goerr/v2"
)

// Validate checks the common fields and the per-type payload schema.
func (r Record) Validate() error {
	if strings.TrimSpace(r.BotID) == "" {
		return goerr.Wrap(ErrInvalidRecord, "bot_id is required")
	}
	if strings.TrimSpace(r.UserID) == "" {
		return goerr.Wrap(ErrInvalidRecord, "user_id is required", goerr.V("bot_id", r.BotID))
	}
	if strings.TrimSpace(r.Content) == "" {
		return goerr.Wrap(ErrInvalidRecord, "content is required", goerr.V("bot_id", r.BotID))
	}
	if !r.Type.Valid() {
		return goerr.Wrap(ErrInvalidRecord, "unknown memory type", goerr.V("memory_type", r.Type))
	}
	if math.IsNaN(r.Confidence) || r.Confidence < 0 || r.Confidence > 1 {
		return goerr.Wrap(ErrInvalidRecord, "confidence out of range", goerr.V("confidence", r.Confidence))
	}
	if math.IsNaN(r.Significance) || r.Significance < 0 || r.Significance > 1 {
		return goerr.Wrap(ErrInvalidRecord, "significance out of range", goerr.V("significance", r.Significance))
	}

	switch r.Type {
	case MemoryConversation:
		role := r.MetaString(MetaRole)
		if role != "user" && role != "assistant" {
			return goerr.Wrap(ErrInvalidRecord, "conversation record needs role user or assistant", goerr.V("role", role))
		}
	case MemoryConversationSummary:
		if strings.TrimSpace(r.SessionID) == "" {
			return goerr.Wrap(ErrInvalidRecord, "summary record needs session_id")
		}
		if n, ok := metaInt(r.Metadata, MetaTurnCount); !ok || n < 1 {
			return goerr.Wrap(ErrInvalidRecord, "summary record needs turn_count >= 1")
		}
	case MemoryRelationship:
		rel, ok := r.Metadata[MetaRelation].(string)
		if !ok || strings.TrimSpace(rel) == "" {
			return goerr.Wrap(ErrInvalidRecord, "relationship record needs relation")
		}
	case MemoryFact:
		if v, ok := r.Metadata[MetaSubject]; ok && v != nil {
			if _, isString := v.(string); !isString {
				return goerr.Wrap(ErrInvalidRecord, "fact subject must be a string")
			}
		}
	}
	return nil
}

// metaInt reads an integer metadata value that may have round-tripped
// through JSON as float64 or string.
func metaInt(m map[string]any, key string) (int, bool) {
	if m == nil {
		return 0, false
	}
	switch v := m[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// correctableKeys lists the metadata keys CorrectMetadata may change.
var correctableKeys = map[string]struct{}{
	"identity_label": {},
	"display_name":   {},
	MetaTopic:        {},
	MetaChannelID:    {},
}
