package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dotsetgreg/personamem/pkg/logger"
	"github.com/google/uuid"
)

var summaryNamespace = uuid.MustParse("b2c9e8a4-51f7-5d0c-8e36-7a1f0d4c9b22")

// Summarizer condenses a closed session's conversation records into one
// conversation_summary record.
type Summarizer struct {
	store     *MemoryStore
	summarize SummaryFunc
	tuning    TuningSource
}

// NewSummarizer builds a summarizer. summarize may be nil, in which case an
// extractive summary is produced.
func NewSummarizer(store *MemoryStore, summarize SummaryFunc, tuning TuningSource) *Summarizer {
	return &Summarizer{store: store, summarize: summarize, tuning: tuning}
}

// SummaryID is the deterministic ID of a session's summary record, so a
// retried job overwrites instead of duplicating.
func SummaryID(botID, userID, sessionID string) string {
	return uuid.NewSHA1(summaryNamespace, []byte(botID+"\x00"+userID+"\x00"+sessionID)).String()
}

// SummarizeSession writes the summary of one session. It reports false
// when the session is below the summarization threshold.
func (s *Summarizer) SummarizeSession(ctx context.Context, botID, userID, sessionID string) (string, bool, error) {
	tuning := currentTuning(s.tuning)
	turns, err := s.store.scrollAll(ctx, Filter{
		BotID:     botID,
		UserID:    userID,
		SessionID: sessionID,
		Types:     []MemoryType{MemoryConversation},
	})
	if err != nil {
		return "", false, err
	}
	if len(turns) < tuning.MinTurnsForSummary {
		logger.DebugCF("summarizer", "Session below summary threshold", map[string]interface{}{
			"bot_id":     botID,
			"session_id": sessionID,
			"turns":      len(turns),
		})
		return "", false, nil
	}
	sort.SliceStable(turns, func(i, j int) bool {
		if turns[i].Timestamp.Equal(turns[j].Timestamp) {
			return turns[i].ID < turns[j].ID
		}
		return turns[i].Timestamp.Before(turns[j].Timestamp)
	})

	content := ""
	if s.summarize != nil {
		content, err = s.summarize(ctx, "", buildTranscript(turns))
		if err != nil {
			logger.WarnCF("summarizer", "Summary function failed, using extractive summary", map[string]interface{}{
				"session_id": sessionID,
				"error":      err.Error(),
			})
			content = ""
		}
	}
	if strings.TrimSpace(content) == "" {
		content = fallbackSummary(turns)
	}
	content = truncateRunes(strings.TrimSpace(content), tuning.SummaryMaxChars)

	var confSum, sig float64
	sourceIDs := make([]string, 0, len(turns))
	for _, t := range turns {
		confSum += t.Confidence
		if t.Significance > sig {
			sig = t.Significance
		}
		sourceIDs = append(sourceIDs, t.ID)
	}
	first, last := turns[0], turns[len(turns)-1]
	rec := Record{
		ID:           SummaryID(botID, userID, sessionID),
		BotID:        botID,
		UserID:       userID,
		SessionID:    sessionID,
		Type:         MemoryConversationSummary,
		Content:      content,
		Confidence:   confSum / float64(len(turns)),
		Significance: sig,
		Timestamp:    last.Timestamp,
		Source:       "summarizer",
		Metadata: map[string]any{
			MetaTurnCount:  len(turns),
			"window_start": first.Timestamp.UTC().Format(time.RFC3339),
			MetaWindowEnd:  last.Timestamp.UTC().Format(time.RFC3339),
			"source_ids":   sourceIDs,
		},
	}
	id, err := s.store.put(ctx, rec)
	if err != nil {
		return "", false, err
	}
	logger.InfoCF("summarizer", "Session summarized", map[string]interface{}{
		"bot_id":     botID,
		"user_id":    userID,
		"session_id": sessionID,
		"turns":      len(turns),
		"chars":      len(content),
	})
	return id, true, nil
}

func buildTranscript(turns []Record) string {
	var b strings.Builder
	for _, t := range turns {
		b.WriteString(t.MetaString(MetaRole))
		b.WriteString(": ")
		b.WriteString(strings.TrimSpace(t.Content))
		b.WriteString("\n")
	}
	return b.String()
}

// fallbackSummary keeps the most significant user lines in their original order.
func fallbackSummary(turns []Record) string {
	parts := []string{fmt.Sprintf("Conversation window %s - %s (%d turns).",
		turns[0].Timestamp.UTC().Format(time.RFC3339),
		turns[len(turns)-1].Timestamp.UTC().Format(time.RFC3339),
		len(turns))}

	picks := make([]int, 0, len(turns))
	for i, t := range turns {
		if t.MetaString(MetaRole) == "user" && strings.TrimSpace(t.Content) != "" {
			picks = append(picks, i)
		}
	}
	if len(picks) == 0 {
		for i := range turns {
			picks = append(picks, i)
		}
	}
	sort.SliceStable(picks, func(a, b int) bool {
		ta, tb := turns[picks[a]], turns[picks[b]]
		if ta.Significance != tb.Significance {
			return ta.Significance > tb.Significance
		}
		return len(ta.Content) > len(tb.Content)
	})
	if len(picks) > 6 {
		picks = picks[:6]
	}
	sort.Ints(picks)

	for _, i := range picks {
		t := turns[i]
		label := "User"
		if t.MetaString(MetaRole) == "assistant" {
			label = "Assistant"
		}
		parts = append(parts, "- "+label+": "+truncateRunes(strings.TrimSpace(t.Content), 160))
	}
	return strings.Join(parts, "\n")
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}
