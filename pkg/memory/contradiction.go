package memory

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/dotsetgreg/personamem/pkg/logger"
	"github.com/m-mizutani/goerr/v2"
)

// ContradictionDetector compares a new statement against the stored facts
// of one (bot, user) pair.
type ContradictionDetector struct {
	store  *MemoryStore
	tuning TuningSource
	now    func() time.Time
}

func NewContradictionDetector(store *MemoryStore, tuning TuningSource) *ContradictionDetector {
	return &ContradictionDetector{store: store, tuning: tuning, now: time.Now}
}

// Detect returns the stored facts that look like the same statement about a
// different subject. threshold <= 0 uses the configured default. Failures
// are logged and yield an empty result.
func (d *ContradictionDetector) Detect(ctx context.Context, newContent, userID, botID string, threshold float64) []Contradiction {
	out, err := d.detect(ctx, newContent, userID, botID, threshold, nil)
	if err != nil {
		logger.WarnCF("contradiction", "Contradiction detection failed", map[string]interface{}{
			"bot_id":  botID,
			"user_id": userID,
			"error":   goerr.Wrap(ErrContradictionDetection, err.Error()).Error(),
		})
		return []Contradiction{}
	}
	return out
}

// detect evaluates against stored facts excluding excludeIDs, which keeps a
// record being written concurrently from matching itself.
func (d *ContradictionDetector) detect(ctx context.Context, newContent, userID, botID string, threshold float64, excludeIDs []string) ([]Contradiction, error) {
	if strings.TrimSpace(newContent) == "" {
		return []Contradiction{}, nil
	}
	tuning := currentTuning(d.tuning)
	if threshold <= 0 {
		threshold = tuning.ContradictionThreshold
	}

	vectorName := d.store.primaryVector()
	vectors, err := d.store.EmbedQuery(ctx, newContent, vectorName)
	if err != nil {
		return nil, err
	}
	hits, err := d.store.Search(ctx, SearchRequest{
		Vectors:  vectors,
		Weights:  map[string]float64{vectorName: 1},
		Filter:   Filter{BotID: botID, UserID: userID, Types: []MemoryType{MemoryFact}, ExcludeIDs: excludeIDs},
		TopK:     tuning.ContradictionTopN,
		MinScore: threshold,
	})
	if err != nil {
		return nil, err
	}

	detectedAt := d.now().UTC()
	out := []Contradiction{}
	for _, hit := range hits {
		if !subjectsDiffer(hit.Content, newContent) {
			continue
		}
		out = append(out, Contradiction{
			ExistingMemoryID: hit.ID,
			ExistingContent:  hit.Content,
			NewContent:       newContent,
			SimilarityScore:  hit.Score,
			DetectedAt:       detectedAt,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SimilarityScore == out[j].SimilarityScore {
			return out[i].ExistingMemoryID < out[j].ExistingMemoryID
		}
		return out[i].SimilarityScore > out[j].SimilarityScore
	})
	return out, nil
}

// subjectsDiffer reports whether two similar statements name different
// subjects. Subjects are the entity-like tokens (names, numbers). Entity
// detection depends on capitalization, so unless both statements have
// entities the lowercased content words are compared instead.
func subjectsDiffer(existing, incoming string) bool {
	a, b := entityTokens(existing), entityTokens(incoming)
	if len(a) == 0 || len(b) == 0 {
		a, b = significantTokens(existing), significantTokens(incoming)
	}
	return !sameTokenSet(a, b)
}

func significantTokens(text string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, tok := range tokenize(text) {
		if _, stop := stopwords[tok]; stop {
			continue
		}
		out[tok] = struct{}{}
	}
	return out
}

func sameTokenSet(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
