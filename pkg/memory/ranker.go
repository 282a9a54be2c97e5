package memory

import (
	"math"
	"sort"
	"strings"
	"time"
)

// UserContext is what the ranker knows about the user.
type UserContext struct {
	PreferredTopics []string
	Now             time.Time
}

// RankedResult is a search hit with its re-rank components.
type RankedResult struct {
	ScoredRecord
	Semantic   float64
	Recency    float64
	Preference float64
	Quality    float64
	Diversity  float64
	Combined   float64
}

// Ranker re-scores search hits.
type Ranker struct {
	tuning TuningSource
}

func NewRanker(tuning TuningSource) *Ranker {
	return &Ranker{tuning: tuning}
}

// Rerank scores results with
//
//	combined = ws*semantic + wr*recency + wp*preference + wq*quality - wd*diversity
//
// where diversity is the highest similarity to an already selected result.
// Selection is greedy, and the output is ordered by combined score with
// ties broken by ascending ID.
func (r *Ranker) Rerank(results []ScoredRecord, query string, uc UserContext) []RankedResult {
	if len(results) == 0 {
		return []RankedResult{}
	}
	tuning := currentTuning(r.tuning)
	w := tuning.Rerank
	now := uc.Now
	if now.IsZero() {
		now = time.Now()
	}
	queryTokens := significantTokens(query)

	remaining := make([]RankedResult, 0, len(results))
	for _, res := range results {
		semantic := res.Score
		if semantic <= 0 && len(queryTokens) > 0 {
			semantic = jaccard(queryTokens, significantTokens(res.Content))
		}
		remaining = append(remaining, RankedResult{
			ScoredRecord: res,
			Semantic:     clamp01(semantic),
			Recency:      recencyWeight(now, res.Timestamp, tuning.RecencyHalfLife),
			Preference:   preferenceScore(res.Record, uc.PreferredTopics),
			Quality:      (res.Confidence + res.Significance) / 2,
		})
	}

	selected := make([]RankedResult, 0, len(remaining))
	for len(remaining) > 0 {
		best := -1
		for i := range remaining {
			cand := &remaining[i]
			cand.Diversity = 0
			for _, sel := range selected {
				if sim := recordSimilarity(cand.Record, sel.Record); sim > cand.Diversity {
					cand.Diversity = sim
				}
			}
			cand.Combined = w.Semantic*cand.Semantic + w.Recency*cand.Recency +
				w.Preference*cand.Preference + w.Quality*cand.Quality - w.Diversity*cand.Diversity
			if best < 0 || better(*cand, remaining[best]) {
				best = i
			}
		}
		selected = append(selected, remaining[best])
		remaining = append(remaining[:best], remaining[best+1:]...)
	}

	sort.SliceStable(selected, func(i, j int) bool { return better(selected[i], selected[j]) })
	return selected
}

func better(a, b RankedResult) bool {
	if a.Combined == b.Combined {
		return a.ID < b.ID
	}
	return a.Combined > b.Combined
}

func recencyWeight(now, ts time.Time, halfLife time.Duration) float64 {
	if ts.IsZero() {
		return 0
	}
	if halfLife <= 0 {
		halfLife = 14 * 24 * time.Hour
	}
	delta := now.Sub(ts)
	if delta <= 0 {
		return 1
	}
	return math.Exp(-math.Ln2 * float64(delta) / float64(halfLife))
}

// preferenceScore is the fraction of preferred topics the record mentions,
// through its topic tag or its content.
func preferenceScore(rec Record, topics []string) float64 {
	if len(topics) == 0 {
		return 0
	}
	tag := strings.ToLower(rec.MetaString(MetaTopic))
	content := map[string]struct{}{}
	for _, tok := range tokenize(rec.Content) {
		content[tok] = struct{}{}
	}
	hits := 0
	for _, topic := range topics {
		topic = strings.ToLower(strings.TrimSpace(topic))
		if topic == "" {
			continue
		}
		if topic == tag {
			hits++
			continue
		}
		if _, ok := content[topic]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(topics))
}

func recordSimilarity(a, b Record) float64 {
	if va, ok := a.Vectors[VectorContent]; ok {
		if vb, ok := b.Vectors[VectorContent]; ok {
			return math.Max(0, cosineSimilarity(va, vb))
		}
	}
	return jaccard(significantTokens(a.Content), significantTokens(b.Content))
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
