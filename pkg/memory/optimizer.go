package memory

import (
	"context"
	"strings"
	"time"
	"unicode"
)

// QueryType selects the threshold and rewrite strategy for a query.
type QueryType string

const (
	QueryConversationRecall QueryType = "conversation_recall"
	QueryFactLookup         QueryType = "fact_lookup"
	QueryGeneral            QueryType = "general"
)

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "is": {}, "are": {}, "was": {}, "were": {}, "be": {}, "been": {},
	"am": {}, "do": {}, "does": {}, "did": {}, "to": {}, "of": {}, "in": {}, "on": {}, "at": {},
	"for": {}, "with": {}, "and": {}, "or": {}, "but": {}, "it": {}, "its": {}, "that": {}, "this": {},
	"i": {}, "me": {}, "my": {}, "you": {}, "your": {}, "we": {}, "our": {}, "us": {}, "he": {}, "she": {},
	"they": {}, "them": {}, "what": {}, "who": {}, "where": {}, "when": {}, "which": {}, "how": {},
	"can": {}, "could": {}, "would": {}, "should": {}, "will": {}, "about": {}, "from": {}, "s": {},
	"have": {}, "has": {}, "had": {}, "there": {}, "if": {}, "as": {}, "by": {}, "any": {}, "some": {},
}

var fillers = map[string]struct{}{
	"um": {}, "uh": {}, "hmm": {}, "please": {}, "just": {}, "actually": {}, "basically": {},
	"really": {}, "hey": {}, "so": {}, "well": {}, "okay": {}, "ok": {}, "kinda": {}, "anyway": {},
	"tell": {}, "know": {}, "wondering": {},
}

// Words that carry the "this happened before" signal of a recall query.
var discourseMarkers = map[string]struct{}{
	"remember": {}, "recall": {}, "earlier": {}, "before": {}, "last": {}, "time": {}, "ago": {},
	"yesterday": {}, "talked": {}, "said": {}, "told": {}, "mentioned": {}, "discussed": {},
	"we": {}, "you": {}, "i": {},
}

var recallPhrases = []string{
	"remember", "recall", "earlier", "last time", "we talked", "we discussed", "did i say",
	"did i tell", "i told you", "you said", "i said", "mentioned", "yesterday", "ago",
}

var factPrefixes = []string{
	"what is", "what's", "what are", "who is", "who's", "where do", "where does", "where is",
	"when is", "when did", "which", "how many", "how old", "what was",
}

var factKeywords = []string{"name", "named", "favorite", "favourite", "live", "lives", "birthday", "age", "work", "job"}

// DetectQueryType classifies a raw query.
func DetectQueryType(query string) QueryType {
	q := strings.ToLower(strings.TrimSpace(query))
	for _, p := range recallPhrases {
		if strings.Contains(q, p) {
			return QueryConversationRecall
		}
	}
	for _, p := range factPrefixes {
		if strings.HasPrefix(q, p) {
			return QueryFactLookup
		}
	}
	for _, k := range factKeywords {
		for _, tok := range tokenize(q) {
			if tok == k {
				return QueryFactLookup
			}
		}
	}
	return QueryGeneral
}

// QueryContext carries what the optimizer knows about the caller.
type QueryContext struct {
	QueryType QueryType
	BotID     string
	UserID    string
}

// OptimizedQuery is the rewritten query plus what was extracted from it.
type OptimizedQuery struct {
	Original  string
	Text      string
	QueryType QueryType
	Entities  []string
	Keywords  []string
}

// UserHistory summarizes how a user tends to query. PrecisionBias in
// [-1, 1]: positive for users who want exact answers, negative for users
// who browse.
type UserHistory struct {
	PrecisionBias float64
}

// QueryOptimizer rewrites queries and runs filtered searches.
type QueryOptimizer struct {
	store  *MemoryStore
	tuning TuningSource
}

func NewQueryOptimizer(store *MemoryStore, tuning TuningSource) *QueryOptimizer {
	return &QueryOptimizer{store: store, tuning: tuning}
}

// OptimizeQuery strips stopwords and fillers. Fact lookups put the entities
// first and repeat them; conversation recalls keep their discourse markers.
func (o *QueryOptimizer) OptimizeQuery(raw string, qc QueryContext) OptimizedQuery {
	qt := qc.QueryType
	if qt == "" {
		qt = DetectQueryType(raw)
	}
	out := OptimizedQuery{Original: raw, QueryType: qt}

	entitySet := entityTokens(raw)
	seen := map[string]struct{}{}
	for _, word := range strings.Fields(raw) {
		word = strings.TrimFunc(word, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) })
		for _, tok := range tokenize(word) {
			if tok == "" {
				continue
			}
			if _, dup := seen[tok]; dup {
				continue
			}
			if _, ok := entitySet[tok]; ok {
				seen[tok] = struct{}{}
				out.Entities = append(out.Entities, tok)
				continue
			}
			_, isMarker := discourseMarkers[tok]
			keepMarker := qt == QueryConversationRecall && isMarker
			if _, stop := stopwords[tok]; stop && !keepMarker {
				continue
			}
			if _, filler := fillers[tok]; filler && !keepMarker {
				continue
			}
			seen[tok] = struct{}{}
			out.Keywords = append(out.Keywords, tok)
		}
	}

	var parts []string
	switch qt {
	case QueryFactLookup:
		parts = append(parts, out.Entities...)
		parts = append(parts, out.Keywords...)
		parts = append(parts, out.Entities...)
	default:
		parts = mergeInOrder(raw, out.Entities, out.Keywords)
	}
	out.Text = strings.Join(parts, " ")
	if strings.TrimSpace(out.Text) == "" {
		out.Text = strings.TrimSpace(raw)
	}
	return out
}

// mergeInOrder returns the kept tokens in their original order.
func mergeInOrder(raw string, entities, keywords []string) []string {
	keep := map[string]struct{}{}
	for _, t := range entities {
		keep[t] = struct{}{}
	}
	for _, t := range keywords {
		keep[t] = struct{}{}
	}
	out := []string{}
	for _, tok := range tokenize(raw) {
		if _, ok := keep[tok]; ok {
			out = append(out, tok)
			delete(keep, tok)
		}
	}
	return out
}

// AdaptiveThreshold returns the similarity floor for a query type,
// shifted by 0.1 toward precision or recall for users with a clear bias.
func (o *QueryOptimizer) AdaptiveThreshold(qt QueryType, hist UserHistory) float64 {
	tuning := currentTuning(o.tuning)
	base, ok := tuning.Thresholds[qt]
	if !ok {
		base, ok = tuning.Thresholds[QueryGeneral]
		if !ok {
			base = 0.5
		}
	}
	switch {
	case hist.PrecisionBias >= 0.25:
		base += 0.1
	case hist.PrecisionBias <= -0.25:
		base -= 0.1
	}
	return clamp01(base)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// HybridFilters are the metadata constraints of a hybrid search.
type HybridFilters struct {
	BotID       string
	UserID      string
	Types       []MemoryType
	Since       time.Time
	Until       time.Time
	Topic       string
	ChannelID   string
	TopK        int
	MinScore    float64
	VectorNames []string
}

// HybridSearch intersects semantic candidates with the metadata filters.
func (o *QueryOptimizer) HybridSearch(ctx context.Context, q OptimizedQuery, f HybridFilters) ([]ScoredRecord, error) {
	filter := Filter{
		BotID:  f.BotID,
		UserID: f.UserID,
		Types:  f.Types,
		Since:  f.Since,
		Until:  f.Until,
	}
	if f.Topic != "" || f.ChannelID != "" {
		filter.Metadata = map[string]string{}
		if f.Topic != "" {
			filter.Metadata[MetaTopic] = f.Topic
		}
		if f.ChannelID != "" {
			filter.Metadata[MetaChannelID] = f.ChannelID
		}
	}
	text := q.Text
	if strings.TrimSpace(text) == "" {
		text = q.Original
	}
	return o.store.SearchText(ctx, text, filter, f.TopK, f.MinScore, f.VectorNames...)
}
