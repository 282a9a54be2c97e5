package memory

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/dotsetgreg/personamem/pkg/logger"
	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
)

// StoreConfig configures a MemoryStore.
type StoreConfig struct {
	// Dimensions maps each vector name to its fixed size.
	Dimensions map[string]int
	Tuning     TuningSource
	// Overfetch multiplies TopK for per-vector candidate retrieval before fusion.
	Overfetch      int
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// MemoryStore persists and searches memories on top of a Backend. Every
// read path is scoped to a bot.
type MemoryStore struct {
	backend   Backend
	embedder  Embedder
	dims      map[string]int
	names     []string
	tuning    TuningSource
	retry     retryPolicy
	overfetch int
}

func NewMemoryStore(backend Backend, embedder Embedder, cfg StoreConfig) *MemoryStore {
	dims := cfg.Dimensions
	if len(dims) == 0 {
		dims = DefaultDimensions()
	}
	names := make([]string, 0, len(dims))
	for name := range dims {
		names = append(names, name)
	}
	sort.Strings(names)
	if cfg.Overfetch <= 0 {
		cfg.Overfetch = 4
	}
	return &MemoryStore{
		backend:   backend,
		embedder:  embedder,
		dims:      dims,
		names:     names,
		tuning:    cfg.Tuning,
		overfetch: cfg.Overfetch,
		retry: retryPolicy{
			attempts:  cfg.RetryAttempts,
			baseDelay: cfg.RetryBaseDelay,
			maxDelay:  cfg.RetryMaxDelay,
		},
	}
}

// Dimensions returns a copy of the configured dimension table.
func (s *MemoryStore) Dimensions() map[string]int {
	out := make(map[string]int, len(s.dims))
	for k, v := range s.dims {
		out[k] = v
	}
	return out
}

// VectorNames returns the configured vector names in sorted order.
func (s *MemoryStore) VectorNames() []string {
	return append([]string(nil), s.names...)
}

// VerifyDimensions creates or checks the backend collection. A mismatch is fatal.
func (s *MemoryStore) VerifyDimensions(ctx context.Context) error {
	return s.retry.do(ctx, "ensure_collection", func(ctx context.Context) error {
		return s.backend.EnsureCollection(ctx, s.Dimensions())
	})
}

// Store validates, embeds and persists rec, returning its ID. Summary
// records are written only by the Summarizer and are rejected here.
func (s *MemoryStore) Store(ctx context.Context, rec Record) (string, error) {
	if rec.Type == MemoryConversationSummary {
		return "", goerr.Wrap(ErrImmutableRecord, "conversation summaries are written by the summarizer only")
	}
	return s.put(ctx, rec)
}

func (s *MemoryStore) put(ctx context.Context, rec Record) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if err := rec.Validate(); err != nil {
		return "", err
	}
	if err := s.embedRecord(ctx, &rec); err != nil {
		return "", err
	}
	err := s.retry.do(ctx, "upsert", func(ctx context.Context) error {
		return s.backend.Upsert(ctx, []Record{rec})
	})
	if err != nil {
		return "", err
	}
	s.metric(ctx, "memory.store.write", 1, map[string]string{
		"bot_id":      rec.BotID,
		"memory_type": string(rec.Type),
		"vector_mode": string(rec.VectorMode),
	})
	return rec.ID, nil
}

// embedRecord fills every configured vector slot of rec. Slots the caller
// already filled with correctly sized vectors are kept.
func (s *MemoryStore) embedRecord(ctx context.Context, rec *Record) error {
	if rec.Vectors == nil {
		rec.Vectors = map[string][]float32{}
	}
	for name, vec := range rec.Vectors {
		want, ok := s.dims[name]
		if !ok {
			delete(rec.Vectors, name)
			continue
		}
		if len(vec) != want {
			return dimensionError(name, want, len(vec))
		}
	}
	if len(rec.Vectors) == len(s.names) && rec.VectorMode != "" {
		return nil
	}

	tuning := currentTuning(s.tuning)
	if tuning.DegradedVectorReuse {
		primary := s.primaryVector()
		vec, ok := rec.Vectors[primary]
		if !ok {
			vecs, err := s.embed(ctx, []string{rec.Content}, primary)
			if err != nil {
				return err
			}
			vec = vecs[0]
		}
		for _, name := range s.names {
			if s.dims[name] != len(vec) {
				return dimensionError(name, s.dims[name], len(vec))
			}
			rec.Vectors[name] = append([]float32(nil), vec...)
		}
		rec.VectorMode = VectorModeDegraded
		return nil
	}

	for _, name := range s.names {
		if _, ok := rec.Vectors[name]; ok {
			continue
		}
		vecs, err := s.embed(ctx, []string{rec.Content}, name)
		if err != nil {
			return err
		}
		rec.Vectors[name] = vecs[0]
	}
	rec.VectorMode = VectorModeFull
	return nil
}

func (s *MemoryStore) primaryVector() string {
	if _, ok := s.dims[VectorContent]; ok {
		return VectorContent
	}
	return s.names[0]
}

func (s *MemoryStore) embed(ctx context.Context, texts []string, name string) ([][]float32, error) {
	if s.embedder == nil {
		return nil, goerr.Wrap(ErrEmbeddingUnavailable, "no embedder configured")
	}
	vecs, err := s.embedder.Embed(ctx, texts, name)
	if err != nil {
		if errors.Is(err, ErrEmbeddingUnavailable) {
			return nil, err
		}
		return nil, goerr.Wrap(ErrEmbeddingUnavailable, "embedder failed", goerr.V("vector", name), goerr.V("cause", err.Error()))
	}
	if len(vecs) != len(texts) {
		return nil, goerr.Wrap(ErrEmbeddingUnavailable, "embedder returned wrong number of vectors", goerr.V("vector", name))
	}
	for _, vec := range vecs {
		if len(vec) != s.dims[name] {
			return nil, dimensionError(name, s.dims[name], len(vec))
		}
	}
	return vecs, nil
}

func dimensionError(name string, want, got int) error {
	return goerr.Wrap(ErrDimensionMismatch, "vector has wrong dimension",
		goerr.V("vector", name), goerr.V("want", want), goerr.V("got", got))
}

// EmbedQuery embeds text for the given vector names (every configured name
// when none are given).
func (s *MemoryStore) EmbedQuery(ctx context.Context, text string, names ...string) (map[string][]float32, error) {
	if len(names) == 0 {
		names = s.names
	}
	out := make(map[string][]float32, len(names))
	for _, name := range names {
		if _, ok := s.dims[name]; !ok {
			return nil, goerr.Wrap(ErrInvalidRecord, "unknown vector name", goerr.V("vector", name))
		}
		vecs, err := s.embed(ctx, []string{text}, name)
		if err != nil {
			return nil, err
		}
		out[name] = vecs[0]
	}
	return out, nil
}

func requireScope(f Filter) error {
	if strings.TrimSpace(f.BotID) == "" || strings.TrimSpace(f.UserID) == "" {
		return goerr.Wrap(ErrScopeViolation, "bot_id and user_id filters are required",
			goerr.V("bot_id", f.BotID), goerr.V("user_id", f.UserID))
	}
	return nil
}

// Search runs a filtered multi-vector search. The fused score is the
// weighted mean of exact cosine similarities on every requested vector.
// Results are ordered by score descending with ties broken by ID.
func (s *MemoryStore) Search(ctx context.Context, req SearchRequest) ([]ScoredRecord, error) {
	if err := requireScope(req.Filter); err != nil {
		return nil, err
	}
	if len(req.Vectors) == 0 {
		return nil, goerr.Wrap(ErrInvalidRecord, "search needs at least one query vector")
	}
	if req.TopK <= 0 {
		req.TopK = 10
	}
	names := make([]string, 0, len(req.Vectors))
	for name, vec := range req.Vectors {
		want, ok := s.dims[name]
		if !ok {
			return nil, goerr.Wrap(ErrInvalidRecord, "unknown vector name", goerr.V("vector", name))
		}
		if len(vec) != want {
			return nil, dimensionError(name, want, len(vec))
		}
		names = append(names, name)
	}
	sort.Strings(names)

	weights := req.Weights
	if len(weights) == 0 {
		weights = currentTuning(s.tuning).VectorWeights
	}

	candidates := map[string]Record{}
	limit := req.TopK * s.overfetch
	for _, name := range names {
		var hits []Record
		err := s.retry.do(ctx, "search", func(ctx context.Context) error {
			var err error
			hits, err = s.backend.Search(ctx, name, req.Vectors[name], req.Filter, limit)
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, rec := range hits {
			if rec.BotID != req.Filter.BotID || rec.UserID != req.Filter.UserID {
				logger.WarnCF("memory", "Dropped out-of-scope search hit", map[string]interface{}{
					"expected_bot": req.Filter.BotID,
					"hit_bot":      rec.BotID,
					"id":           rec.ID,
				})
				continue
			}
			if !req.Filter.Match(rec) {
				continue
			}
			candidates[rec.ID] = rec
		}
	}

	out := make([]ScoredRecord, 0, len(candidates))
	for _, rec := range candidates {
		scores := make(map[string]float64, len(names))
		var sum, wsum float64
		for _, name := range names {
			vec, ok := rec.Vectors[name]
			if !ok {
				continue
			}
			w, ok := weights[name]
			if !ok {
				w = 1
			}
			if w <= 0 {
				continue
			}
			sim := cosineSimilarity(req.Vectors[name], vec)
			scores[name] = sim
			sum += w * sim
			wsum += w
		}
		if wsum == 0 {
			continue
		}
		score := sum / wsum
		if score < req.MinScore {
			continue
		}
		out = append(out, ScoredRecord{Record: rec, Score: score, VectorScores: scores})
	}
	sortScored(out)
	if len(out) > req.TopK {
		out = out[:req.TopK]
	}
	return out, nil
}

func sortScored(recs []ScoredRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].Score == recs[j].Score {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].Score > recs[j].Score
	})
}

// SearchText embeds text and searches on vectorNames (all configured
// vectors when none are given).
func (s *MemoryStore) SearchText(ctx context.Context, text string, filter Filter, topK int, minScore float64, vectorNames ...string) ([]ScoredRecord, error) {
	if err := requireScope(filter); err != nil {
		return nil, err
	}
	vectors, err := s.EmbedQuery(ctx, text, vectorNames...)
	if err != nil {
		return nil, err
	}
	return s.Search(ctx, SearchRequest{Vectors: vectors, Filter: filter, TopK: topK, MinScore: minScore})
}

// Scroll lists records of a single bot without ranking, oldest first.
func (s *MemoryStore) Scroll(ctx context.Context, filter Filter, limit int) ([]Record, error) {
	if strings.TrimSpace(filter.BotID) == "" {
		return nil, goerr.Wrap(ErrScopeViolation, "bot_id filter is required")
	}
	var out []Record
	err := s.retry.do(ctx, "scroll", func(ctx context.Context) error {
		var err error
		out, err = s.backend.Scroll(ctx, filter, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	kept := out[:0]
	for _, rec := range out {
		if rec.BotID != filter.BotID {
			logger.WarnCF("memory", "Dropped out-of-scope scroll hit", map[string]interface{}{
				"expected_bot": filter.BotID,
				"hit_bot":      rec.BotID,
				"id":           rec.ID,
			})
			continue
		}
		kept = append(kept, rec)
	}
	return kept, nil
}

// scrollAll lists every matching record, oldest first.
func (s *MemoryStore) scrollAll(ctx context.Context, filter Filter) ([]Record, error) {
	return s.Scroll(ctx, filter, math.MaxInt32)
}

// Get loads one record of (botID, userID).
func (s *MemoryStore) Get(ctx context.Context, botID, userID, id string) (Record, error) {
	recs, err := s.Scroll(ctx, Filter{BotID: botID, UserID: userID, IDs: []string{id}}, 1)
	if err != nil {
		return Record{}, err
	}
	if len(recs) == 0 {
		return Record{}, goerr.Wrap(ErrNotFound, "memory not found", goerr.V("id", id), goerr.V("bot_id", botID))
	}
	return recs[0], nil
}

// Delete hard-deletes every record matching filter. An empty filter is refused.
func (s *MemoryStore) Delete(ctx context.Context, filter Filter) (int, error) {
	if filter.IsEmpty() {
		return 0, ErrEmptyFilter
	}
	var n int
	err := s.retry.do(ctx, "delete", func(ctx context.Context) error {
		var err error
		n, err = s.backend.Delete(ctx, filter)
		return err
	})
	if err != nil {
		return 0, err
	}
	logger.InfoCF("memory", "Deleted memories by filter", map[string]interface{}{
		"bot_id":  filter.BotID,
		"user_id": filter.UserID,
		"count":   n,
	})
	s.metric(ctx, "memory.store.delete", float64(n), map[string]string{"bot_id": filter.BotID})
	return n, nil
}

// GetStats aggregates a bot's partition.
func (s *MemoryStore) GetStats(ctx context.Context, botID string) (Stats, error) {
	return s.stats(ctx, Filter{BotID: botID})
}

func (s *MemoryStore) stats(ctx context.Context, filter Filter) (Stats, error) {
	if strings.TrimSpace(filter.BotID) == "" {
		return Stats{}, goerr.Wrap(ErrScopeViolation, "bot_id is required for stats")
	}
	if sb, ok := s.backend.(StatsBackend); ok {
		var st Stats
		err := s.retry.do(ctx, "stats", func(ctx context.Context) error {
			var err error
			st, err = sb.Stats(ctx, filter)
			return err
		})
		return st, err
	}

	recs, err := s.scrollAll(ctx, filter)
	if err != nil {
		return Stats{}, err
	}
	return computeStats(filter.BotID, recs), nil
}

func computeStats(botID string, recs []Record) Stats {
	st := Stats{BotID: botID, Count: len(recs)}
	if len(recs) == 0 {
		return st
	}
	users := map[string]struct{}{}
	for _, rec := range recs {
		users[rec.UserID] = struct{}{}
		st.AvgConfidence += rec.Confidence
		st.AvgSignificance += rec.Significance
	}
	st.UniqueUsers = len(users)
	st.AvgConfidence /= float64(len(recs))
	st.AvgSignificance /= float64(len(recs))
	return st
}

// CorrectMetadata patches whitelisted metadata keys of a stored record.
// Content and summary records are never changed.
func (s *MemoryStore) CorrectMetadata(ctx context.Context, botID, userID, id string, patch map[string]any) error {
	if len(patch) == 0 {
		return nil
	}
	for k := range patch {
		if _, ok := correctableKeys[k]; !ok {
			return goerr.Wrap(ErrInvalidRecord, "metadata key is not correctable", goerr.V("key", k))
		}
	}
	rec, err := s.Get(ctx, botID, userID, id)
	if err != nil {
		return err
	}
	if rec.Type == MemoryConversationSummary {
		return goerr.Wrap(ErrImmutableRecord, "summary records cannot be corrected", goerr.V("id", id))
	}
	if rec.Metadata == nil {
		rec.Metadata = map[string]any{}
	}
	for k, v := range patch {
		if v == nil {
			delete(rec.Metadata, k)
			continue
		}
		rec.Metadata[k] = v
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	if err := s.embedRecord(ctx, &rec); err != nil {
		return err
	}
	return s.retry.do(ctx, "upsert", func(ctx context.Context) error {
		return s.backend.Upsert(ctx, []Record{rec})
	})
}

// listBots is the only read that is not bound to a single bot; it is used
// by the coordinator to discover partitions.
func (s *MemoryStore) listBots(ctx context.Context, userID string) ([]string, error) {
	var bots []string
	err := s.retry.do(ctx, "list_bots", func(ctx context.Context) error {
		var err error
		bots, err = s.backend.ListBots(ctx, userID)
		return err
	})
	return bots, err
}

func (s *MemoryStore) metric(ctx context.Context, name string, value float64, labels map[string]string) {
	if sink, ok := s.backend.(MetricSink); ok {
		_ = sink.AddMetric(ctx, name, value, labels)
	}
}

// Close closes the backend.
func (s *MemoryStore) Close() error {
	return s.backend.Close()
}
