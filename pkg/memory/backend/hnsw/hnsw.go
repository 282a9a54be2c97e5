// Package hnsw keeps memories in process with one coder/hnsw graph per bot
// and named vector. Graph searches are approximate, so a search that cannot
// fill its limit after filtering falls back to an exact scan of the bot's
// records.
package hnsw

import (
	"context"
	"sort"
	"sync"

	"github.com/coder/hnsw"

	"github.com/dotsetgreg/personamem/pkg/logger"
	"github.com/dotsetgreg/personamem/pkg/memory"
	"github.com/m-mizutani/goerr/v2"
)

// Backend implements memory.Backend on in-memory HNSW graphs.
type Backend struct {
	mu   sync.RWMutex
	dims map[string]int
	bots map[string]*botIndex
}

// botIndex holds one bot's records. Graphs are rebuilt lazily after a
// delete or an overwrite instead of removing nodes in place.
type botIndex struct {
	records map[string]memory.Record
	graphs  map[string]*hnsw.Graph[string]
	dirty   bool
}

func New() *Backend {
	return &Backend{bots: map[string]*botIndex{}}
}

func newGraph() *hnsw.Graph[string] {
	g := hnsw.NewGraph[string]()
	g.Distance = hnsw.CosineDistance
	return g
}

func (b *Backend) EnsureCollection(ctx context.Context, dims map[string]int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.dims != nil {
		for name, want := range dims {
			if got, ok := b.dims[name]; ok && got != want {
				return goerr.Wrap(memory.ErrDimensionMismatch, "hnsw index dimension differs",
					goerr.V("vector", name), goerr.V("want", want), goerr.V("got", got))
			}
		}
	}
	next := make(map[string]int, len(dims))
	for name, d := range dims {
		next[name] = d
	}
	b.dims = next
	logger.InfoCF("hnsw", "Index ready", map[string]interface{}{"vectors": len(next)})
	return nil
}

func (b *Backend) checkVectors(rec memory.Record) error {
	if b.dims == nil {
		return goerr.Wrap(memory.ErrStorageUnavailable, "hnsw index not initialized")
	}
	for name, vec := range rec.Vectors {
		want, ok := b.dims[name]
		if !ok {
			return goerr.Wrap(memory.ErrInvalidRecord, "unknown vector name", goerr.V("vector", name))
		}
		if len(vec) != want {
			return goerr.Wrap(memory.ErrDimensionMismatch, "vector length differs from index",
				goerr.V("id", rec.ID), goerr.V("vector", name), goerr.V("want", want), goerr.V("got", len(vec)))
		}
	}
	return nil
}

func (b *Backend) Upsert(ctx context.Context, records []memory.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, rec := range records {
		if err := b.checkVectors(rec); err != nil {
			return err
		}
	}
	for _, rec := range records {
		idx, ok := b.bots[rec.BotID]
		if !ok {
			idx = &botIndex{records: map[string]memory.Record{}, graphs: map[string]*hnsw.Graph[string]{}}
			b.bots[rec.BotID] = idx
		}
		if _, exists := idx.records[rec.ID]; exists {
			idx.dirty = true
		}
		idx.records[rec.ID] = clone(rec)
		if idx.dirty {
			continue
		}
		for name, vec := range rec.Vectors {
			g, ok := idx.graphs[name]
			if !ok {
				g = newGraph()
				idx.graphs[name] = g
			}
			g.Add(hnsw.MakeNode(rec.ID, vec))
		}
	}
	return nil
}

func (idx *botIndex) rebuild() {
	graphs := map[string]*hnsw.Graph[string]{}
	ids := make([]string, 0, len(idx.records))
	for id := range idx.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		for name, vec := range idx.records[id].Vectors {
			g, ok := graphs[name]
			if !ok {
				g = newGraph()
				graphs[name] = g
			}
			g.Add(hnsw.MakeNode(id, vec))
		}
	}
	idx.graphs = graphs
	idx.dirty = false
}

func (b *Backend) Search(ctx context.Context, vectorName string, query []float32, filter memory.Filter, limit int) ([]memory.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	want, ok := b.dims[vectorName]
	if !ok {
		return nil, goerr.Wrap(memory.ErrInvalidRecord, "unknown vector name", goerr.V("vector", vectorName))
	}
	if len(query) != want {
		return nil, goerr.Wrap(memory.ErrDimensionMismatch, "query length differs from index",
			goerr.V("vector", vectorName), goerr.V("want", want), goerr.V("got", len(query)))
	}

	indexes := b.indexesFor(filter)
	var out []memory.Record
	for _, idx := range indexes {
		if idx.dirty {
			idx.rebuild()
		}
		out = append(out, idx.search(vectorName, query, filter, limit)...)
	}
	if len(indexes) > 1 {
		sortByDistance(out, vectorName, query)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (b *Backend) indexesFor(filter memory.Filter) []*botIndex {
	if filter.BotID != "" {
		if idx, ok := b.bots[filter.BotID]; ok {
			return []*botIndex{idx}
		}
		return nil
	}
	out := make([]*botIndex, 0, len(b.bots))
	for _, idx := range b.bots {
		out = append(out, idx)
	}
	return out
}

func (idx *botIndex) search(vectorName string, query []float32, filter memory.Filter, limit int) []memory.Record {
	g, ok := idx.graphs[vectorName]
	if !ok || g.Len() == 0 {
		return nil
	}
	if limit <= 0 {
		limit = g.Len()
	}
	k := limit * 4
	if k > g.Len() {
		k = g.Len()
	}

	out := make([]memory.Record, 0, limit)
	nodes := g.Search(query, k)
	for _, node := range nodes {
		rec, ok := idx.records[node.Key]
		if !ok || !filter.Match(rec) {
			continue
		}
		out = append(out, clone(rec))
		if len(out) >= limit {
			return out
		}
	}
	if len(nodes) >= g.Len() {
		return out
	}

	// Exact scan when the approximate neighborhood was filtered too thin.
	out = out[:0]
	for _, rec := range idx.records {
		if _, ok := rec.Vectors[vectorName]; ok && filter.Match(rec) {
			out = append(out, clone(rec))
		}
	}
	sortByDistance(out, vectorName, query)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func sortByDistance(recs []memory.Record, vectorName string, query []float32) {
	dist := make(map[string]float32, len(recs))
	for _, rec := range recs {
		dist[rec.ID] = hnsw.CosineDistance(query, rec.Vectors[vectorName])
	}
	sort.SliceStable(recs, func(i, j int) bool {
		di, dj := dist[recs[i].ID], dist[recs[j].ID]
		if di == dj {
			return recs[i].ID < recs[j].ID
		}
		return di < dj
	})
}

// Scroll lists matching records oldest first.
func (b *Backend) Scroll(ctx context.Context, filter memory.Filter, limit int) ([]memory.Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := []memory.Record{}
	for _, idx := range b.indexesFor(filter) {
		for _, rec := range idx.records {
			if filter.Match(rec) {
				out = append(out, clone(rec))
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	if limit <= 0 {
		limit = 1000
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (b *Backend) Delete(ctx context.Context, filter memory.Filter) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, idx := range b.indexesFor(filter) {
		for id, rec := range idx.records {
			if filter.Match(rec) {
				delete(idx.records, id)
				idx.dirty = true
				n++
			}
		}
	}
	for bot, idx := range b.bots {
		if len(idx.records) == 0 {
			delete(b.bots, bot)
		}
	}
	return n, nil
}

func (b *Backend) ListBots(ctx context.Context, userID string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := []string{}
	for bot, idx := range b.bots {
		for _, rec := range idx.records {
			if userID == "" || rec.UserID == userID {
				out = append(out, bot)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// Stats aggregates in memory.
func (b *Backend) Stats(ctx context.Context, filter memory.Filter) (memory.Stats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	st := memory.Stats{BotID: filter.BotID}
	users := map[string]struct{}{}
	var conf, sig float64
	for _, idx := range b.indexesFor(filter) {
		for _, rec := range idx.records {
			if !filter.Match(rec) {
				continue
			}
			st.Count++
			users[rec.UserID] = struct{}{}
			conf += rec.Confidence
			sig += rec.Significance
		}
	}
	st.UniqueUsers = len(users)
	if st.Count > 0 {
		st.AvgConfidence = conf / float64(st.Count)
		st.AvgSignificance = sig / float64(st.Count)
	}
	return st, nil
}

func (b *Backend) Close() error {
	return nil
}

func clone(rec memory.Record) memory.Record {
	if rec.Metadata != nil {
		meta := make(map[string]any, len(rec.Metadata))
		for k, v := range rec.Metadata {
			meta[k] = v
		}
		rec.Metadata = meta
	}
	return rec
}

var (
	_ memory.Backend      = (*Backend)(nil)
	_ memory.StatsBackend = (*Backend)(nil)
)
