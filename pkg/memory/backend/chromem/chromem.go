// Package chromem stores memories in chromem-go, an embedded pure Go
// vector database. Each named vector lives in its own collection keyed by
// record ID; the full record payload is kept as the document content.
package chromem

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/dotsetgreg/personamem/pkg/logger"
	"github.com/dotsetgreg/personamem/pkg/memory"
	"github.com/m-mizutani/goerr/v2"
)

// Backend implements memory.Backend on chromem-go.
type Backend struct {
	db     *chromem.DB
	prefix string

	mu    sync.RWMutex
	cols  map[string]*chromem.Collection
	dims  map[string]int
	names []string
	meta  *chromem.Collection
}

// New creates an in-memory backend.
func New(prefix string) *Backend {
	return newBackend(chromem.NewDB(), prefix)
}

// NewPersistent creates a backend persisted under dir.
func NewPersistent(dir, prefix string) (*Backend, error) {
	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		return nil, fmt.Errorf("open chromem db: %w", err)
	}
	return newBackend(db, prefix), nil
}

func newBackend(db *chromem.DB, prefix string) *Backend {
	if strings.TrimSpace(prefix) == "" {
		prefix = "memories"
	}
	return &Backend{db: db, prefix: prefix, cols: map[string]*chromem.Collection{}, dims: map[string]int{}}
}

func (b *Backend) collectionName(vectorName string) string {
	return b.prefix + "_" + vectorName
}

// EnsureCollection creates one collection per vector name and records its
// dimension in a metadata collection, failing if a recorded dimension differs.
func (b *Backend) EnsureCollection(ctx context.Context, dims map[string]int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	meta, err := b.db.GetOrCreateCollection(b.prefix+"__meta", nil, nil)
	if err != nil {
		return fmt.Errorf("create meta collection: %w", err)
	}
	b.meta = meta

	names := make([]string, 0, len(dims))
	for name := range dims {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		want := dims[name]
		if doc, err := meta.GetByID(ctx, name); err == nil {
			got, _ := strconv.Atoi(doc.Metadata["dims"])
			if got != want {
				return goerr.Wrap(memory.ErrDimensionMismatch, "chromem collection dimension differs",
					goerr.V("vector", name), goerr.V("want", want), goerr.V("got", got))
			}
		} else {
			err := meta.AddDocument(ctx, chromem.Document{
				ID:        name,
				Content:   name,
				Embedding: []float32{1},
				Metadata:  map[string]string{"dims": strconv.Itoa(want)},
			})
			if err != nil {
				return fmt.Errorf("record dimension for %s: %w", name, err)
			}
		}
		col, err := b.db.GetOrCreateCollection(b.collectionName(name), nil, nil)
		if err != nil {
			return fmt.Errorf("create collection %s: %w", name, err)
		}
		b.cols[name] = col
		b.dims[name] = want
	}
	b.names = names
	logger.InfoCF("chromem", "Collections ready", map[string]interface{}{
		"prefix":  b.prefix,
		"vectors": len(names),
	})
	return nil
}

func (b *Backend) collection(name string) (*chromem.Collection, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	col, ok := b.cols[name]
	if !ok {
		return nil, goerr.Wrap(memory.ErrInvalidRecord, "unknown vector name", goerr.V("vector", name))
	}
	return col, nil
}

func (b *Backend) primary() (string, *chromem.Collection, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.names) == 0 {
		return "", nil, goerr.Wrap(memory.ErrStorageUnavailable, "chromem collections not initialized")
	}
	name := b.names[0]
	if _, ok := b.cols[memory.VectorContent]; ok {
		name = memory.VectorContent
	}
	return name, b.cols[name], nil
}

func docMetadata(rec memory.Record) map[string]string {
	return map[string]string{
		"bot_id":      rec.BotID,
		"user_id":     rec.UserID,
		"session_id":  rec.SessionID,
		"memory_type": string(rec.Type),
	}
}

// Upsert writes every named vector of each record. AddDocument replaces an
// existing document with the same ID.
func (b *Backend) Upsert(ctx context.Context, records []memory.Record) error {
	for _, rec := range records {
		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode record %s: %w", rec.ID, err)
		}
		for name, vec := range rec.Vectors {
			col, err := b.collection(name)
			if err != nil {
				return err
			}
			err = col.AddDocument(ctx, chromem.Document{
				ID:        rec.ID,
				Content:   string(payload),
				Embedding: vec,
				Metadata:  docMetadata(rec),
			})
			if err != nil {
				return goerr.Wrap(memory.ErrStorageUnavailable, "chromem add document",
					goerr.V("id", rec.ID), goerr.V("vector", name), goerr.V("cause", err.Error()))
			}
		}
	}
	return nil
}

// where turns the equality parts of f into a chromem metadata filter. The
// remaining constraints are applied by Filter.Match on the decoded payload.
func where(f memory.Filter) map[string]string {
	w := map[string]string{}
	if f.BotID != "" {
		w["bot_id"] = f.BotID
	}
	if f.UserID != "" {
		w["user_id"] = f.UserID
	}
	if f.SessionID != "" {
		w["session_id"] = f.SessionID
	}
	if len(f.Types) == 1 {
		w["memory_type"] = string(f.Types[0])
	}
	if len(w) == 0 {
		return nil
	}
	return w
}

// needsPostFilter reports whether f has constraints chromem cannot express.
func needsPostFilter(f memory.Filter) bool {
	return len(f.Types) > 1 || len(f.IDs) > 0 || len(f.ExcludeIDs) > 0 ||
		!f.Since.IsZero() || !f.Until.IsZero() || len(f.Metadata) > 0
}

func (b *Backend) query(ctx context.Context, col *chromem.Collection, vec []float32, f memory.Filter, limit int) ([]chromem.Result, error) {
	total := col.Count()
	if total == 0 {
		return nil, nil
	}
	n := limit
	if n <= 0 || needsPostFilter(f) || n > total {
		n = total
	}
	res, err := col.QueryEmbedding(ctx, vec, n, where(f), nil)
	if err != nil {
		if isInsufficientDocsError(err) {
			return nil, nil
		}
		return nil, goerr.Wrap(memory.ErrStorageUnavailable, "chromem query", goerr.V("cause", err.Error()))
	}
	return res, nil
}

func isInsufficientDocsError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "nResults must be") || strings.Contains(msg, "number of documents")
}

func decode(res chromem.Result) (memory.Record, error) {
	var rec memory.Record
	if err := json.Unmarshal([]byte(res.Content), &rec); err != nil {
		return memory.Record{}, fmt.Errorf("decode record %s: %w", res.ID, err)
	}
	return rec, nil
}

// attachVectors loads every named vector of rec from its collection.
func (b *Backend) attachVectors(ctx context.Context, rec *memory.Record) {
	b.mu.RLock()
	cols := make(map[string]*chromem.Collection, len(b.cols))
	for name, col := range b.cols {
		cols[name] = col
	}
	b.mu.RUnlock()

	rec.Vectors = make(map[string][]float32, len(cols))
	for name, col := range cols {
		doc, err := col.GetByID(ctx, rec.ID)
		if err != nil {
			continue
		}
		rec.Vectors[name] = doc.Embedding
	}
}

func (b *Backend) Search(ctx context.Context, vectorName string, query []float32, filter memory.Filter, limit int) ([]memory.Record, error) {
	col, err := b.collection(vectorName)
	if err != nil {
		return nil, err
	}
	res, err := b.query(ctx, col, query, filter, limit)
	if err != nil {
		return nil, err
	}
	out := make([]memory.Record, 0, len(res))
	for _, r := range res {
		rec, err := decode(r)
		if err != nil {
			logger.WarnCF("chromem", "Skipping undecodable document", map[string]interface{}{"id": r.ID, "error": err.Error()})
			continue
		}
		if !filter.Match(rec) {
			continue
		}
		b.attachVectors(ctx, &rec)
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// scan returns every matching record without vectors, oldest first.
// chromem has no scan API, so the primary collection is queried with a
// unit query vector for every document.
func (b *Backend) scan(ctx context.Context, filter memory.Filter) ([]memory.Record, error) {
	name, col, err := b.primary()
	if err != nil {
		return nil, err
	}
	b.mu.RLock()
	unit := make([]float32, b.dims[name])
	b.mu.RUnlock()
	if len(unit) == 0 {
		return nil, nil
	}
	unit[0] = 1

	res, err := b.query(ctx, col, unit, filter, 0)
	if err != nil {
		return nil, err
	}
	out := make([]memory.Record, 0, len(res))
	for _, r := range res {
		rec, err := decode(r)
		if err != nil || !filter.Match(rec) {
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// Scroll lists matching records oldest first.
func (b *Backend) Scroll(ctx context.Context, filter memory.Filter, limit int) ([]memory.Record, error) {
	out, err := b.scan(ctx, filter)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1000
	}
	if len(out) > limit {
		out = out[:limit]
	}
	for i := range out {
		b.attachVectors(ctx, &out[i])
	}
	return out, nil
}

// Stats aggregates over a full scan of the matching documents.
func (b *Backend) Stats(ctx context.Context, filter memory.Filter) (memory.Stats, error) {
	recs, err := b.scan(ctx, filter)
	if err != nil {
		return memory.Stats{}, err
	}
	st := memory.Stats{BotID: filter.BotID, Count: len(recs)}
	users := map[string]struct{}{}
	var conf, sig float64
	for _, rec := range recs {
		users[rec.UserID] = struct{}{}
		conf += rec.Confidence
		sig += rec.Significance
	}
	st.UniqueUsers = len(users)
	if st.Count > 0 {
		st.AvgConfidence = conf / float64(st.Count)
		st.AvgSignificance = sig / float64(st.Count)
	}
	return st, nil
}

func (b *Backend) Delete(ctx context.Context, filter memory.Filter) (int, error) {
	recs, err := b.scan(ctx, filter)
	if err != nil {
		return 0, err
	}
	if len(recs) == 0 {
		return 0, nil
	}
	ids := make([]string, 0, len(recs))
	for _, rec := range recs {
		ids = append(ids, rec.ID)
	}
	b.mu.RLock()
	cols := make([]*chromem.Collection, 0, len(b.cols))
	for _, col := range b.cols {
		cols = append(cols, col)
	}
	b.mu.RUnlock()
	for _, col := range cols {
		if err := col.Delete(ctx, nil, nil, ids...); err != nil {
			return 0, goerr.Wrap(memory.ErrStorageUnavailable, "chromem delete", goerr.V("cause", err.Error()))
		}
	}
	return len(ids), nil
}

func (b *Backend) ListBots(ctx context.Context, userID string) ([]string, error) {
	recs, err := b.scan(ctx, memory.Filter{UserID: userID})
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	out := []string{}
	for _, rec := range recs {
		if _, ok := seen[rec.BotID]; ok {
			continue
		}
		seen[rec.BotID] = struct{}{}
		out = append(out, rec.BotID)
	}
	sort.Strings(out)
	return out, nil
}

// Close is a no-op; persistent databases write through on every change.
func (b *Backend) Close() error {
	return nil
}

var (
	_ memory.Backend      = (*Backend)(nil)
	_ memory.StatsBackend = (*Backend)(nil)
)
