// Package milvus stores memories in a Milvus collection with one float
// vector field per named vector and the record payload as a JSON field.
package milvus

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/dotsetgreg/personamem/pkg/logger"
	"github.com/dotsetgreg/personamem/pkg/memory"
	"github.com/m-mizutani/goerr/v2"
	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
)

const (
	fieldID        = "id"
	fieldBotID     = "bot_id"
	fieldUserID    = "user_id"
	fieldSessionID = "session_id"
	fieldType      = "memory_type"
	fieldTimestamp = "timestamp_ms"
	fieldPayload   = "payload"
	vectorPrefix   = "vec_"
)

// Config selects the Milvus server and collection.
type Config struct {
	Address    string
	Collection string
	// HNSW parameters.
	M              int
	EfConstruction int
	Ef             int
}

// rowStore is the part of the Milvus client used for scalar scans and deletes.
type rowStore interface {
	Query(ctx context.Context, collectionName string, partitionNames []string, expr string, outputFields []string, opts ...client.SearchQueryOptionFunc) (client.ResultSet, error)
	Delete(ctx context.Context, collName string, partitionName string, expr string) error
}

// Backend implements memory.Backend on Milvus.
type Backend struct {
	client client.Client
	rows   rowStore
	flush  func(ctx context.Context) error
	cfg    Config
	names  []string
	dims   map[string]int
}

// New connects to Milvus.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, fmt.Errorf("milvus address is required")
	}
	if cfg.Collection == "" {
		cfg.Collection = "personamem"
	}
	if cfg.M <= 0 {
		cfg.M = 16
	}
	if cfg.EfConstruction <= 0 {
		cfg.EfConstruction = 200
	}
	if cfg.Ef <= 0 {
		cfg.Ef = 64
	}
	c, err := client.NewClient(ctx, client.Config{Address: cfg.Address})
	if err != nil {
		return nil, goerr.Wrap(memory.ErrStorageUnavailable, "connect to milvus",
			goerr.V("address", cfg.Address), goerr.V("cause", err.Error()))
	}
	b := &Backend{client: c, rows: c, cfg: cfg, dims: map[string]int{}}
	b.flush = func(ctx context.Context) error { return c.Flush(ctx, cfg.Collection, false) }
	return b, nil
}

func vectorField(name string) string {
	return vectorPrefix + name
}

// EnsureCollection creates the collection and its indexes, or verifies the
// vector dimensions of an existing one.
func (b *Backend) EnsureCollection(ctx context.Context, dims map[string]int) error {
	names := make([]string, 0, len(dims))
	for name := range dims {
		names = append(names, name)
	}
	sort.Strings(names)

	exists, err := b.client.HasCollection(ctx, b.cfg.Collection)
	if err != nil {
		return goerr.Wrap(memory.ErrStorageUnavailable, "check milvus collection", goerr.V("cause", err.Error()))
	}
	if exists {
		if err := b.verify(ctx, names, dims); err != nil {
			return err
		}
	} else if err := b.create(ctx, names, dims); err != nil {
		return err
	}

	if err := b.client.LoadCollection(ctx, b.cfg.Collection, false); err != nil {
		return goerr.Wrap(memory.ErrStorageUnavailable, "load milvus collection", goerr.V("cause", err.Error()))
	}
	b.names = names
	b.dims = dims
	return nil
}

func (b *Backend) verify(ctx context.Context, names []string, dims map[string]int) error {
	coll, err := b.client.DescribeCollection(ctx, b.cfg.Collection)
	if err != nil {
		return goerr.Wrap(memory.ErrStorageUnavailable, "describe milvus collection", goerr.V("cause", err.Error()))
	}
	have := map[string]int{}
	for _, f := range coll.Schema.Fields {
		if !strings.HasPrefix(f.Name, vectorPrefix) {
			continue
		}
		d, _ := strconv.Atoi(f.TypeParams[entity.TypeParamDim])
		have[strings.TrimPrefix(f.Name, vectorPrefix)] = d
	}
	for _, name := range names {
		if have[name] != dims[name] {
			return goerr.Wrap(memory.ErrDimensionMismatch, "milvus collection dimension differs",
				goerr.V("vector", name), goerr.V("want", dims[name]), goerr.V("got", have[name]))
		}
	}
	return nil
}

func (b *Backend) create(ctx context.Context, names []string, dims map[string]int) error {
	schema := entity.NewSchema().
		WithName(b.cfg.Collection).
		WithDescription("personamem memories").
		WithField(entity.NewField().WithName(fieldID).WithDataType(entity.FieldTypeVarChar).WithMaxLength(64).WithIsPrimaryKey(true)).
		WithField(entity.NewField().WithName(fieldBotID).WithDataType(entity.FieldTypeVarChar).WithMaxLength(128)).
		WithField(entity.NewField().WithName(fieldUserID).WithDataType(entity.FieldTypeVarChar).WithMaxLength(128)).
		WithField(entity.NewField().WithName(fieldSessionID).WithDataType(entity.FieldTypeVarChar).WithMaxLength(64)).
		WithField(entity.NewField().WithName(fieldType).WithDataType(entity.FieldTypeVarChar).WithMaxLength(32)).
		WithField(entity.NewField().WithName(fieldTimestamp).WithDataType(entity.FieldTypeInt64)).
		WithField(entity.NewField().WithName(fieldPayload).WithDataType(entity.FieldTypeJSON))
	for _, name := range names {
		schema = schema.WithField(entity.NewField().
			WithName(vectorField(name)).
			WithDataType(entity.FieldTypeFloatVector).
			WithDim(int64(dims[name])))
	}
	if err := b.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return goerr.Wrap(memory.ErrStorageUnavailable, "create milvus collection", goerr.V("cause", err.Error()))
	}
	for _, name := range names {
		idx, err := entity.NewIndexHNSW(entity.COSINE, b.cfg.M, b.cfg.EfConstruction)
		if err != nil {
			return fmt.Errorf("build hnsw index: %w", err)
		}
		if err := b.client.CreateIndex(ctx, b.cfg.Collection, vectorField(name), idx, false); err != nil {
			return goerr.Wrap(memory.ErrStorageUnavailable, "create milvus index",
				goerr.V("vector", name), goerr.V("cause", err.Error()))
		}
	}
	logger.InfoCF("milvus", "Collection created", map[string]interface{}{
		"collection": b.cfg.Collection,
		"vectors":    len(names),
	})
	return nil
}

func (b *Backend) Upsert(ctx context.Context, records []memory.Record) error {
	if len(records) == 0 {
		return nil
	}
	n := len(records)
	ids := make([]string, n)
	bots := make([]string, n)
	users := make([]string, n)
	sessions := make([]string, n)
	types := make([]string, n)
	stamps := make([]int64, n)
	payloads := make([][]byte, n)
	vectors := make(map[string][][]float32, len(b.names))
	for i, rec := range records {
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode record %s: %w", rec.ID, err)
		}
		ids[i], bots[i], users[i], sessions[i] = rec.ID, rec.BotID, rec.UserID, rec.SessionID
		types[i] = string(rec.Type)
		stamps[i] = rec.Timestamp.UnixMilli()
		payloads[i] = raw
		for _, name := range b.names {
			vec, ok := rec.Vectors[name]
			if !ok {
				return goerr.Wrap(memory.ErrInvalidRecord, "record is missing a vector", goerr.V("id", rec.ID), goerr.V("vector", name))
			}
			vectors[name] = append(vectors[name], vec)
		}
	}
	cols := []entity.Column{
		entity.NewColumnVarChar(fieldID, ids),
		entity.NewColumnVarChar(fieldBotID, bots),
		entity.NewColumnVarChar(fieldUserID, users),
		entity.NewColumnVarChar(fieldSessionID, sessions),
		entity.NewColumnVarChar(fieldType, types),
		entity.NewColumnInt64(fieldTimestamp, stamps),
		entity.NewColumnJSONBytes(fieldPayload, payloads),
	}
	for _, name := range b.names {
		cols = append(cols, entity.NewColumnFloatVector(vectorField(name), b.dims[name], vectors[name]))
	}
	if _, err := b.client.Upsert(ctx, b.cfg.Collection, "", cols...); err != nil {
		return goerr.Wrap(memory.ErrStorageUnavailable, "milvus upsert", goerr.V("cause", err.Error()))
	}
	return nil
}

func quote(s string) string {
	return strconv.Quote(s)
}

func quoteList(values []string) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = quote(v)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// buildExpr renders the scalar part of f as a Milvus boolean expression.
// Metadata constraints are case-insensitive and are applied after retrieval.
func buildExpr(f memory.Filter) string {
	conds := []string{}
	if f.BotID != "" {
		conds = append(conds, fieldBotID+" == "+quote(f.BotID))
	}
	if f.UserID != "" {
		conds = append(conds, fieldUserID+" == "+quote(f.UserID))
	}
	if f.SessionID != "" {
		conds = append(conds, fieldSessionID+" == "+quote(f.SessionID))
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		conds = append(conds, fieldType+" in "+quoteList(types))
	}
	if len(f.IDs) > 0 {
		conds = append(conds, fieldID+" in "+quoteList(f.IDs))
	}
	if len(f.ExcludeIDs) > 0 {
		conds = append(conds, fieldID+" not in "+quoteList(f.ExcludeIDs))
	}
	if !f.Since.IsZero() {
		conds = append(conds, fmt.Sprintf("%s >= %d", fieldTimestamp, f.Since.UnixMilli()))
	}
	if !f.Until.IsZero() {
		conds = append(conds, fmt.Sprintf("%s <= %d", fieldTimestamp, f.Until.UnixMilli()))
	}
	if len(conds) == 0 {
		return fieldID + ` != ""`
	}
	return strings.Join(conds, " && ")
}

func (b *Backend) outputFields() []string {
	out := []string{fieldID, fieldPayload}
	for _, name := range b.names {
		out = append(out, vectorField(name))
	}
	return out
}

// decodeRows rebuilds records from a result set holding the payload and
// vector columns.
func (b *Backend) decodeRows(rs client.ResultSet, count int) ([]memory.Record, error) {
	payloadCol, ok := rs.GetColumn(fieldPayload).(*entity.ColumnJSONBytes)
	if !ok {
		return nil, fmt.Errorf("milvus result is missing %s", fieldPayload)
	}
	vecCols := map[string]*entity.ColumnFloatVector{}
	for _, name := range b.names {
		if col, ok := rs.GetColumn(vectorField(name)).(*entity.ColumnFloatVector); ok {
			vecCols[name] = col
		}
	}
	payloads := payloadCol.Data()
	if count > len(payloads) {
		count = len(payloads)
	}
	out := make([]memory.Record, 0, count)
	for i := 0; i < count; i++ {
		var rec memory.Record
		if err := json.Unmarshal(payloads[i], &rec); err != nil {
			logger.WarnCF("milvus", "Skipping undecodable payload", map[string]interface{}{"error": err.Error()})
			continue
		}
		rec.Vectors = make(map[string][]float32, len(vecCols))
		for name, col := range vecCols {
			if data := col.Data(); i < len(data) {
				rec.Vectors[name] = data[i]
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

func (b *Backend) Search(ctx context.Context, vectorName string, query []float32, filter memory.Filter, limit int) ([]memory.Record, error) {
	if limit <= 0 {
		limit = 10
	}
	sp, err := entity.NewIndexHNSWSearchParam(max(b.cfg.Ef, limit))
	if err != nil {
		return nil, fmt.Errorf("build search params: %w", err)
	}
	results, err := b.client.Search(ctx, b.cfg.Collection, []string{}, buildExpr(filter), b.outputFields(),
		[]entity.Vector{entity.FloatVector(query)}, vectorField(vectorName), entity.COSINE, limit, sp)
	if err != nil {
		return nil, goerr.Wrap(memory.ErrStorageUnavailable, "milvus search",
			goerr.V("vector", vectorName), goerr.V("cause", err.Error()))
	}
	out := []memory.Record{}
	for _, res := range results {
		recs, err := b.decodeRows(res.Fields, res.ResultCount)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			if filter.Match(rec) {
				out = append(out, rec)
			}
		}
	}
	return out, nil
}

// queryPageSize is the largest window a single Milvus query may return.
const queryPageSize = 16384

// scanPages walks every row matching expr in primary key order, one query
// window at a time, using the last key of each window as the next cursor.
func (b *Backend) scanPages(ctx context.Context, expr string, fields []string, fn func(rs client.ResultSet, count int) error) error {
	cursor := ""
	for {
		pageExpr := expr
		if cursor != "" {
			pageExpr = "(" + expr + ") && " + fieldID + " > " + quote(cursor)
		}
		rs, err := b.rows.Query(ctx, b.cfg.Collection, nil, pageExpr, fields, client.WithLimit(queryPageSize))
		if err != nil {
			return goerr.Wrap(memory.ErrStorageUnavailable, "milvus query", goerr.V("cause", err.Error()))
		}
		idCol, ok := rs.GetColumn(fieldID).(*entity.ColumnVarChar)
		if !ok || idCol.Len() == 0 {
			return nil
		}
		for _, id := range idCol.Data() {
			if id > cursor {
				cursor = id
			}
		}
		if err := fn(rs, idCol.Len()); err != nil {
			return err
		}
		if idCol.Len() < queryPageSize {
			return nil
		}
	}
}

// scanRecords hands every record matching filter to fn, page by page,
// without vectors.
func (b *Backend) scanRecords(ctx context.Context, filter memory.Filter, fn func([]memory.Record) error) error {
	return b.scanPages(ctx, buildExpr(filter), []string{fieldID, fieldPayload}, func(rs client.ResultSet, count int) error {
		recs, err := b.decodeRows(rs, count)
		if err != nil {
			return err
		}
		kept := recs[:0]
		for _, rec := range recs {
			if filter.Match(rec) {
				kept = append(kept, rec)
			}
		}
		if len(kept) == 0 {
			return nil
		}
		return fn(kept)
	})
}

// attachVectors loads the named vectors of recs by primary key.
func (b *Backend) attachVectors(ctx context.Context, recs []memory.Record) error {
	const chunk = 1024
	index := make(map[string]int, len(recs))
	for i, rec := range recs {
		index[rec.ID] = i
	}
	for start := 0; start < len(recs); start += chunk {
		end := min(start+chunk, len(recs))
		ids := make([]string, 0, end-start)
		for _, rec := range recs[start:end] {
			ids = append(ids, rec.ID)
		}
		rs, err := b.rows.Query(ctx, b.cfg.Collection, nil, fieldID+" in "+quoteList(ids), b.outputFields(), client.WithLimit(int64(len(ids))))
		if err != nil {
			return goerr.Wrap(memory.ErrStorageUnavailable, "milvus load vectors", goerr.V("cause", err.Error()))
		}
		idCol, ok := rs.GetColumn(fieldID).(*entity.ColumnVarChar)
		if !ok {
			continue
		}
		for _, name := range b.names {
			col, ok := rs.GetColumn(vectorField(name)).(*entity.ColumnFloatVector)
			if !ok {
				continue
			}
			data := col.Data()
			for i, id := range idCol.Data() {
				j, found := index[id]
				if !found || i >= len(data) {
					continue
				}
				if recs[j].Vectors == nil {
					recs[j].Vectors = map[string][]float32{}
				}
				recs[j].Vectors[name] = data[i]
			}
		}
	}
	return nil
}

// Scroll lists matching records oldest first.
func (b *Backend) Scroll(ctx context.Context, filter memory.Filter, limit int) ([]memory.Record, error) {
	if limit <= 0 {
		limit = 1000
	}
	out := []memory.Record{}
	err := b.scanRecords(ctx, filter, func(recs []memory.Record) error {
		out = append(out, recs...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	if err := b.attachVectors(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes every matching row, one query window at a time.
func (b *Backend) Delete(ctx context.Context, filter memory.Filter) (int, error) {
	total := 0
	err := b.scanRecords(ctx, filter, func(recs []memory.Record) error {
		ids := make([]string, len(recs))
		for i, rec := range recs {
			ids[i] = rec.ID
		}
		if err := b.rows.Delete(ctx, b.cfg.Collection, "", fieldID+" in "+quoteList(ids)); err != nil {
			return goerr.Wrap(memory.ErrStorageUnavailable, "milvus delete",
				goerr.V("deleted", total), goerr.V("cause", err.Error()))
		}
		total += len(ids)
		return nil
	})
	if err != nil {
		return total, err
	}
	if total == 0 {
		return 0, nil
	}
	if err := b.flush(ctx); err != nil {
		logger.WarnCF("milvus", "Flush after delete failed", map[string]interface{}{"error": err.Error()})
	}
	return total, nil
}

// Stats aggregates the matching rows page by page.
func (b *Backend) Stats(ctx context.Context, filter memory.Filter) (memory.Stats, error) {
	st := memory.Stats{BotID: filter.BotID}
	users := map[string]struct{}{}
	var conf, sig float64
	err := b.scanRecords(ctx, filter, func(recs []memory.Record) error {
		for _, rec := range recs {
			st.Count++
			users[rec.UserID] = struct{}{}
			conf += rec.Confidence
			sig += rec.Significance
		}
		return nil
	})
	if err != nil {
		return memory.Stats{}, err
	}
	st.UniqueUsers = len(users)
	if st.Count > 0 {
		st.AvgConfidence = conf / float64(st.Count)
		st.AvgSignificance = sig / float64(st.Count)
	}
	return st, nil
}

func (b *Backend) ListBots(ctx context.Context, userID string) ([]string, error) {
	seen := map[string]struct{}{}
	out := []string{}
	err := b.scanPages(ctx, buildExpr(memory.Filter{UserID: userID}), []string{fieldID, fieldBotID}, func(rs client.ResultSet, _ int) error {
		col, ok := rs.GetColumn(fieldBotID).(*entity.ColumnVarChar)
		if !ok {
			return nil
		}
		for _, bot := range col.Data() {
			if _, dup := seen[bot]; dup {
				continue
			}
			seen[bot] = struct{}{}
			out = append(out, bot)
		}
		return nil
	})
	if err != nil {
		return nil, goerr.Wrap(err, "milvus list bots")
	}
	sort.Strings(out)
	return out, nil
}

func (b *Backend) Close() error {
	return b.client.Close()
}

var (
	_ memory.Backend      = (*Backend)(nil)
	_ memory.StatsBackend = (*Backend)(nil)
)
