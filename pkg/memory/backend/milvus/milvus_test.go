package milvus

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/personamem/pkg/memory"
)

// memRows serves primary-key ordered query windows the way Milvus does. It
// understands the id cursor and id list clauses the backend emits.
type memRows struct {
	recs    map[string]memory.Record
	queries int
}

func newMemRows(n int) *memRows {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := &memRows{recs: map[string]memory.Record{}}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("rec-%06d", i)
		m.recs[id] = memory.Record{
			ID: id, BotID: "bot-a", UserID: fmt.Sprintf("u%d", i%3), Type: memory.MemoryFact,
			Content: "fact", Confidence: 1, Significance: 0.5, Timestamp: base.Add(time.Duration(i) * time.Second),
		}
	}
	return m
}

func parseIDList(expr string) map[string]bool {
	_, list, ok := strings.Cut(expr, fieldID+" in [")
	if !ok {
		return nil
	}
	list, _, _ = strings.Cut(list, "]")
	out := map[string]bool{}
	for _, part := range strings.Split(list, ", ") {
		if id, err := strconv.Unquote(part); err == nil {
			out[id] = true
		}
	}
	return out
}

func (m *memRows) Query(ctx context.Context, collectionName string, partitionNames []string, expr string, outputFields []string, opts ...client.SearchQueryOptionFunc) (client.ResultSet, error) {
	m.queries++
	cursor := ""
	if _, after, ok := strings.Cut(expr, ") && "+fieldID+" > "); ok {
		cursor, _ = strconv.Unquote(after)
	}
	only := parseIDList(expr)

	ids := make([]string, 0, len(m.recs))
	for id := range m.recs {
		if id > cursor && (only == nil || only[id]) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > queryPageSize {
		ids = ids[:queryPageSize]
	}
	payloads := make([][]byte, len(ids))
	for i, id := range ids {
		raw, err := json.Marshal(m.recs[id])
		if err != nil {
			return nil, err
		}
		payloads[i] = raw
	}
	return client.ResultSet{
		entity.NewColumnVarChar(fieldID, ids),
		entity.NewColumnJSONBytes(fieldPayload, payloads),
	}, nil
}

func (m *memRows) Delete(ctx context.Context, collName string, partitionName string, expr string) error {
	for id := range parseIDList(expr) {
		delete(m.recs, id)
	}
	return nil
}

func TestBackend_PagesPastQueryWindow(t *testing.T) {
	const n = queryPageSize + 10
	rows := newMemRows(n)
	b := &Backend{rows: rows, flush: func(context.Context) error { return nil }, cfg: Config{Collection: "c"}, dims: map[string]int{}}
	ctx := context.Background()
	scope := memory.Filter{BotID: "bot-a"}

	st, err := b.Stats(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, n, st.Count)
	assert.Equal(t, 3, st.UniqueUsers)
	assert.InDelta(t, 0.5, st.AvgSignificance, 1e-9)

	recs, err := b.Scroll(ctx, scope, n)
	require.NoError(t, err)
	require.Len(t, recs, n)
	assert.Equal(t, "rec-000000", recs[0].ID)
	assert.Equal(t, fmt.Sprintf("rec-%06d", n-1), recs[n-1].ID)

	deleted, err := b.Delete(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, n, deleted)
	assert.Empty(t, rows.recs)
}

func TestBuildExpr(t *testing.T) {
	since := time.UnixMilli(1000)
	expr := buildExpr(memory.Filter{
		BotID:      "bot-a",
		UserID:     `u"1`,
		Types:      []memory.MemoryType{memory.MemoryFact, memory.MemoryRelationship},
		ExcludeIDs: []string{"x"},
		Since:      since,
	})
	assert.Equal(t,
		`bot_id == "bot-a" && user_id == "u\"1" && memory_type in ["fact", "relationship"] && id not in ["x"] && timestamp_ms >= 1000`,
		expr)

	assert.Equal(t, `id != ""`, buildExpr(memory.Filter{}))
}

func TestBackend_Integration(t *testing.T) {
	addr := os.Getenv("TEST_MILVUS_ADDR")
	if addr == "" {
		t.Skip("TEST_MILVUS_ADDR not set")
	}
	ctx := context.Background()
	b, err := New(ctx, Config{Address: addr, Collection: "personamem_test_" + time.Now().Format("150405")})
	require.NoError(t, err)

	store := memory.NewMemoryStore(b, memory.NewLocalEmbedder(nil), memory.StoreConfig{})
	defer store.Close()
	require.NoError(t, store.VerifyDimensions(ctx))

	id, err := store.Store(ctx, memory.Record{BotID: "bot-a", UserID: "u1", Type: memory.MemoryFact, Content: "My goldfish is named Orion", Confidence: 1})
	require.NoError(t, err)
	require.NoError(t, b.client.Flush(ctx, b.cfg.Collection, false))

	hits, err := store.SearchText(ctx, "goldfish", memory.Filter{BotID: "bot-a", UserID: "u1"}, 5, 0)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, id, hits[0].ID)

	n, err := store.Delete(ctx, memory.Filter{BotID: "bot-a"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
