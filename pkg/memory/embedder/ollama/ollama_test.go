package ollama

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModelSelection(t *testing.T) {
	e, err := New(Config{DefaultModel: "base", Models: map[string]string{"emotion": "affect"}})
	require.NoError(t, err)
	assert.Equal(t, "affect", e.model("emotion"))
	assert.Equal(t, "base", e.model("content"))
	assert.Nil(t, e.SummaryFunc())
}

func TestEmbedder_Integration(t *testing.T) {
	url := os.Getenv("TEST_OLLAMA_URL")
	if url == "" {
		t.Skip("TEST_OLLAMA_URL not set")
	}
	e, err := New(Config{BaseURL: url, DefaultModel: os.Getenv("TEST_OLLAMA_MODEL")})
	require.NoError(t, err)

	vecs, err := e.Embed(context.Background(), []string{"hello", "world"}, "content")
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.NotEmpty(t, vecs[0])
}
