// Package ollama embeds and summarizes text through an Ollama server.
package ollama

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	olla "github.com/ollama/ollama/api"

	"github.com/dotsetgreg/personamem/pkg/memory"
	"github.com/m-mizutani/goerr/v2"
)

// Config selects the server and the model used for each named vector.
type Config struct {
	BaseURL string
	// Models maps a vector name to an embedding model. Names without an
	// entry use DefaultModel.
	Models       map[string]string
	DefaultModel string
	// SummaryModel is the generation model used by SummaryFunc.
	SummaryModel string
	Timeout      time.Duration
}

// Embedder implements memory.Embedder.
type Embedder struct {
	client *olla.Client
	cfg    Config
}

func New(cfg Config) (*Embedder, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "nomic-embed-text"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama base URL: %w", err)
	}
	hc := &http.Client{Timeout: cfg.Timeout}
	return &Embedder{client: olla.NewClient(parsed, hc), cfg: cfg}, nil
}

func (e *Embedder) model(vectorName string) string {
	if m := strings.TrimSpace(e.cfg.Models[vectorName]); m != "" {
		return m
	}
	return e.cfg.DefaultModel
}

// Embed sends texts as one batch to the model configured for vectorName.
func (e *Embedder) Embed(ctx context.Context, texts []string, vectorName string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	model := e.model(vectorName)
	resp, err := e.client.Embed(ctx, &olla.EmbedRequest{
		Model: model,
		Input: texts,
	})
	if err != nil {
		return nil, goerr.Wrap(memory.ErrEmbeddingUnavailable, "ollama embed",
			goerr.V("model", model), goerr.V("cause", err.Error()))
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, goerr.Wrap(memory.ErrEmbeddingUnavailable, "ollama returned wrong number of embeddings",
			goerr.V("model", model), goerr.V("want", len(texts)), goerr.V("got", len(resp.Embeddings)))
	}
	return resp.Embeddings, nil
}

const summaryPrompt = `Summarize the conversation below in a few sentences. Keep names, preferences and decisions. Do not invent facts.
%s
Conversation:
%s`

// SummaryFunc returns a memory.SummaryFunc backed by SummaryModel, or nil
// when no summary model is configured.
func (e *Embedder) SummaryFunc() memory.SummaryFunc {
	if strings.TrimSpace(e.cfg.SummaryModel) == "" {
		return nil
	}
	return func(ctx context.Context, existingSummary, transcript string) (string, error) {
		prior := ""
		if strings.TrimSpace(existingSummary) != "" {
			prior = "Previous summary:\n" + existingSummary + "\n"
		}
		stream := false
		var out strings.Builder
		err := e.client.Generate(ctx, &olla.GenerateRequest{
			Model:  e.cfg.SummaryModel,
			Prompt: fmt.Sprintf(summaryPrompt, prior, transcript),
			Stream: &stream,
		}, func(resp olla.GenerateResponse) error {
			out.WriteString(resp.Response)
			return nil
		})
		if err != nil {
			return "", fmt.Errorf("ollama generate summary: %w", err)
		}
		return strings.TrimSpace(out.String()), nil
	}
}

var _ memory.Embedder = (*Embedder)(nil)
