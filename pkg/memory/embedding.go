package memory

import (
	"context"
	"hash/fnv"
	"math"
	"regexp"
	"strings"
	"unicode"

	"github.com/m-mizutani/goerr/v2"
)

var tokenPattern = regexp.MustCompile(`[A-Za-z0-9_\-]+`)

// DefaultDimensions is the dimension table used when none is configured.
func DefaultDimensions() map[string]int {
	return map[string]int{
		VectorContent: 384,
		VectorEmotion: 64,
		VectorContext: 256,
	}
}

// LocalEmbedder is a deterministic, dependency-free embedder. The content
// vector is a signed hashed bag of words in which entity-like tokens weigh
// less than the statement frame, so two statements differing only in a
// name stay close. The emotion vector hashes an affect lexicon. Every other
// vector name uses character trigrams.
type LocalEmbedder struct {
	dims map[string]int
}

func NewLocalEmbedder(dims map[string]int) *LocalEmbedder {
	if len(dims) == 0 {
		dims = DefaultDimensions()
	}
	cp := make(map[string]int, len(dims))
	for k, v := range dims {
		cp[k] = v
	}
	return &LocalEmbedder{dims: cp}
}

func (e *LocalEmbedder) Embed(ctx context.Context, texts []string, vectorName string) ([][]float32, error) {
	dims, ok := e.dims[vectorName]
	if !ok || dims <= 0 {
		return nil, goerr.Wrap(ErrEmbeddingUnavailable, "no dimension configured for vector", goerr.V("vector", vectorName))
	}
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		switch vectorName {
		case VectorContent:
			out = append(out, embedStatement(text, dims))
		case VectorEmotion:
			out = append(out, embedAffect(text, dims))
		default:
			out = append(out, embedChargrams(text, dims))
		}
	}
	return out, nil
}

const entityTokenWeight = 0.5

func embedStatement(text string, dims int) []float32 {
	vec := make([]float32, dims)
	entities := entityTokens(text)
	for _, token := range tokenize(text) {
		weight := float32(1)
		if _, ok := entities[token]; ok {
			weight = entityTokenWeight
		}
		addHashed(vec, "tok:"+token, weight)
	}
	normalizeVector(vec)
	return vec
}

func embedChargrams(text string, dims int) []float32 {
	vec := make([]float32, dims)
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return vec
	}
	window := "#" + normalized + "#"
	for i := 0; i+3 <= len(window); i++ {
		h := fnv.New64a()
		_, _ = h.Write([]byte(window[i : i+3]))
		vec[int(h.Sum64()%uint64(dims))] += 1
	}
	for _, token := range tokenize(normalized) {
		h := fnv.New64a()
		_, _ = h.Write([]byte("tok:" + token))
		vec[int(h.Sum64()%uint64(dims))] += 1.25
	}
	normalizeVector(vec)
	return vec
}

var affectLexicon = map[string]string{
	"happy": "joy", "glad": "joy", "great": "joy", "excited": "joy", "love": "affection",
	"loved": "affection", "like": "affection", "adore": "affection", "miss": "sadness",
	"sad": "sadness", "lonely": "sadness", "cried": "sadness", "sorry": "sadness",
	"angry": "anger", "mad": "anger", "annoyed": "anger", "hate": "anger", "furious": "anger",
	"afraid": "fear", "scared": "fear", "worried": "fear", "anxious": "fear", "nervous": "fear",
	"wow": "surprise", "surprised": "surprise", "unexpected": "surprise", "amazing": "surprise",
	"thanks": "gratitude", "thank": "gratitude", "grateful": "gratitude",
}

func embedAffect(text string, dims int) []float32 {
	vec := make([]float32, dims)
	hits := 0
	for _, token := range tokenize(text) {
		if bucket, ok := affectLexicon[token]; ok {
			addUnsigned(vec, "emo:"+bucket, 1)
			hits++
		}
	}
	if hits == 0 {
		addUnsigned(vec, "emo:neutral", 1)
	}
	normalizeVector(vec)
	return vec
}

func addHashed(vec []float32, key string, weight float32) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	sum := h.Sum64()
	idx := int(sum % uint64(len(vec)))
	sign := float32(1)
	if (sum>>32)&1 == 1 {
		sign = -1
	}
	vec[idx] += sign * weight
}

func addUnsigned(vec []float32, key string, weight float32) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	vec[int(h.Sum64()%uint64(len(vec)))] += weight
}

func tokenize(text string) []string {
	text = strings.ToLower(text)
	matches := tokenPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return []string{text}
	}
	return matches
}

// entityTokens returns the lowercased tokens that look like names or
// quantities: capitalized words that do not open a sentence, and any token
// containing a digit.
func entityTokens(text string) map[string]struct{} {
	out := map[string]struct{}{}
	sentenceStart := true
	for _, word := range strings.Fields(text) {
		trimmed := strings.TrimFunc(word, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if trimmed != "" {
			runes := []rune(trimmed)
			hasDigit := strings.IndexFunc(trimmed, unicode.IsDigit) >= 0
			capital := unicode.IsUpper(runes[0])
			if hasDigit || (capital && !sentenceStart && trimmed != "I") {
				for _, tok := range tokenPattern.FindAllString(strings.ToLower(trimmed), -1) {
					out[tok] = struct{}{}
				}
			}
			sentenceStart = false
		}
		if strings.HasSuffix(word, ".") || strings.HasSuffix(word, "!") || strings.HasSuffix(word, "?") {
			sentenceStart = true
		}
	}
	return out
}

func vectorNorm(vec []float32) float64 {
	if len(vec) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

func normalizeVector(vec []float32) {
	n := vectorNorm(vec)
	if n == 0 {
		return
	}
	inv := float32(1.0 / n)
	for i := range vec {
		vec[i] *= inv
	}
}

// cosineSimilarity is exact cosine; vectors need not be normalized.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
