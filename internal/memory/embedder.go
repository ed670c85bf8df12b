package memory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"strings"
	"time"
)

// Embedder generates vector embeddings for text.
type Embedder interface {
	Embed(text string) ([]float32, error)
	EmbedBatch(texts []string) ([][]float32, error)
	Dimensions() int
	Model() string
}

// GetEmbedder returns the best available embedder. API embedders are wrapped
// with a sticky fallback to the local embedder so an expired key degrades to
// "store without enrichment" instead of failing writes.
func GetEmbedder() Embedder {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		return NewFallbackEmbedder(NewAPIEmbedder(key))
	}
	return NewLocalEmbedder()
}

// FallbackEmbedder wraps a primary embedder and switches to the local one on
// the first error for the rest of the session.
type FallbackEmbedder struct {
	primary  Embedder
	fallback Embedder
	failed   bool
}

func NewFallbackEmbedder(primary Embedder) *FallbackEmbedder {
	return &FallbackEmbedder{primary: primary, fallback: NewLocalEmbedder()}
}

func (f *FallbackEmbedder) Embed(text string) ([]float32, error) {
	if f.failed {
		return f.fallback.Embed(text)
	}
	v, err := f.primary.Embed(text)
	if err != nil {
		fmt.Fprintf(os.Stderr, "primary embedder failed (%v), falling back to local\n", err)
		f.failed = true
		return f.fallback.Embed(text)
	}
	return v, nil
}

func (f *FallbackEmbedder) EmbedBatch(texts []string) ([][]float32, error) {
	if f.failed {
		return f.fallback.EmbedBatch(texts)
	}
	vs, err := f.primary.EmbedBatch(texts)
	if err != nil {
		f.failed = true
		return f.fallback.EmbedBatch(texts)
	}
	return vs, nil
}

func (f *FallbackEmbedder) Dimensions() int {
	if f.failed {
		return f.fallback.Dimensions()
	}
	return f.primary.Dimensions()
}

func (f *FallbackEmbedder) Model() string {
	if f.failed {
		return f.fallback.Model()
	}
	return f.primary.Model()
}

// APIEmbedder calls an OpenAI-compatible embeddings endpoint.
type APIEmbedder struct {
	apiKey     string
	model      string
	dimensions int
	client     *http.Client
}

func NewAPIEmbedder(apiKey string) *APIEmbedder {
	return &APIEmbedder{
		apiKey:     apiKey,
		model:      "text-embedding-3-small",
		dimensions: 1536,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

func (e *APIEmbedder) Embed(text string) ([]float32, error) {
	vs, err := e.EmbedBatch([]string{text})
	if err != nil {
		return nil, err
	}
	if len(vs) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return vs[0], nil
}

func (e *APIEmbedder) EmbedBatch(texts []string) ([][]float32, error) {
	reqBody, err := json.Marshal(map[string]any{"model": e.model, "input": texts})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequest("POST", "https://api.openai.com/v1/embeddings", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embeddings API error %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	out := make([][]float32, len(texts))
	for _, d := range result.Data {
		if d.Index < len(out) {
			out[d.Index] = d.Embedding
		}
	}
	return out, nil
}

func (e *APIEmbedder) Dimensions() int { return e.dimensions }
func (e *APIEmbedder) Model() string   { return e.model }

// LocalEmbedder produces on-device embeddings from hashed n-gram features.
// Quality is below API embeddings but it is free, offline and deterministic,
// which keeps vector search alive without credentials.
type LocalEmbedder struct {
	dimensions int
	ngramSizes []int
	stopwords  map[string]bool
}

func NewLocalEmbedder() *LocalEmbedder {
	return &LocalEmbedder{
		dimensions: 512,
		ngramSizes: []int{1, 2, 3},
		stopwords:  buildStopwords(),
	}
}

func buildStopwords() map[string]bool {
	words := []string{
		"the", "a", "an", "and", "or", "but", "in", "on", "at", "to", "for",
		"of", "with", "by", "from", "as", "is", "was", "are", "were", "be",
		"it", "its", "this", "that", "these", "those", "not", "no", "so",
	}
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

func (e *LocalEmbedder) Embed(text string) ([]float32, error) {
	return e.generate(text), nil
}

func (e *LocalEmbedder) EmbedBatch(texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.generate(t)
	}
	return out, nil
}

func (e *LocalEmbedder) Dimensions() int { return e.dimensions }
func (e *LocalEmbedder) Model() string   { return "local-hash-v1" }

func (e *LocalEmbedder) generate(text string) []float32 {
	embedding := make([]float32, e.dimensions)
	words := tokenize(strings.ToLower(text))
	if len(words) == 0 {
		return embedding
	}

	for _, n := range e.ngramSizes {
		weight := 1.0 / float32(n)
		for i := 0; i+n <= len(words); i++ {
			if n == 1 && e.stopwords[words[i]] {
				continue
			}
			ngram := strings.Join(words[i:i+n], " ")
			// Feature hashing: each n-gram lands on two positions, the second
			// with opposite sign for diversity.
			idx1 := hashString(ngram) % e.dimensions
			idx2 := hashString(ngram+"_2") % e.dimensions
			posWeight := float32(1.0)
			if i < 3 || i >= len(words)-3 {
				posWeight = 1.5
			}
			embedding[idx1] += weight * posWeight
			embedding[idx2] -= weight * posWeight * 0.5
		}
	}

	// Character trigrams handle typos and identifier fragments.
	for i := 0; i+3 <= len(text); i++ {
		idx := hashString("char_"+text[i:i+3]) % e.dimensions
		embedding[idx] += 0.1
	}

	normalize(embedding)
	return embedding
}

func tokenize(text string) []string {
	for _, p := range []string{".", ",", "!", "?", ";", ":", "'", "\"", "(", ")", "[", "]", "{", "}", "\n", "\t"} {
		text = strings.ReplaceAll(text, p, " ")
	}
	fields := strings.Fields(text)
	out := make([]string, 0, len(fields))
	for _, w := range fields {
		if len(w) > 1 {
			out = append(out, w)
		}
	}
	return out
}

func hashString(s string) int {
	h := 0
	for _, c := range s {
		h = 31*h + int(c)
	}
	if h < 0 {
		h = -h
	}
	return h
}

func normalize(v []float32) {
	var norm float32
	for _, x := range v {
		norm += x * x
	}
	if norm > 0 {
		norm = float32(math.Sqrt(float64(norm)))
		for i := range v {
			v[i] /= norm
		}
	}
}

// CosineSimilarity compares two embeddings; 0 when shapes mismatch.
func CosineSimilarity(a, b []float32) float64 {
	return cosineSimilarity(a, b)
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i] * b[i])
		normA += float64(a[i] * a[i])
		normB += float64(b[i] * b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
