// Package embedding provides vector embedding generation for semantic matching.
// Backends: a deterministic local hashing engine (no network, stable under
// identical input) and remote providers (Google GenAI, Ollama). Vector
// dimension must stay constant for the lifetime of a user corpus; switching
// models goes through the re-embedding migration, never in place.
package embedding

import (
	"context"
	"fmt"
	"math"
	"sort"

	"engram/internal/logging"
)

// =============================================================================
// EMBEDDING ENGINE INTERFACE
// =============================================================================

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of embeddings
	Dimensions() int

	// Name returns the engine name
	Name() string
}

// HealthChecker is an optional interface for engines that can verify
// availability before batch operations.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config holds embedding engine configuration.
type Config struct {
	// Provider: "hash", "genai", or "ollama"
	Provider string `json:"provider"`

	// Hash engine dimensionality
	Dimensions int `json:"dimensions"`

	// GenAI configuration
	GenAIAPIKey string `json:"genai_api_key"`
	GenAIModel  string `json:"genai_model"` // Default: "gemini-embedding-001"

	// Ollama configuration
	OllamaEndpoint string `json:"ollama_endpoint"` // Default: "http://localhost:11434"
	OllamaModel    string `json:"ollama_model"`    // Default: "embeddinggemma"
}

// DefaultConfig returns sensible defaults: the hash engine, which needs no
// credentials and keeps tests hermetic.
func DefaultConfig() Config {
	return Config{
		Provider:       "hash",
		Dimensions:     256,
		GenAIModel:     "gemini-embedding-001",
		OllamaEndpoint: "http://localhost:11434",
		OllamaModel:    "embeddinggemma",
	}
}

// =============================================================================
// FACTORY
// =============================================================================

// NewEngine creates an embedding engine based on configuration.
func NewEngine(cfg Config) (Engine, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "NewEngine")
	defer timer.Stop()

	logging.Embedding("Creating embedding engine with provider=%s", cfg.Provider)

	var engine Engine
	var err error

	switch cfg.Provider {
	case "hash", "":
		engine, err = NewHashEngine(cfg.Dimensions)
	case "genai":
		engine, err = NewGenAIEngine(cfg.GenAIAPIKey, cfg.GenAIModel)
	case "ollama":
		engine, err = NewOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaModel)
	default:
		err = fmt.Errorf("unsupported embedding provider: %s (use 'hash', 'genai' or 'ollama')", cfg.Provider)
		logging.EmbeddingError("Unsupported embedding provider: %s", cfg.Provider)
		return nil, err
	}

	if err != nil {
		logging.EmbeddingError("Failed to create embedding engine: %v", err)
		return nil, err
	}

	logging.Embedding("Embedding engine created: name=%s, dimensions=%d", engine.Name(), engine.Dimensions())
	return engine, nil
}

// =============================================================================
// VECTOR MATH
// =============================================================================

// CosineSimilarity calculates the cosine similarity between two vectors.
// Returns a value between -1 and 1, where 1 means identical direction.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}

	var dot, magA, magB float64
	for i := 0; i < len(a); i++ {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}

	if magA == 0 || magB == 0 {
		return 0, nil
	}

	return dot / (math.Sqrt(magA) * math.Sqrt(magB)), nil
}

// Normalize scales a vector to unit L2 length in place and returns it.
// Zero vectors pass through unchanged.
func Normalize(v []float32) []float32 {
	var mag float64
	for _, x := range v {
		mag += float64(x) * float64(x)
	}
	if mag == 0 {
		return v
	}
	inv := 1 / math.Sqrt(mag)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return v
}

// Blend returns the weighted mean of two vectors, renormalized to unit
// length. weightB is the share of b; (1-weightB) is the share of a.
// Blending keeps profile component embeddings on the unit sphere so later
// similarity comparisons stay scale-free.
func Blend(a, b []float32, weightB float64) ([]float32, error) {
	if len(a) != len(b) {
		return nil, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}
	wa := 1 - weightB
	out := make([]float32, len(a))
	for i := range a {
		out[i] = float32(wa*float64(a[i]) + weightB*float64(b[i]))
	}
	return Normalize(out), nil
}

// SimilarityResult represents a similarity search result.
type SimilarityResult struct {
	Index      int
	Similarity float64
}

// FindTopK returns the top K most similar corpus vectors to the query,
// sorted by similarity descending. Vectors of mismatched dimension are
// skipped rather than failing the whole search.
func FindTopK(query []float32, corpus [][]float32, k int) ([]SimilarityResult, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "FindTopK")
	defer timer.Stop()

	if k <= 0 {
		k = 10
	}

	results := make([]SimilarityResult, 0, len(corpus))
	skipped := 0

	for i, vec := range corpus {
		similarity, err := CosineSimilarity(query, vec)
		if err != nil {
			skipped++
			continue
		}
		results = append(results, SimilarityResult{Index: i, Similarity: similarity})
	}

	if skipped > 0 {
		logging.EmbeddingWarn("FindTopK: skipped %d vectors due to dimension mismatch", skipped)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})

	if len(results) > k {
		results = results[:k]
	}

	return results, nil
}
