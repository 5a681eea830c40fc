package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"unicode"
)

// =============================================================================
// HASH EMBEDDING ENGINE
// =============================================================================

// HashEngine produces deterministic embeddings by feature-hashing word
// tokens into a fixed-dimension vector. No network, no model weights:
// identical text always yields the identical vector, and texts sharing
// vocabulary land near each other. It is the fallback when no remote
// provider is configured and the workhorse for tests.
type HashEngine struct {
	dims int
}

// NewHashEngine creates a hash embedding engine with the given
// dimensionality (minimum 16; default 256).
func NewHashEngine(dims int) (*HashEngine, error) {
	if dims == 0 {
		dims = 256
	}
	if dims < 16 {
		return nil, fmt.Errorf("hash engine needs at least 16 dimensions, got %d", dims)
	}
	return &HashEngine{dims: dims}, nil
}

// Embed generates a deterministic embedding for a single text.
func (e *HashEngine) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	for _, tok := range tokenize(text) {
		h := fnv.New64a()
		h.Write([]byte(tok))
		sum := h.Sum64()

		idx := int(sum % uint64(e.dims))
		// Second hash bit decides the sign so colliding tokens can cancel
		// instead of always piling up positive mass.
		if (sum>>32)&1 == 0 {
			vec[idx] += 1
		} else {
			vec[idx] -= 1
		}
	}
	return Normalize(vec), nil
}

// EmbedBatch embeds each text independently.
func (e *HashEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions returns the configured dimensionality.
func (e *HashEngine) Dimensions() int {
	return e.dims
}

// Name returns the engine name.
func (e *HashEngine) Name() string {
	return fmt.Sprintf("hash:%d", e.dims)
}

// tokenize lowercases and splits on anything that is not a letter or digit.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
