package embedding

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashEngineDeterministic(t *testing.T) {
	engine, _ := NewHashEngine(256)
	ctx := context.Background()

	a, err := engine.Embed(ctx, "the quick brown fox jumps over the lazy dog")
	require.NoError(t, err)
	b, err := engine.Embed(ctx, "the quick brown fox jumps over the lazy dog")
	require.NoError(t, err)

	assert.Equal(t, a, b, "same text must produce identical embeddings")
	assert.Len(t, a, 256)
}

func TestHashEngineUnitLength(t *testing.T) {
	engine, _ := NewHashEngine(128)
	ctx := context.Background()

	vec, err := engine.Embed(ctx, "distributed systems and consensus protocols")
	require.NoError(t, err)

	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sum), 0.001, "embedding should be L2-normalized")
}

func TestHashEngineSimilarTextsCloser(t *testing.T) {
	engine, _ := NewHashEngine(256)
	ctx := context.Background()

	a, err := engine.Embed(ctx, "machine learning model training with gradient descent")
	require.NoError(t, err)
	b, err := engine.Embed(ctx, "training machine learning models using gradient descent")
	require.NoError(t, err)
	c, err := engine.Embed(ctx, "sourdough bread recipe with whole wheat flour")
	require.NoError(t, err)

	simAB, err := CosineSimilarity(a, b)
	require.NoError(t, err)
	simAC, err := CosineSimilarity(a, c)
	require.NoError(t, err)

	assert.Greater(t, simAB, simAC, "overlapping vocabulary should score higher than disjoint")
}

func TestHashEngineBatch(t *testing.T) {
	engine, _ := NewHashEngine(64)
	ctx := context.Background()

	texts := []string{"alpha", "beta", "gamma"}
	embeddings, err := engine.EmbedBatch(ctx, texts)
	require.NoError(t, err)
	require.Len(t, embeddings, 3)

	single, err := engine.Embed(ctx, "beta")
	require.NoError(t, err)
	assert.Equal(t, single, embeddings[1])
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float32
		expected float64
		wantErr  bool
	}{
		{
			name:     "identical vectors",
			a:        []float32{1, 0, 0},
			b:        []float32{1, 0, 0},
			expected: 1.0,
		},
		{
			name:     "orthogonal vectors",
			a:        []float32{1, 0, 0},
			b:        []float32{0, 1, 0},
			expected: 0.0,
		},
		{
			name:     "opposite vectors",
			a:        []float32{1, 0, 0},
			b:        []float32{-1, 0, 0},
			expected: -1.0,
		},
		{
			name:     "scaled vectors still parallel",
			a:        []float32{1, 2, 3},
			b:        []float32{2, 4, 6},
			expected: 1.0,
		},
		{
			name:    "dimension mismatch",
			a:       []float32{1, 0},
			b:       []float32{1, 0, 0},
			wantErr: true,
		},
		{
			name:    "zero vector",
			a:       []float32{0, 0, 0},
			b:       []float32{1, 0, 0},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim, err := CosineSimilarity(tt.a, tt.b)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.expected, sim, 0.0001)
		})
	}
}

func TestNormalize(t *testing.T) {
	vec := Normalize([]float32{3, 4})
	assert.InDelta(t, 0.6, float64(vec[0]), 0.0001)
	assert.InDelta(t, 0.8, float64(vec[1]), 0.0001)

	zero := Normalize([]float32{0, 0})
	assert.Equal(t, []float32{0, 0}, zero, "zero vector stays zero")
}

func TestBlend(t *testing.T) {
	a := Normalize([]float32{1, 0})
	b := Normalize([]float32{0, 1})

	blended, err := Blend(a, b, 0.5)
	require.NoError(t, err)

	var sum float64
	for _, v := range blended {
		sum += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sum), 0.001, "blend result should be renormalized")
	assert.InDelta(t, float64(blended[0]), float64(blended[1]), 0.0001, "equal weights blend symmetrically")

	// Weight 0 keeps the original direction.
	same, err := Blend(a, b, 0)
	require.NoError(t, err)
	sim, err := CosineSimilarity(a, same)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, sim, 0.0001)

	_, err = Blend([]float32{1}, []float32{1, 2}, 0.5)
	assert.Error(t, err, "dimension mismatch should fail")
}

func TestFindTopK(t *testing.T) {
	query := []float32{1, 0, 0}
	candidates := [][]float32{
		{0, 1, 0},          // orthogonal
		{1, 0, 0},          // identical
		{0.7071, 0.7071, 0},
		{-1, 0, 0},         // opposite
	}

	results, _ := FindTopK(query, candidates, 2)
	require.Len(t, results, 2)
	assert.Equal(t, 1, results[0].Index, "identical vector ranks first")
	assert.Equal(t, 2, results[1].Index)
	assert.Greater(t, results[0].Similarity, results[1].Similarity)
}

func TestFindTopKSkipsMismatchedDims(t *testing.T) {
	query := []float32{1, 0}
	candidates := [][]float32{
		{1, 0, 0}, // wrong dimensionality
		{1, 0},
	}

	results, _ := FindTopK(query, candidates, 5)
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].Index)
}

func TestNewEngineFactory(t *testing.T) {
	engine, err := NewEngine(Config{Provider: "hash", Dimensions: 128})
	require.NoError(t, err)
	assert.Equal(t, 128, engine.Dimensions())

	engine, err = NewEngine(Config{})
	require.NoError(t, err)
	assert.Contains(t, engine.Name(), "hash")

	_, err = NewEngine(Config{Provider: "genai"})
	assert.Error(t, err, "genai without API key should fail")

	_, err = NewEngine(Config{Provider: "quantum"})
	assert.Error(t, err, "unknown provider should fail")
}
