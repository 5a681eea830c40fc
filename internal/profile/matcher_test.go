package profile

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"engram/internal/types"
)

// unitVec builds a 2-d unit vector whose cosine against {1,0} is cos.
func unitVec(cos float64) []float32 {
	return []float32{float32(cos), float32(math.Sqrt(1 - cos*cos))}
}

func TestMatchActionBands(t *testing.T) {
	comps := []*types.Component{{
		ID:          "comp-1",
		Kind:        types.KindCoreInterest,
		Description: "machine learning",
		Embedding:   []float32{1, 0},
	}}

	tests := []struct {
		name    string
		vec     []float32
		want    types.UpdateKind
		matched bool
	}{
		{"strengthen above 0.9", unitVec(0.95), types.UpdateStrengthen, true},
		{"update between 0.8 and 0.9", unitVec(0.85), types.UpdateBlend, true},
		{"merge between 0.7 and 0.8", unitVec(0.75), types.UpdateMerge, true},
		{"create at or below 0.7", unitVec(0.5), types.UpdateCreate, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			intent := &types.Intent{Kind: types.KindCoreInterest, Description: "neural nets", Embedding: tt.vec}
			m := match(intent, comps)
			assert.Equal(t, tt.want, m.action)
			if tt.matched {
				assert.Same(t, comps[0], m.component)
			} else {
				assert.Nil(t, m.component)
			}
		})
	}
}

func TestMatchPrefersClosestComponent(t *testing.T) {
	near := &types.Component{ID: "near", Kind: types.KindCoreInterest, Embedding: unitVec(0.95)}
	far := &types.Component{ID: "far", Kind: types.KindCoreInterest, Embedding: unitVec(0.75)}

	intent := &types.Intent{Kind: types.KindCoreInterest, Embedding: []float32{1, 0}}
	m := match(intent, []*types.Component{far, near})
	assert.Same(t, near, m.component)
	assert.Equal(t, types.UpdateStrengthen, m.action)
}

func TestMatchSkipsOtherKinds(t *testing.T) {
	comps := []*types.Component{{
		ID:        "goal",
		Kind:      types.KindCurrentGoal,
		Embedding: []float32{1, 0},
	}}
	intent := &types.Intent{Kind: types.KindCoreInterest, Embedding: []float32{1, 0}}
	m := match(intent, comps)
	assert.Equal(t, types.UpdateCreate, m.action)
}

func TestMatchIndeterminateCreates(t *testing.T) {
	// No embeddings and no descriptions on either side: nothing to compare.
	comps := []*types.Component{{ID: "blank", Kind: types.KindCoreInterest}}
	intent := &types.Intent{Kind: types.KindCoreInterest}
	m := match(intent, comps)
	assert.Equal(t, types.UpdateCreate, m.action)
	assert.Nil(t, m.component)
}

func TestDescriptionSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want float64
	}{
		{"identical", "learn rust basics", "learn rust basics", 1.0},
		{"disjoint", "gardening tips", "kernel bypass networking", 0.0},
		{"half overlap", "learn rust basics", "learn go basics", 0.5},
		{"case and punctuation ignored", "Rust!", "rust", 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, descriptionSimilarity(tt.a, tt.b), 1e-9)
		})
	}
}
