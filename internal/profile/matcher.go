package profile

import (
	"strings"

	"engram/internal/embedding"
	"engram/internal/types"
)

// Match action thresholds over similarity: closest first.
const (
	strengthenThreshold = 0.9
	updateThreshold     = 0.8
	mergeThreshold      = 0.7
)

// matchResult names what the synthesizer should do with an intent.
type matchResult struct {
	component  *types.Component // nil on create
	similarity float64
	action     types.UpdateKind
}

// match finds the best same-kind component for an intent and maps its
// similarity to an action. Components below mergeThreshold never match;
// archived components may match and are revived by the apply step.
func match(intent *types.Intent, comps []*types.Component) matchResult {
	var best *types.Component
	bestSim := 0.0

	for _, comp := range comps {
		if comp.Kind != intent.Kind {
			continue
		}
		sim, ok := similarity(intent, comp)
		if !ok {
			continue
		}
		if sim > bestSim {
			bestSim = sim
			best = comp
		}
	}

	if best == nil || bestSim <= mergeThreshold {
		return matchResult{action: types.UpdateCreate}
	}
	switch {
	case bestSim > strengthenThreshold:
		return matchResult{component: best, similarity: bestSim, action: types.UpdateStrengthen}
	case bestSim > updateThreshold:
		return matchResult{component: best, similarity: bestSim, action: types.UpdateBlend}
	default:
		return matchResult{component: best, similarity: bestSim, action: types.UpdateMerge}
	}
}

// similarity compares an intent to a component: cosine over embeddings when
// both sides carry one, otherwise token overlap between descriptions. The
// boolean is false when neither comparison is possible.
func similarity(intent *types.Intent, comp *types.Component) (float64, bool) {
	if len(intent.Embedding) > 0 && len(comp.Embedding) > 0 {
		sim, err := embedding.CosineSimilarity(intent.Embedding, comp.Embedding)
		if err == nil {
			return sim, true
		}
	}
	if intent.Description != "" && comp.Description != "" {
		return descriptionSimilarity(intent.Description, comp.Description), true
	}
	return 0, false
}

// descriptionSimilarity is Jaccard overlap between lowercase word sets.
// Identical descriptions score 1.0, which keeps the repeated-intent
// strengthen path working even without embeddings.
func descriptionSimilarity(a, b string) float64 {
	setA := wordSet(a)
	setB := wordSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	inter := 0
	for w := range setA {
		if setB[w] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

func wordSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		set[strings.Trim(w, ".,;:!?\"'()")] = true
	}
	delete(set, "")
	return set
}
