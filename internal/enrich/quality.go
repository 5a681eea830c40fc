package enrich

import (
	"math"
	"strings"

	"engram/internal/types"
)

// Quality factor weights. They sum to 1 so the composite is already in [0,1]
// when every factor is; the final clamp is belt only.
const (
	weightContentDepth     = 0.25
	weightInformationValue = 0.25
	weightEngagement       = 0.20
	weightComplexity       = 0.15
	weightNovelty          = 0.15
)

var infoIndicators = []string{
	"how to", "why", "because", "explain", "steps", "process",
	"important", "key", "main", "significant", "crucial",
}

var structureMarkers = []string{"1.", "2.", "-", "*", ":"}

// scoreQuality combines the five content factors into the record's quality
// score. Every factor is a pure function of the record; novelty consults the
// policy, which may degrade to a source prior when no history is available.
func scoreQuality(rec *types.Record, userCtx *UserContext, novelty NoveltyPolicy) float64 {
	q := assessContentDepth(rec)*weightContentDepth +
		assessInformationValue(rec)*weightInformationValue +
		assessEngagement(rec)*weightEngagement +
		assessComplexity(rec)*weightComplexity +
		novelty.Score(rec, userCtx)*weightNovelty
	return math.Min(1.0, math.Max(0.0, q))
}

// assessContentDepth scores length of highlight and note plus tag richness.
func assessContentDepth(rec *types.Record) float64 {
	score := 0.0

	switch hl := len(splitWords(rec.Highlight)); {
	case hl > 10:
		score += 0.3
	case hl > 5:
		score += 0.2
	default:
		score += 0.1
	}

	switch nw := len(splitWords(rec.Note)); {
	case nw > 50:
		score += 0.4
	case nw > 20:
		score += 0.3
	case nw > 10:
		score += 0.2
	default:
		score += 0.1
	}

	switch tc := len(rec.Tags); {
	case tc > 3:
		score += 0.3
	case tc > 1:
		score += 0.2
	default:
		score += 0.1
	}

	return math.Min(score, 1.0)
}

// assessInformationValue counts explanatory phrases: each is worth 0.2.
func assessInformationValue(rec *types.Record) float64 {
	lowered := strings.ToLower(rec.Highlight + " " + rec.Note)
	return math.Min(float64(containsAny(lowered, infoIndicators))*0.2, 1.0)
}

// assessEngagement scores how much effort the user visibly put in: note
// length, tagging, and structured formatting.
func assessEngagement(rec *types.Record) float64 {
	score := 0.0

	switch nw := len(splitWords(rec.Note)); {
	case nw > 100:
		score += 0.5
	case nw > 50:
		score += 0.3
	case nw > 20:
		score += 0.2
	default:
		score += 0.1
	}

	switch tc := len(rec.Tags); {
	case tc > 5:
		score += 0.3
	case tc > 2:
		score += 0.2
	default:
		score += 0.1
	}

	for _, marker := range structureMarkers {
		if strings.Contains(rec.Note, marker) {
			score += 0.2
			break
		}
	}

	return math.Min(score, 1.0)
}

// assessComplexity grades mean sentence length across highlight and note.
func assessComplexity(rec *types.Record) float64 {
	switch avg := avgSentenceWords(rec.Highlight + " " + rec.Note); {
	case avg > 20:
		return 0.8
	case avg > 15:
		return 0.6
	case avg > 10:
		return 0.4
	default:
		return 0.2
	}
}
