// Package attention scores how strongly a record should pull on the user's
// profile. The score combines five sub-signals computed against the user's
// recent history window. Scoring is pure: the caller supplies the window
// slice, so results are reproducible and the scorer needs no store access.
package attention

import (
	"math"
	"strings"
	"time"

	"engram/internal/types"
)

// WindowDays is the default history horizon consulted by the scorer.
const WindowDays = 30

// Sub-signal weights and the similarity threshold for highlight matching.
const (
	weightHighlightFrequency = 0.30
	weightNoteDensity        = 0.25
	weightAddressRevisit     = 0.30
	weightTimeInvestment     = 0.15

	highlightSimilarityMin = 0.7

	// Each topic-related prior record stands in for five minutes of
	// engagement, capped at one hour.
	secondsPerRelated = 300
	maxInvestmentSecs = 3600

	// Interaction depth factor thresholds.
	detailedNoteChars  = 200
	richTaggingCount   = 3
	extensiveRelated   = 5
	sustainedSpanDays  = 7
	relatedTagsOverlap = 2
)

// Scorer computes attention weights. Zero value is ready to use.
type Scorer struct{}

// Score computes the attention weight and its sub-metrics for a record given
// the user's history window (records from the last 30 days, any order). The
// record itself must not be part of the window.
func (Scorer) Score(rec *types.Record, window []*types.Record) (float64, types.AttentionMetrics) {
	related := countRelated(rec, window)

	metrics := types.AttentionMetrics{
		HighlightFrequency: countSimilarHighlights(rec, window),
		NoteDensity:        countNotesAtAddress(rec, window),
		AddressRevisit:     countVisits(rec, window),
		TimeInvestment:     math.Min(float64(related)*secondsPerRelated, maxInvestmentSecs),
	}
	metrics.InteractionDepth = gradeDepth(rec, window, related)

	weight := normalizeFrequency(metrics.HighlightFrequency)*weightHighlightFrequency +
		normalizeDensity(metrics.NoteDensity)*weightNoteDensity +
		normalizeRevisit(metrics.AddressRevisit)*weightAddressRevisit +
		normalizeInvestment(metrics.TimeInvestment)*weightTimeInvestment

	final := math.Min(weight*depthMultiplier(metrics.InteractionDepth), 1.0)
	return final, metrics
}

// countSimilarHighlights counts prior records whose highlight overlaps this
// one at or above the Jaccard threshold.
func countSimilarHighlights(rec *types.Record, window []*types.Record) int {
	current := wordSet(strings.ToLower(rec.Highlight))
	n := 0
	for _, prior := range window {
		if jaccard(current, wordSet(strings.ToLower(prior.Highlight))) >= highlightSimilarityMin {
			n++
		}
	}
	return n
}

// countNotesAtAddress counts prior records at the same address that carry a
// non-empty note.
func countNotesAtAddress(rec *types.Record, window []*types.Record) int {
	n := 0
	for _, prior := range window {
		if prior.Address == rec.Address && strings.TrimSpace(prior.Note) != "" {
			n++
		}
	}
	return n
}

// countVisits counts prior records at the same address.
func countVisits(rec *types.Record, window []*types.Record) int {
	n := 0
	for _, prior := range window {
		if prior.Address == rec.Address {
			n++
		}
	}
	return n
}

// countRelated counts prior records sharing at least two tags with this one,
// over the union of user tags and enhanced tags.
func countRelated(rec *types.Record, window []*types.Record) int {
	mine := tagSet(rec)
	if len(mine) == 0 {
		return 0
	}
	n := 0
	for _, prior := range window {
		overlap := 0
		for _, t := range prior.AllTags() {
			if mine[t] {
				overlap++
				if overlap >= relatedTagsOverlap {
					n++
					break
				}
			}
		}
	}
	return n
}

// gradeDepth evaluates the four engagement factors and buckets them.
func gradeDepth(rec *types.Record, window []*types.Record, related int) types.InteractionDepth {
	factors := 0
	if len(rec.Note) > detailedNoteChars {
		factors++ // detailed_note
	}
	if len(rec.Tags) > richTaggingCount {
		factors++ // rich_tagging
	}
	if related > extensiveRelated {
		factors++ // extensive_exploration
	}
	if topicSpanDays(rec, window) > sustainedSpanDays {
		factors++ // sustained_interest
	}

	switch {
	case factors >= 3:
		return types.DepthHigh
	case factors == 2:
		return types.DepthMedium
	default:
		return types.DepthLow
	}
}

// topicSpanDays measures how many days the user has been on this topic: the
// gap between the record and the earliest related prior record.
func topicSpanDays(rec *types.Record, window []*types.Record) float64 {
	mine := tagSet(rec)
	if len(mine) == 0 {
		return 0
	}

	var earliest time.Time
	for _, prior := range window {
		overlap := 0
		for _, t := range prior.AllTags() {
			if mine[t] {
				overlap++
			}
		}
		if overlap < relatedTagsOverlap {
			continue
		}
		if earliest.IsZero() || prior.Timestamp.Before(earliest) {
			earliest = prior.Timestamp
		}
	}
	if earliest.IsZero() {
		return 0
	}
	return rec.Timestamp.Sub(earliest).Hours() / 24
}

// depthMultiplier scales the combined weight by engagement depth.
func depthMultiplier(d types.InteractionDepth) float64 {
	switch d {
	case types.DepthHigh:
		return 1.2
	case types.DepthMedium:
		return 1.0
	default:
		return 0.8
	}
}

// =============================================================================
// STEP-TABLE NORMALIZERS
// =============================================================================

func normalizeFrequency(n int) float64 {
	switch {
	case n <= 1:
		return 0.1
	case n <= 3:
		return 0.4
	case n <= 5:
		return 0.7
	default:
		return 1.0
	}
}

func normalizeDensity(n int) float64 {
	switch {
	case n <= 1:
		return 0.2
	case n <= 3:
		return 0.6
	case n <= 5:
		return 0.8
	default:
		return 1.0
	}
}

func normalizeRevisit(n int) float64 {
	switch {
	case n <= 1:
		return 0.1
	case n <= 3:
		return 0.5
	case n <= 6:
		return 0.8
	default:
		return 1.0
	}
}

func normalizeInvestment(seconds float64) float64 {
	switch {
	case seconds < 30:
		return 0.1
	case seconds < 120:
		return 0.4
	case seconds < 300:
		return 0.7
	default:
		return 1.0
	}
}

// =============================================================================
// TEXT HELPERS
// =============================================================================

func wordSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(text) {
		set[w] = true
	}
	return set
}

func tagSet(rec *types.Record) map[string]bool {
	set := make(map[string]bool)
	for _, t := range rec.AllTags() {
		set[t] = true
	}
	return set
}

// jaccard computes |a∩b| / |a∪b| over word sets. Empty sets score zero.
func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if b[w] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// WindowFilter narrows a record slice to those within the window ending at
// now. Soft-deleted records are excluded; they no longer influence scoring.
func WindowFilter(records []*types.Record, now time.Time, days int) []*types.Record {
	if days <= 0 {
		days = WindowDays
	}
	cutoff := now.AddDate(0, 0, -days)
	out := make([]*types.Record, 0, len(records))
	for _, r := range records {
		if r.Deleted {
			continue
		}
		if r.Timestamp.After(cutoff) {
			out = append(out, r)
		}
	}
	return out
}
