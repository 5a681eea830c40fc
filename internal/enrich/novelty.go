package enrich

import (
	"strings"

	"engram/internal/types"
)

// NoveltyPolicy scores how much new ground a record covers relative to what
// the user already has. Kept behind an interface because the comparator is a
// policy choice; the built-in implementation falls back to a per-source prior
// when no history is available.
type NoveltyPolicy interface {
	Score(rec *types.Record, userCtx *UserContext) float64
}

// HistoryNovelty compares the record's tags against the user's recent tag
// vocabulary: the fewer tags already seen, the more novel the record. With
// no history it degrades to sourcePrior.
type HistoryNovelty struct{}

// Score implements NoveltyPolicy.
func (HistoryNovelty) Score(rec *types.Record, userCtx *UserContext) float64 {
	if userCtx == nil || len(userCtx.RecentTags) == 0 {
		return sourcePrior(rec.Source)
	}

	tags := rec.AllTags()
	if len(tags) == 0 {
		return sourcePrior(rec.Source)
	}

	recent := make(map[string]bool, len(userCtx.RecentTags))
	for _, t := range userCtx.RecentTags {
		recent[t] = true
	}

	seen := 0
	for _, t := range tags {
		if recent[t] {
			seen++
		}
	}
	return 1.0 - float64(seen)/float64(len(tags))
}

// SourcePriorNovelty ignores history entirely and always answers with the
// per-source prior. Useful when the caller has no access to the corpus.
type SourcePriorNovelty struct{}

// Score implements NoveltyPolicy.
func (SourcePriorNovelty) Score(rec *types.Record, _ *UserContext) float64 {
	return sourcePrior(rec.Source)
}

// sourcePrior estimates novelty from the source alone: chatbot output is
// moderately novel, browser captures less so, everything else more.
func sourcePrior(source string) float64 {
	switch {
	case strings.HasSuffix(source, "_chatbot"):
		return 0.6
	case strings.Contains(source, "browser"):
		return 0.5
	default:
		return 0.7
	}
}
