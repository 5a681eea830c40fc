package enrich

import (
	"strings"

	"engram/internal/types"
)

// maxSemanticTags bounds stage output.
const maxSemanticTags = 8

// semanticTags derives up to eight lowercase tags from the record's text.
// Selection is first-occurrence order over words longer than three
// characters, so identical input text always yields identical tags.
func semanticTags(highlight, note string) []string {
	combined := highlight + " " + note
	candidates := make([]string, 0, 32)
	for _, w := range splitWords(combined) {
		w = trimPunct(w)
		if len(w) > 3 {
			candidates = append(candidates, w)
		}
	}
	return uniqueInOrder(candidates, maxSemanticTags)
}

// analyzeSemantics produces the topic/sentiment/complexity/concept summary.
func analyzeSemantics(highlight, note string) *types.SemanticSummary {
	combined := highlight + " " + note

	longWords := make([]string, 0, 16)
	for _, w := range splitWords(combined) {
		if clean := trimPunct(w); len(clean) > 4 {
			longWords = append(longWords, clean)
		}
	}

	return &types.SemanticSummary{
		Topics:     uniqueInOrder(longWords, 3),
		Sentiment:  detectSentiment(combined),
		Complexity: gradeComplexity(combined),
		Concepts:   uniqueInOrder(longWords, 5),
	}
}

var (
	positiveWords = []string{"good", "great", "excellent", "amazing", "wonderful"}
	negativeWords = []string{"bad", "terrible", "awful", "horrible", "disappointing"}
)

// detectSentiment does coarse polarity counting. Ties are neutral.
func detectSentiment(text string) types.Sentiment {
	lowered := strings.ToLower(text)
	pos := containsAny(lowered, positiveWords)
	neg := containsAny(lowered, negativeWords)
	switch {
	case pos > neg:
		return types.SentimentPositive
	case neg > pos:
		return types.SentimentNegative
	default:
		return types.SentimentNeutral
	}
}

// gradeComplexity buckets by mean sentence length.
func gradeComplexity(text string) types.Complexity {
	avg := avgSentenceWords(text)
	switch {
	case avg > 20:
		return types.ComplexityHigh
	case avg > 10:
		return types.ComplexityMedium
	default:
		return types.ComplexityLow
	}
}
