package enrich

import "strings"

// Salience scoring for recommended highlights. A sentence earns +2 for
// landing in the target length band and +1 per salience keyword.
const (
	highlightBandMin   = 12
	highlightBandMax   = 40
	highlightBandBonus = 2
	maxRecommended     = 3

	// Notes shorter than this are returned whole as the single span.
	minNoteForScoring = 100
)

var salienceWords = []string{"important", "key", "main", "crucial", "significant"}

// recommendHighlights picks up to three salient sentence spans from the note.
// Short notes come back as a single span; everything else is scored and only
// sentences with a positive score qualify.
func recommendHighlights(note string) []string {
	trimmed := strings.TrimSpace(note)
	if trimmed == "" {
		return nil
	}
	if len(trimmed) < minNoteForScoring {
		return []string{trimmed}
	}

	sentences := splitSentences(trimmed)
	scored := make([]scoredText, 0, len(sentences))
	for _, s := range sentences {
		scored = append(scored, scoredText{text: s, score: scoreSentence(s)})
	}
	sortByScoreDesc(scored)

	out := make([]string, 0, maxRecommended)
	for _, st := range scored {
		if st.score <= 0 {
			break
		}
		out = append(out, st.text)
		if len(out) == maxRecommended {
			break
		}
	}
	return out
}

func scoreSentence(s string) int {
	score := 0
	if n := len(splitWords(s)); n >= highlightBandMin && n <= highlightBandMax {
		score += highlightBandBonus
	}
	score += containsAny(strings.ToLower(s), salienceWords)
	return score
}
