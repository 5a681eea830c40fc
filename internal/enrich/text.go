package enrich

import (
	"strings"
	"unicode"
)

// splitWords breaks text on whitespace. Punctuation stays attached; callers
// that need clean tokens go through tokenize.
func splitWords(text string) []string {
	return strings.Fields(text)
}

// trimPunct strips leading and trailing punctuation from a word and
// lowercases it.
func trimPunct(w string) string {
	return strings.ToLower(strings.TrimFunc(w, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSymbol(r)
	}))
}

// splitSentences breaks text into sentences on terminal punctuation. Blank
// fragments are dropped. Good enough for highlight scoring; this is not a
// linguistic segmenter.
func splitSentences(text string) []string {
	var out []string
	var b strings.Builder
	for _, r := range text {
		b.WriteRune(r)
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			if s := strings.TrimSpace(strings.Trim(b.String(), ".!?\n")); s != "" {
				out = append(out, s)
			}
			b.Reset()
		}
	}
	if s := strings.TrimSpace(strings.Trim(b.String(), ".!?\n")); s != "" {
		out = append(out, s)
	}
	return out
}

// avgSentenceWords returns the mean token count per sentence.
func avgSentenceWords(text string) float64 {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return 0
	}
	total := 0
	for _, s := range sentences {
		total += len(splitWords(s))
	}
	return float64(total) / float64(len(sentences))
}

// containsAny reports whether lowered contains any of the needles. The caller
// lowercases once; needles are already lowercase.
func containsAny(lowered string, needles []string) int {
	n := 0
	for _, needle := range needles {
		if strings.Contains(lowered, needle) {
			n++
		}
	}
	return n
}
