package index

import (
	"fmt"
	"sort"
	"strings"

	"engram/internal/logging"
	"engram/internal/types"
)

// Highlights carry double the weight of notes in the full-text score: the
// user chose that text deliberately, a note is commentary around it.
const highlightWeight = 2.0

const maxQueryTokens = 8

// fulltextSearch scores indexed records by token overlap with the query.
// Each query token found in the highlight contributes highlightWeight, in
// the note 1.0; the sum is normalized so a record matching every token in
// its highlight scores 1.0.
func (ix *Index) fulltextSearch(userID, query string, topK int) ([]candidate, error) {
	if !ix.fulltextEnabled.Load() {
		return nil, fmt.Errorf("fulltext strategy disabled: %w", types.ErrIndexUnavailable)
	}
	tokens := tokenize(query)
	if len(tokens) == 0 {
		return nil, nil
	}
	if len(tokens) > maxQueryTokens {
		tokens = tokens[:maxQueryTokens]
	}
	if topK <= 0 {
		topK = 10
	}

	// LIKE prefilter narrows the scan to rows containing at least one token;
	// exact token scoring happens in Go.
	var conditions []string
	args := []interface{}{userID}
	for _, tok := range tokens {
		conditions = append(conditions, "(LOWER(highlight) LIKE ? OR LOWER(note) LIKE ?)")
		pat := "%" + tok + "%"
		args = append(args, pat, pat)
	}

	sqlQuery := fmt.Sprintf(`
		SELECT id, highlight, note
		FROM index_entries
		WHERE user_id = ? AND (%s)
	`, strings.Join(conditions, " OR "))

	rows, err := ix.db.Query(sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("fulltext query failed: %v: %w", err, types.ErrIndexUnavailable)
	}
	defer rows.Close()

	var cands []candidate
	for rows.Next() {
		var id, highlight, note string
		if err := rows.Scan(&id, &highlight, &note); err != nil {
			logging.IndexWarn("failed to scan fulltext row: %v", err)
			continue
		}
		score := tokenScore(tokens, highlight, note)
		if score > 0 {
			cands = append(cands, candidate{id: id, score: score})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fulltext scan failed: %v: %w", err, types.ErrIndexUnavailable)
	}

	sort.Slice(cands, func(i, j int) bool { return cands[i].score > cands[j].score })
	if len(cands) > topK {
		cands = cands[:topK]
	}
	return cands, nil
}

func tokenScore(tokens []string, highlight, note string) float64 {
	hlTokens := tokenSet(highlight)
	noteTokens := tokenSet(note)

	var sum float64
	for _, tok := range tokens {
		if hlTokens[tok] {
			sum += highlightWeight
		}
		if noteTokens[tok] {
			sum += 1.0
		}
	}
	// Full highlight coverage normalizes to 1.0 even when the note misses.
	max := highlightWeight * float64(len(tokens))
	if max == 0 {
		return 0
	}
	score := sum / max
	if score > 1.0 {
		score = 1.0
	}
	return score
}

func tokenSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range tokenize(text) {
		set[tok] = true
	}
	return set
}
