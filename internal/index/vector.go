package index

import (
	"database/sql"
	"fmt"
	"sort"

	"engram/internal/embedding"
	"engram/internal/logging"
	"engram/internal/types"
)

// candidate is a record id surfaced by one search strategy, with the
// strategy's own score in [0,1]. Fusion ranking happens later, over the
// full records.
type candidate struct {
	id    string
	score float64
}

// semanticSearch returns the topK nearest indexed records to queryVec for a
// user. It prefers the sqlite-vec ANN path and falls back to a full scan
// with cosine similarity computed in Go.
func (ix *Index) semanticSearch(userID string, queryVec []float32, topK int) ([]candidate, error) {
	if !ix.vectorEnabled.Load() {
		return nil, fmt.Errorf("vector strategy disabled: %w", types.ErrIndexUnavailable)
	}
	if len(queryVec) == 0 {
		return nil, &types.ValidationError{Field: "query_vector", Reason: "empty query vector"}
	}
	if topK <= 0 {
		topK = 10
	}

	if ix.vectorExt && len(queryVec) == ix.dims {
		cands, err := ix.searchVec(userID, queryVec, topK)
		if err == nil {
			return cands, nil
		}
		logging.IndexDebug("vec0 search failed, falling back to full scan: %v", err)
	}
	return ix.searchCosineScan(userID, queryVec, topK)
}

// searchVec runs the ANN query against the vec0 virtual table.
func (ix *Index) searchVec(userID string, queryVec []float32, topK int) ([]candidate, error) {
	rows, err := ix.db.Query(`
		SELECT record_id, vec_distance_cosine(embedding, ?) AS distance
		FROM vec_entries
		WHERE user_id = ?
		ORDER BY distance ASC
		LIMIT ?
	`, encodeFloat32Blob(queryVec), userID, topK)
	if err != nil {
		return nil, fmt.Errorf("vec search failed: %w", err)
	}
	defer rows.Close()

	var cands []candidate
	for rows.Next() {
		var id string
		var distance float64
		if err := rows.Scan(&id, &distance); err != nil {
			logging.IndexWarn("failed to scan vec row: %v", err)
			continue
		}
		cands = append(cands, candidate{id: id, score: 1.0 - distance})
	}
	return cands, rows.Err()
}

// searchCosineScan is the brute-force path: fetch every embedding the user
// has and rank by cosine similarity in Go.
func (ix *Index) searchCosineScan(userID string, queryVec []float32, topK int) ([]candidate, error) {
	rows, err := ix.db.Query(`
		SELECT id, embedding
		FROM index_entries
		WHERE user_id = ? AND embedding IS NOT NULL
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to scan embeddings: %v: %w", err, types.ErrIndexUnavailable)
	}
	defer rows.Close()

	var cands []candidate
	for rows.Next() {
		var id string
		var raw sql.NullString
		if err := rows.Scan(&id, &raw); err != nil {
			logging.IndexWarn("failed to scan embedding row: %v", err)
			continue
		}
		emb := decodeEmbeddingJSON(raw)
		if len(emb) == 0 {
			continue
		}
		sim, err := embedding.CosineSimilarity(queryVec, emb)
		if err != nil {
			continue
		}
		cands = append(cands, candidate{id: id, score: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("embedding scan failed: %v: %w", err, types.ErrIndexUnavailable)
	}

	sort.Slice(cands, func(i, j int) bool { return cands[i].score > cands[j].score })
	if len(cands) > topK {
		cands = cands[:topK]
	}
	return cands, nil
}
