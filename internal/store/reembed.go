package store

import (
	"context"
	"fmt"
	"time"

	"engram/internal/embedding"
	"engram/internal/logging"
	"engram/internal/types"
)

// ReembedResult summarizes a re-embedding migration for one user corpus.
type ReembedResult struct {
	Examined   int
	Reembedded int
	Skipped    []string
	Duration   time.Duration
}

// ReembedProgressFn is an optional progress callback.
type ReembedProgressFn func(msg string)

// ReembedAll rebuilds every vector in the user's corpus with the given
// engine. Embedding dimension must stay constant for the lifetime of a
// corpus, so a model change re-embeds everything into a shadow set first and
// flips only when the whole corpus succeeded; a partial failure leaves the
// stored vectors untouched.
func (t *Tiered) ReembedAll(ctx context.Context, userID string, engine embedding.Engine, progress ReembedProgressFn) (ReembedResult, error) {
	start := time.Now()
	var result ReembedResult

	if engine == nil {
		return result, fmt.Errorf("no embedding engine configured")
	}

	logging.Store("Starting re-embed for user=%s with engine=%s dims=%d",
		userID, engine.Name(), engine.Dimensions())

	// Phase 1: collect the corpus and build the shadow vectors.
	var records []*types.Record
	err := t.ForEachUser(userID, func(rec *types.Record) bool {
		records = append(records, rec)
		return true
	})
	if err != nil {
		return result, fmt.Errorf("corpus scan failed: %w", err)
	}
	result.Examined = len(records)

	shadow := make(map[string][]float32, len(records))
	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		text := rec.Highlight + " " + rec.Note
		if text == " " {
			result.Skipped = append(result.Skipped, fmt.Sprintf("%s: no content", rec.ID))
			continue
		}
		if progress != nil && i%100 == 0 {
			progress(fmt.Sprintf("Embedding %d/%d", i+1, len(records)))
		}
		vec, err := engine.Embed(ctx, text)
		if err != nil {
			// One failed vector aborts the flip; the old space stays live.
			return result, fmt.Errorf("embed failed for %s, corpus left unchanged: %w", rec.ID, err)
		}
		shadow[rec.ID] = vec
	}

	// Phase 2: flip. Every write replaces the whole document, so each record
	// swaps spaces in one step; the pass is restartable because re-putting an
	// already-flipped record is idempotent.
	for i, rec := range records {
		vec, ok := shadow[rec.ID]
		if !ok {
			continue
		}
		if progress != nil && i%100 == 0 {
			progress(fmt.Sprintf("Writing %d/%d", i+1, len(records)))
		}
		rec.Embedding = vec
		rec.Processing.Reembedded = true
		rec.UpdatedAt = time.Now()
		if err := t.Put(rec); err != nil {
			result.Skipped = append(result.Skipped, fmt.Sprintf("%s: %v", rec.ID, err))
			logging.StoreWarn("re-embed write failed for %s: %v", rec.ID, err)
			continue
		}
		result.Reembedded++
	}

	result.Duration = time.Since(start)
	logging.Store("Re-embed complete for user=%s: examined=%d reembedded=%d skipped=%d duration=%s",
		userID, result.Examined, result.Reembedded, len(result.Skipped), result.Duration)
	return result, nil
}
