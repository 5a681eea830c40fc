package write

import (
	"context"
	"errors"
	"time"

	"engram/internal/enrich"
	"engram/internal/logging"
	"engram/internal/types"
)

// derivKit carries the per-operation context for re-derivation: the user's
// trailing attention window and the enrichment user context, loaded once so
// bulk operations do not re-query per record.
type derivKit struct {
	window  []*types.Record
	userCtx *enrich.UserContext
	now     time.Time
}

func (e *Executor) loadKit(userID string, res *Result) *derivKit {
	kit := &derivKit{now: time.Now().UTC()}

	window, err := e.records.UserWindow(userID, kit.now, e.opts.AttentionWindowDays)
	if err != nil {
		res.warn("attention window unavailable: %v", err)
		logging.WriteWarn("Attention window for %s unavailable: %v", userID, err)
	} else {
		kit.window = window
	}

	tags, err := e.records.RecentTags(userID, e.opts.AttentionWindowDays)
	if err == nil && len(tags) > 0 {
		kit.userCtx = &enrich.UserContext{RecentTags: tags}
	}
	return kit
}

// exclude returns the window without the given record; a record never scores
// against itself.
func (k *derivKit) exclude(id string) []*types.Record {
	out := k.window
	for i, rec := range k.window {
		if rec.ID == id {
			out = make([]*types.Record, 0, len(k.window)-1)
			out = append(out, k.window[:i]...)
			return append(out, k.window[i+1:]...)
		}
	}
	return out
}

// rederive refreshes everything a content mutation invalidates: enrichment
// when content changed, the attention score and its metrics, influence, tier
// placement via Put, and the search index entry. It returns the intents
// harvested from the new content so the caller can fold them into the
// profile once per operation.
func (e *Executor) rederive(ctx context.Context, rec *types.Record, kit *derivKit, reenrich bool, res *Result) ([]types.Intent, error) {
	if reenrich && e.enricher != nil {
		if _, err := e.enricher.Enrich(ctx, rec, kit.userCtx); err != nil {
			if !errors.Is(err, types.ErrEnrichmentDegraded) {
				return nil, err
			}
			res.warn("enrichment degraded for %s: %v", rec.ID, err)
		}
	}

	att, am := e.scorer.Score(rec, kit.exclude(rec.ID))
	rec.Attention = att
	rec.AttentionMetrics = &am
	rec.Influence = types.ComputeInfluence(rec.Quality, rec.Attention)
	rec.UpdatedAt = kit.now

	if err := e.records.Put(rec); err != nil {
		return nil, err
	}
	e.reindex(rec, res)
	return e.extract.Extract(rec), nil
}

// applyProfile folds harvested intents into the user's profile. The profile
// is derived state and can be resynthesized, so failures downgrade to
// warnings instead of failing the write.
func (e *Executor) applyProfile(userID string, intents []types.Intent, res *Result) {
	if e.profiles == nil || len(intents) == 0 {
		return
	}
	ptrs := make([]*types.Intent, len(intents))
	for i := range intents {
		ptrs[i] = &intents[i]
	}
	if _, err := e.profiles.Update(userID, ptrs); err != nil {
		res.warn("profile update failed: %v", err)
		logging.WriteWarn("Profile update for %s failed: %v", userID, err)
	}
}
