package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"engram/internal/enrich"
	"engram/internal/logging"
	"engram/internal/metrics"
	"engram/internal/types"
	"engram/internal/validate"
)

// BatchRequest is one ingestion batch for a single user.
type BatchRequest struct {
	AppID   string
	UserID  string
	Records []*validate.Submission
}

// ItemError reports one rejected record; the rest of the batch proceeds.
type ItemError struct {
	Index int    `json:"index"`
	ID    string `json:"id,omitempty"`
	Error string `json:"error"`
}

// BatchResult summarizes one ingestion batch.
type BatchResult struct {
	Status         types.Status  `json:"status"`
	ProcessedCount int           `json:"processed_count"`
	Errors         []ItemError   `json:"errors,omitempty"`
	Warnings       []string      `json:"warnings,omitempty"`
	Degraded       bool          `json:"degraded,omitempty"`
	Duration       time.Duration `json:"duration"`
}

// SubmitBatch ingests up to 100 records for one user: validate and probe for
// duplicates per item, enrich the survivors in parallel, then land them in
// arrival order so attention scoring sees each record's predecessors. Profile
// updates derived from the batch complete before the call returns.
func (s *Service) SubmitBatch(ctx context.Context, req *BatchRequest) (*BatchResult, error) {
	start := nowFunc()
	timer := logging.StartTimer(logging.CategoryIngest, "Service.SubmitBatch")
	defer timer.Stop()

	if req == nil || req.UserID == "" {
		return nil, &types.ValidationError{Field: "user_id", Reason: "batch requires a user id"}
	}
	if len(req.Records) == 0 {
		return nil, &types.ValidationError{Field: "records", Reason: "batch is empty"}
	}
	if len(req.Records) > maxBatchRecords {
		return nil, &types.ValidationError{
			Field:  "records",
			Reason: fmt.Sprintf("batch of %d exceeds the %d-record cap", len(req.Records), maxBatchRecords),
		}
	}

	release, err := s.gate.acquire(req.UserID)
	if err != nil {
		return nil, err
	}
	defer release()
	metrics.IngestBatchesTotal.Inc()

	res := &BatchResult{}

	// Phase one: validation, normalization, and duplicate probes. Rejected
	// items drop out; the batch continues.
	type pending struct {
		index int
		rec   *types.Record
	}
	accepted := make([]pending, 0, len(req.Records))
	for i, sub := range req.Records {
		rec, err := s.admit(req.UserID, req.AppID, sub)
		if err != nil {
			if errors.Is(err, errAlreadyStored) {
				res.ProcessedCount++ // same id, same content: already durable
				continue
			}
			res.Errors = append(res.Errors, ItemError{Index: i, ID: subID(sub), Error: err.Error()})
			metrics.IngestRecordsTotal.WithLabelValues("rejected").Inc()
			continue
		}
		accepted = append(accepted, pending{index: i, rec: rec})
	}

	if len(accepted) == 0 {
		res.Status = types.StatusFor(res.ProcessedCount, len(res.Errors))
		res.Duration = nowFunc().Sub(start)
		return res, nil
	}

	// Phase two: parallel enrichment. Degraded stages mark the record and
	// the batch but never drop either.
	recs := make([]*types.Record, len(accepted))
	for i, p := range accepted {
		recs[i] = p.rec
	}
	userCtx := s.enrichContext(req.UserID)
	if err := s.enricher.EnrichBatch(ctx, recs, userCtx); err != nil {
		return nil, fmt.Errorf("enrichment aborted: %w", err)
	}

	// Phase three: land records in arrival order. The attention window grows
	// as the batch lands, so each record sees its predecessors.
	window, err := s.records.UserWindow(req.UserID, start, s.cfg.Pipeline.AttentionWindow)
	if err != nil {
		res.warn("attention window unavailable, scoring cold: %v", err)
		res.Degraded = true
	}
	var harvested []types.Intent
	for _, p := range accepted {
		if err := ctx.Err(); err != nil {
			res.Errors = append(res.Errors, ItemError{Index: p.index, ID: p.rec.ID,
				Error: fmt.Sprintf("batch cancelled: %v", err)})
			metrics.IngestRecordsTotal.WithLabelValues("failed").Inc()
			continue
		}
		rec := p.rec
		if len(rec.Processing.DegradedStages) > 0 {
			res.Degraded = true
			res.warn("record %s stored with degraded stages %v", rec.ID, rec.Processing.DegradedStages)
		}

		att, am := s.scorer.Score(rec, window)
		rec.Attention = att
		rec.AttentionMetrics = &am
		rec.Influence = types.ComputeInfluence(rec.Quality, rec.Attention)
		rec.CreatedAt = start
		rec.UpdatedAt = start

		if err := s.records.Put(rec); err != nil {
			res.Errors = append(res.Errors, ItemError{Index: p.index, ID: rec.ID,
				Error: fmt.Sprintf("store failed: %v: %v", err, types.ErrTierUnavailable)})
			metrics.IngestRecordsTotal.WithLabelValues("failed").Inc()
			continue
		}
		if err := s.index.IndexRecord(rec, req.UserID); err != nil {
			// Index lag is survivable; store-backed strategies still find it.
			res.Degraded = true
			res.warn("index update failed for %s: %v", rec.ID, err)
		}

		window = append(window, rec)
		harvested = append(harvested, s.extract.Extract(rec)...)
		res.ProcessedCount++
		metrics.IngestRecordsTotal.WithLabelValues("stored").Inc()
	}

	// Phase four: profile synthesis, highest attention first, before the
	// batch is acknowledged.
	if len(harvested) > 0 {
		ptrs := make([]*types.Intent, len(harvested))
		for i := range harvested {
			ptrs[i] = &harvested[i]
		}
		if _, err := s.synth.Update(req.UserID, ptrs); err != nil {
			res.Degraded = true
			res.warn("profile update failed: %v", err)
		}
	}
	s.prefs.Invalidate(req.UserID)

	res.Status = types.StatusFor(res.ProcessedCount, len(res.Errors))
	res.Duration = nowFunc().Sub(start)
	logging.Ingest("batch user=%s app=%s submitted=%d stored=%d rejected=%d degraded=%v",
		req.UserID, req.AppID, len(req.Records), res.ProcessedCount, len(res.Errors), res.Degraded)
	return res, nil
}

// errAlreadyStored marks an idempotent resubmission inside admit.
var errAlreadyStored = errors.New("already stored")

// admit validates and normalizes one submission and probes caller-supplied
// ids for collisions. Identical resubmissions answer errAlreadyStored;
// anything else occupying the id is a conflict, soft-deleted tombstones
// included, since revival belongs to the governed write path.
func (s *Service) admit(userID, appID string, sub *validate.Submission) (*types.Record, error) {
	if sub == nil {
		return nil, &types.ValidationError{Field: "record", Reason: "missing record"}
	}
	draft := *sub
	if draft.UserID == "" {
		draft.UserID = userID
	}
	if draft.UserID != userID {
		return nil, &types.ValidationError{Field: "user_id", Reason: "record user does not match batch user"}
	}
	if err := validate.Validate(&draft); err != nil {
		return nil, err
	}
	rec, err := validate.Normalize(&draft)
	if err != nil {
		return nil, err
	}

	if rec.ID == "" {
		rec.ID = types.NewRecordID()
		return rec, nil
	}

	// The probe is unscoped: a caller-supplied id must not collide with any
	// record, another user's or a tombstone included.
	existing, err := s.records.GetAny(rec.ID, "")
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return rec, nil
		}
		return nil, fmt.Errorf("duplicate probe failed: %v: %w", err, types.ErrTierUnavailable)
	}
	if existing.UserID != userID {
		return nil, fmt.Errorf("record %s already exists: %w", rec.ID, types.ErrConflict)
	}
	if existing.Deleted {
		return nil, fmt.Errorf("record %s was deleted: %w", rec.ID, types.ErrConflict)
	}
	if existing.ContentHash() == rec.ContentHash() {
		return nil, errAlreadyStored
	}
	return nil, fmt.Errorf("record %s exists with different content, update it through a write operation: %w",
		rec.ID, types.ErrConflict)
}

// enrichContext assembles the user-history inputs for the novelty factor.
// Missing history degrades to source priors rather than failing the batch.
func (s *Service) enrichContext(userID string) *enrich.UserContext {
	tags, err := s.records.RecentTags(userID, s.cfg.Pipeline.AttentionWindow)
	if err != nil || len(tags) == 0 {
		return nil
	}
	return &enrich.UserContext{RecentTags: tags}
}

func (r *BatchResult) warn(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func subID(sub *validate.Submission) string {
	if sub == nil {
		return ""
	}
	return sub.ID
}
