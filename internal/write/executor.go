package write

import (
	"context"
	"fmt"
	"time"

	"engram/internal/attention"
	"engram/internal/enrich"
	"engram/internal/index"
	"engram/internal/intent"
	"engram/internal/logging"
	"engram/internal/metrics"
	"engram/internal/permission"
	"engram/internal/profile"
	"engram/internal/store"
	"engram/internal/types"
)

// dryRunSampleSize caps how many matched records a preview returns.
const dryRunSampleSize = 5

// Options bounds the executor. Zero values fall back to the defaults below.
type Options struct {
	// BatchSize is the default chunk for bulk operations.
	BatchSize int

	// BatchHardCap is the largest chunk any caller may request.
	BatchHardCap int

	// MaxEstimatedMatches rejects bulk operations whose filter matches more
	// records than this, before any mutation.
	MaxEstimatedMatches int

	// AttentionWindowDays is the trailing window used when rescoring
	// attention after a mutation.
	AttentionWindowDays int
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.BatchHardCap <= 0 {
		o.BatchHardCap = 1000
	}
	if o.MaxEstimatedMatches <= 0 {
		o.MaxEstimatedMatches = 10000
	}
	if o.AttentionWindowDays <= 0 {
		o.AttentionWindowDays = 30
	}
	return o
}

// Deps wires the executor into the rest of the system. Records, Perms, and
// Backups are required. Index and Profiles may be nil: search freshness and
// profile synthesis degrade, mutations do not.
type Deps struct {
	Records  *store.Tiered
	Index    *index.Index
	Perms    *permission.Manager
	Enricher *enrich.Pipeline
	Profiles *profile.Synthesizer
	Backups  *BackupStore
}

// Executor runs governed writes: authorize, snapshot, mutate, re-derive,
// account. One instance serves all users.
type Executor struct {
	records  *store.Tiered
	idx      *index.Index
	perms    *permission.Manager
	enricher *enrich.Pipeline
	profiles *profile.Synthesizer
	backups  *BackupStore
	scorer   attention.Scorer
	extract  intent.Extractor
	opts     Options
}

// NewExecutor builds an executor around the given dependencies.
func NewExecutor(deps Deps, opts Options) *Executor {
	return &Executor{
		records:  deps.Records,
		idx:      deps.Index,
		perms:    deps.Perms,
		enricher: deps.Enricher,
		profiles: deps.Profiles,
		backups:  deps.Backups,
		opts:     opts.withDefaults(),
	}
}

// Execute runs one governed write. The returned Result carries per-item
// outcomes for batched operations; a non-nil error means the operation as a
// whole did not run (or aborted before completing).
func (e *Executor) Execute(ctx context.Context, op *Op) (*Result, error) {
	start := time.Now()
	timer := logging.StartTimer(logging.CategoryWrite, string(op.Type))
	defer timer.Stop()

	if err := op.validate(); err != nil {
		return nil, err
	}

	// Bulk targets resolve up front: the match count feeds risk assessment
	// and the per-profile batch limit before anything mutates.
	var targets []*types.Record
	estimated := 0
	switch {
	case op.Type.IsBulk():
		if _, err := e.chunkSize(op); err != nil {
			return nil, err
		}
		f := *op.Filter
		f.UserID = op.UserID
		targets, _ = e.records.QueryRecordsByFilter(&f)
		estimated = len(targets)
		if estimated > e.opts.MaxEstimatedMatches {
			return nil, fmt.Errorf("filter matches %d records, ceiling is %d: %w",
				estimated, e.opts.MaxEstimatedMatches, types.ErrBatchTooLarge)
		}
	case op.Type == types.OpDelete, op.Type == types.OpMerge:
		estimated = len(op.IDs)
	case op.Type == types.OpCreate:
		// Draft content rules run before authorization: a malformed draft
		// is a caller error, not a permission decision worth an audit row.
		if _, err := normalizeDraft(op); err != nil {
			return nil, err
		}
		estimated = 1
	default:
		estimated = 1
	}

	dec, err := e.perms.Authorize(&permission.Request{
		UserID: op.UserID,
		Op:     op.Type,
		DryRun: op.DryRun,
		Intent: op.Intent,
		Data: permission.OpData{
			EstimatedAffected: estimated,
			HardDelete:        op.Type == types.OpDelete && op.Hard,
			TargetSources:     op.targetSources(),
		},
		Context: op.Context,
	})
	if err != nil {
		return nil, err
	}
	if !dec.Allowed {
		metrics.WriteOpsTotal.WithLabelValues(string(op.Type), "denied").Inc()
		return nil, dec.Err()
	}

	res := &Result{
		OperationID:  types.NewOperationID(),
		Op:           op.Type,
		DryRun:       op.DryRun,
		MatchedCount: estimated,
		AuditID:      dec.AuditID,
	}

	// Id-addressed ops resolve after authorization so an operator without
	// write access never learns whether a record exists.
	var missing []string
	switch op.Type {
	case types.OpUpdate, types.OpSplit:
		targets, missing = e.lookup(op.UserID, []string{op.TargetID}, false)
	case types.OpDelete:
		targets, missing = e.lookup(op.UserID, op.IDs, true)
	case types.OpMerge:
		targets, missing = e.lookup(op.UserID, op.IDs, false)
	}
	if op.Type != types.OpCreate && !op.Type.IsBulk() {
		res.MatchedCount = len(targets)
	}

	if op.DryRun {
		return e.preview(op, targets, res, start)
	}

	// Merge and split are all-or-nothing: a missing input makes the whole
	// operation fail before any mutation.
	if len(missing) > 0 && (op.Type == types.OpMerge || op.Type == types.OpSplit) {
		e.settle(res, types.StatusFailed, start)
		return nil, fmt.Errorf("%s target %s: %w", op.Type, missing[0], types.ErrNotFound)
	}
	if op.Type == types.OpUpdate && len(targets) == 0 {
		e.settle(res, types.StatusFailed, start)
		return nil, fmt.Errorf("record %s: %w", op.TargetID, types.ErrNotFound)
	}

	if len(targets) > 0 {
		snap := &Snapshot{
			OperationID: res.OperationID,
			UserID:      op.UserID,
			Op:          op.Type,
			TakenAt:     start.UTC(),
			Records:     cloneAll(targets),
		}
		if err := e.backups.Save(snap); err != nil {
			if op.Type == types.OpDelete && op.Hard {
				e.settle(res, types.StatusFailed, start)
				return nil, fmt.Errorf("hard delete requires a snapshot: %v: %w", err, types.ErrTierUnavailable)
			}
			res.warn("backup snapshot failed: %v", err)
			logging.WriteWarn("Snapshot for %s failed: %v", res.OperationID, err)
		}
	}

	var execErr error
	switch op.Type {
	case types.OpCreate:
		execErr = e.execCreate(ctx, op, res)
	case types.OpUpdate:
		execErr = e.execUpdate(ctx, op, targets[0], res)
	case types.OpDelete:
		execErr = e.execDelete(op, targets, missing, res)
	case types.OpMerge:
		execErr = e.execMerge(ctx, op, targets, res)
	case types.OpSplit:
		execErr = e.execSplit(ctx, op, targets[0], res)
	default:
		execErr = e.execBulk(ctx, op, targets, res)
	}

	if execErr != nil {
		e.settle(res, types.StatusFailed, start)
		return nil, execErr
	}

	succeeded, failed := 0, 0
	for _, it := range res.Items {
		if it.Status == types.StatusSuccess {
			succeeded++
		} else {
			failed++
		}
	}
	if len(res.Items) == 0 {
		succeeded = res.AffectedCount
	}
	e.settle(res, types.StatusFor(succeeded, failed), start)

	logging.Write("%s by %s: %s, %d of %d affected in %s",
		op.Type, op.UserID, res.Status, res.AffectedCount, res.MatchedCount, res.Duration.Round(time.Millisecond))
	return res, nil
}

// preview finishes a dry-run: the audit row is already written as previewed,
// nothing has mutated.
func (e *Executor) preview(op *Op, targets []*types.Record, res *Result, start time.Time) (*Result, error) {
	if op.Type == types.OpCreate {
		rec, err := normalizeDraft(op)
		if err != nil {
			return nil, err
		}
		res.Sample = []*types.Record{rec}
	} else {
		res.Sample = sampleOf(targets, dryRunSampleSize)
	}
	res.Status = types.StatusSuccess
	res.Duration = time.Since(start)
	metrics.WriteOpsTotal.WithLabelValues(string(op.Type), "previewed").Inc()
	logging.WriteDebug("Dry-run %s for %s: %d matched", op.Type, op.UserID, res.MatchedCount)
	return res, nil
}

// settle closes out the audit entry and the op metric with the final status.
func (e *Executor) settle(res *Result, status types.Status, start time.Time) {
	res.Status = status
	res.Duration = time.Since(start)
	if err := e.perms.Complete(res.AuditID, status, res.AffectedCount, res.Duration); err != nil {
		res.warn("audit completion failed: %v", err)
		logging.AuditError("Completion of %s failed: %v", res.AuditID, err)
	}
	metrics.WriteOpsTotal.WithLabelValues(string(res.Op), string(status)).Inc()
}

// lookup resolves ids to owned records, preserving input order. Records the
// user does not own read as missing. includeDeleted admits soft-deleted
// records (delete is idempotent; update and merge are not).
func (e *Executor) lookup(userID string, ids []string, includeDeleted bool) (found []*types.Record, missing []string) {
	for _, id := range ids {
		var rec *types.Record
		var err error
		if includeDeleted {
			rec, err = e.records.GetAny(id, userID)
		} else {
			rec, err = e.records.Get(id, userID)
		}
		if err != nil {
			missing = append(missing, id)
			continue
		}
		found = append(found, rec)
	}
	return found, missing
}

// targetSources reports which source apps an operation touches, for the
// source-restriction risk check. Only caller-declared sources count; record
// lookups have not happened yet when risk is assessed.
func (o *Op) targetSources() []string {
	switch {
	case o.Type == types.OpCreate && o.Draft != nil && o.Draft.Source != "":
		return []string{o.Draft.Source}
	case o.Type.IsBulk() && o.Filter != nil:
		return o.Filter.Sources
	}
	return nil
}

// Restore re-applies a pre-mutation snapshot within the retention window.
// The restore itself is a governed batch write: it is authorized, audited,
// and counted like any other mutation.
func (e *Executor) Restore(ctx context.Context, userID, operationID string, callCtx permission.CallContext) (*Result, error) {
	start := time.Now()
	timer := logging.StartTimer(logging.CategoryWrite, "Restore")
	defer timer.Stop()

	if userID == "" {
		return nil, &types.ValidationError{Field: "user_id", Reason: "required"}
	}
	snap, err := e.backups.Get(operationID)
	if err != nil {
		return nil, err
	}
	if snap.UserID != userID {
		// Foreign snapshots read as absent rather than forbidden.
		return nil, fmt.Errorf("snapshot %s: %w", operationID, types.ErrNotFound)
	}

	dec, err := e.perms.Authorize(&permission.Request{
		UserID:  userID,
		Op:      types.OpBatchUpdate,
		Intent:  fmt.Sprintf("restore snapshot %s", operationID),
		Data:    permission.OpData{EstimatedAffected: len(snap.Records)},
		Context: callCtx,
	})
	if err != nil {
		return nil, err
	}
	if !dec.Allowed {
		metrics.WriteOpsTotal.WithLabelValues(string(types.OpBatchUpdate), "denied").Inc()
		return nil, dec.Err()
	}

	res := &Result{
		OperationID:  types.NewOperationID(),
		Op:           types.OpBatchUpdate,
		MatchedCount: len(snap.Records),
		AuditID:      dec.AuditID,
	}
	for _, rec := range snap.Records {
		if err := ctx.Err(); err != nil {
			res.item(rec.ID, err)
			continue
		}
		cp := rec.Clone()
		if err := e.records.Put(cp); err != nil {
			res.item(cp.ID, err)
			continue
		}
		e.reindex(cp, res)
		res.AffectedCount++
		res.item(cp.ID, nil)
	}

	succeeded := res.AffectedCount
	e.settle(res, types.StatusFor(succeeded, len(res.Items)-succeeded), start)
	logging.Write("Restored snapshot %s for %s: %d of %d records",
		operationID, userID, res.AffectedCount, len(snap.Records))
	return res, nil
}

// reindex refreshes the search index for a record, downgrading failures to
// warnings. Index loss degrades retrieval; it never blocks a write.
func (e *Executor) reindex(rec *types.Record, res *Result) {
	if e.idx == nil {
		return
	}
	if err := e.idx.IndexRecord(rec, rec.UserID); err != nil {
		res.warn("index update for %s failed: %v", rec.ID, err)
		logging.WriteWarn("Index update for %s failed: %v", rec.ID, err)
	}
}

// unindex drops a record from the search index, downgrading failures to
// warnings.
func (e *Executor) unindex(id string, res *Result) {
	if e.idx == nil {
		return
	}
	if err := e.idx.RemoveRecord(id); err != nil {
		res.warn("index removal for %s failed: %v", id, err)
		logging.WriteWarn("Index removal for %s failed: %v", id, err)
	}
}

func cloneAll(recs []*types.Record) []*types.Record {
	out := make([]*types.Record, len(recs))
	for i, r := range recs {
		out[i] = r.Clone()
	}
	return out
}

func sampleOf(recs []*types.Record, n int) []*types.Record {
	if len(recs) <= n {
		return cloneAll(recs)
	}
	return cloneAll(recs[:n])
}
