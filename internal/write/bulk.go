package write

import (
	"context"
	"fmt"

	"engram/internal/logging"
	"engram/internal/types"
	"engram/internal/validate"
)

// chunkSize resolves the bulk chunk: the caller's override, else the
// default, never past the hard cap.
func (e *Executor) chunkSize(op *Op) (int, error) {
	size := op.BatchSize
	if size <= 0 {
		size = e.opts.BatchSize
	}
	if size > e.opts.BatchHardCap {
		return 0, &types.ValidationError{
			Field:  "batch_size",
			Reason: fmt.Sprintf("%d exceeds hard cap %d", size, e.opts.BatchHardCap),
		}
	}
	return size, nil
}

// execBulk applies a tag change or patch across every matched record,
// chunked so cancellation between chunks stops further work. Records already
// processed stay processed; the remainder report as failed items.
func (e *Executor) execBulk(ctx context.Context, op *Op, targets []*types.Record, res *Result) error {
	chunk, err := e.chunkSize(op)
	if err != nil {
		return err
	}
	tags := validate.NormalizeTags(op.Tags)
	kit := e.loadKit(op.UserID, res)

	var harvested []types.Intent
	for start := 0; start < len(targets); start += chunk {
		if err := ctx.Err(); err != nil {
			for _, rec := range targets[start:] {
				res.item(rec.ID, fmt.Errorf("operation cancelled: %w", err))
			}
			res.warn("cancelled after %d of %d records", res.AffectedCount, len(targets))
			logging.WriteWarn("Bulk %s for %s cancelled after %d of %d records",
				op.Type, op.UserID, res.AffectedCount, len(targets))
			break
		}

		end := min(start+chunk, len(targets))
		for _, rec := range targets[start:end] {
			work := rec.Clone()
			var contentChanged bool
			switch op.Type {
			case types.OpBulkTag:
				contentChanged = applyTags(work, tags, true)
			case types.OpBulkRetag:
				contentChanged = applyTags(work, tags, false)
			default:
				contentChanged = op.Patch.Apply(work)
			}

			reenrich := contentChanged && (op.Patch == nil || !op.Patch.PreserveDerived)
			intents, err := e.rederive(ctx, work, kit, reenrich, res)
			if err != nil {
				res.item(work.ID, err)
				continue
			}
			harvested = append(harvested, intents...)
			res.AffectedCount++
			res.item(work.ID, nil)
		}
		logging.WriteDebug("Bulk %s chunk done: %d of %d records", op.Type, end, len(targets))
	}

	e.applyProfile(op.UserID, harvested, res)
	return nil
}

// applyTags unions or replaces the user tag set and reports whether content
// changed. Enhanced tags are pipeline-owned and stay untouched.
func applyTags(rec *types.Record, tags []string, union bool) bool {
	before := rec.ContentHash()
	if union {
		rec.Tags = validate.NormalizeTags(append(rec.Tags, tags...))
	} else {
		rec.Tags = append([]string(nil), tags...)
	}
	return rec.ContentHash() != before
}
