package write

import (
	"fmt"
	"time"

	"engram/internal/permission"
	"engram/internal/types"
	"engram/internal/validate"
)

// Patch is a partial update. Nil pointer fields are left untouched; Tags
// replaces the tag set unless MergeTags asks for a union.
type Patch struct {
	Highlight *string            `json:"highlight,omitempty"`
	Note      *string            `json:"note,omitempty"`
	Address   *string            `json:"address,omitempty"`
	Tags      []string           `json:"tags,omitempty"`
	MergeTags bool               `json:"merge_tags,omitempty"`
	Access    *types.AccessLevel `json:"access,omitempty"`

	// PreserveDerived skips re-enrichment even when content changed. The
	// attention rescore and tier re-placement still run.
	PreserveDerived bool `json:"preserve_derived,omitempty"`
}

// IsZero reports whether the patch changes nothing.
func (p *Patch) IsZero() bool {
	return p == nil ||
		(p.Highlight == nil && p.Note == nil && p.Address == nil &&
			p.Tags == nil && p.Access == nil)
}

// Apply mutates rec in place and reports whether a content-bearing field
// changed. Callers patch a clone so failures never leak half-edits.
func (p *Patch) Apply(rec *types.Record) bool {
	before := rec.ContentHash()
	if p.Highlight != nil {
		rec.Highlight = *p.Highlight
	}
	if p.Note != nil {
		rec.Note = *p.Note
	}
	if p.Address != nil {
		rec.Address = *p.Address
	}
	if p.Tags != nil {
		if p.MergeTags {
			rec.Tags = validate.NormalizeTags(append(rec.Tags, p.Tags...))
		} else {
			rec.Tags = validate.NormalizeTags(p.Tags)
		}
	}
	if p.Access != nil {
		rec.Access = *p.Access
	}
	return rec.ContentHash() != before
}

// SplitPart describes one record carved out of a split target. Empty Tags
// inherit the parent's.
type SplitPart struct {
	Highlight string   `json:"highlight"`
	Note      string   `json:"note,omitempty"`
	Tags      []string `json:"tags,omitempty"`
}

// SplitSpec carves a record into two or more parts. The parent is
// soft-deleted once every part is persisted.
type SplitSpec struct {
	Parts []SplitPart `json:"parts"`
}

// Op is a governed write request. Type selects the variant; the executor
// reads only the fields that variant uses.
type Op struct {
	UserID string       `json:"user_id"`
	Type   types.OpType `json:"op"`

	// Intent is the caller's stated reason, carried into the audit log.
	Intent string `json:"intent,omitempty"`

	// DryRun previews the operation: targets are resolved and counted but
	// nothing mutates.
	DryRun bool `json:"dry_run,omitempty"`

	// Variant payloads: Draft for create; TargetID for update and split;
	// IDs for delete and merge; Patch for update and batch_update; Filter
	// and Tags for the bulk ops; Split for split. Hard asks delete to purge
	// from every tier instead of tombstoning.
	Draft    *validate.Submission `json:"draft,omitempty"`
	TargetID string               `json:"target_id,omitempty"`
	IDs      []string             `json:"ids,omitempty"`
	Hard     bool                 `json:"hard,omitempty"`
	Patch    *Patch               `json:"patch,omitempty"`
	Filter   *types.Filter        `json:"filter,omitempty"`
	Tags     []string             `json:"tags,omitempty"`
	Split    *SplitSpec           `json:"split,omitempty"`

	// BatchSize overrides the default bulk chunk size, up to the hard cap.
	BatchSize int `json:"batch_size,omitempty"`

	Context permission.CallContext `json:"context,omitempty"`
}

// validate checks the structural shape of the request: the right fields for
// the variant, nothing more. Content rules run inside the handlers.
func (o *Op) validate() error {
	if o.UserID == "" {
		return &types.ValidationError{Field: "user_id", Reason: "required"}
	}
	if !o.Type.Valid() {
		return &types.ValidationError{Field: "op", Reason: "unknown operation type"}
	}
	switch o.Type {
	case types.OpCreate:
		if o.Draft == nil {
			return &types.ValidationError{Field: "draft", Reason: "create requires a draft"}
		}
		if o.Draft.UserID != "" && o.Draft.UserID != o.UserID {
			return &types.ValidationError{Field: "draft.user_id", Reason: "does not match requesting user"}
		}
	case types.OpUpdate:
		if o.TargetID == "" {
			return &types.ValidationError{Field: "target_id", Reason: "update requires a target"}
		}
		if o.Patch.IsZero() {
			return &types.ValidationError{Field: "patch", Reason: "update requires a non-empty patch"}
		}
	case types.OpDelete:
		if len(o.IDs) == 0 {
			return &types.ValidationError{Field: "ids", Reason: "delete requires at least one id"}
		}
	case types.OpBatchUpdate:
		if o.Filter == nil {
			return &types.ValidationError{Field: "filter", Reason: "batch update requires a filter"}
		}
		if o.Patch.IsZero() {
			return &types.ValidationError{Field: "patch", Reason: "batch update requires a non-empty patch"}
		}
	case types.OpBulkTag, types.OpBulkRetag:
		if o.Filter == nil {
			return &types.ValidationError{Field: "filter", Reason: "bulk tagging requires a filter"}
		}
		if len(validate.NormalizeTags(o.Tags)) == 0 {
			return &types.ValidationError{Field: "tags", Reason: "bulk tagging requires at least one tag"}
		}
	case types.OpMerge:
		if len(o.IDs) < 2 {
			return &types.ValidationError{Field: "ids", Reason: "merge requires at least two ids"}
		}
	case types.OpSplit:
		if o.TargetID == "" {
			return &types.ValidationError{Field: "target_id", Reason: "split requires a target"}
		}
		if o.Split == nil || len(o.Split.Parts) < 2 {
			return &types.ValidationError{Field: "split", Reason: "split requires at least two parts"}
		}
		for i, part := range o.Split.Parts {
			if part.Highlight == "" {
				return &types.ValidationError{
					Field:  "split",
					Reason: fmt.Sprintf("part %d has no highlight", i),
				}
			}
		}
	}
	return nil
}

// ItemResult reports the outcome of one record within a batched operation.
type ItemResult struct {
	ID     string       `json:"id"`
	Status types.Status `json:"status"`
	Error  string       `json:"error,omitempty"`
}

// Result is the executor's report for one operation.
type Result struct {
	OperationID   string          `json:"operation_id"`
	Op            types.OpType    `json:"op"`
	Status        types.Status    `json:"status"`
	DryRun        bool            `json:"dry_run,omitempty"`
	MatchedCount  int             `json:"matched_count"`
	Sample        []*types.Record `json:"sample,omitempty"`
	AffectedCount int             `json:"affected_count"`
	Items         []ItemResult    `json:"items,omitempty"`
	Warnings      []string        `json:"warnings,omitempty"`
	Duration      time.Duration   `json:"duration"`
	AuditID       string          `json:"audit_id,omitempty"`
}

func (r *Result) item(id string, err error) {
	if err != nil {
		r.Items = append(r.Items, ItemResult{ID: id, Status: types.StatusFailed, Error: err.Error()})
		return
	}
	r.Items = append(r.Items, ItemResult{ID: id, Status: types.StatusSuccess})
}

func (r *Result) warn(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}
