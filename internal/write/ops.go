package write

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"engram/internal/types"
	"engram/internal/validate"
)

// normalizeDraft validates and canonicalizes a create draft. The record id
// is left as submitted; execCreate mints one for id-less drafts so previews
// stay deterministic.
func normalizeDraft(op *Op) (*types.Record, error) {
	draft := *op.Draft
	if draft.UserID == "" {
		draft.UserID = op.UserID
	}
	if err := validate.Validate(&draft); err != nil {
		return nil, err
	}
	return validate.Normalize(&draft)
}

func (e *Executor) execCreate(ctx context.Context, op *Op, res *Result) error {
	rec, err := normalizeDraft(op)
	if err != nil {
		return err
	}

	if rec.ID == "" {
		rec.ID = types.NewRecordID()
	} else {
		// The probe is unscoped: a caller-supplied id may not collide with
		// any record, another user's or a tombstone included.
		_, err := e.records.GetAny(rec.ID, "")
		switch {
		case err == nil:
			return fmt.Errorf("record %s already exists: %w", rec.ID, types.ErrConflict)
		case !errors.Is(err, types.ErrNotFound):
			return err
		}
	}

	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	kit := e.loadKit(op.UserID, res)
	intents, err := e.rederive(ctx, rec, kit, true, res)
	if err != nil {
		return err
	}
	res.AffectedCount = 1
	res.item(rec.ID, nil)
	e.applyProfile(op.UserID, intents, res)
	return nil
}

func (e *Executor) execUpdate(ctx context.Context, op *Op, target *types.Record, res *Result) error {
	work := target.Clone()
	contentChanged := op.Patch.Apply(work)

	kit := e.loadKit(op.UserID, res)
	reenrich := contentChanged && !op.Patch.PreserveDerived
	intents, err := e.rederive(ctx, work, kit, reenrich, res)
	if err != nil {
		return err
	}
	res.AffectedCount = 1
	res.item(work.ID, nil)
	e.applyProfile(op.UserID, intents, res)
	return nil
}

// execDelete removes records item by item: tombstone by default, every tier
// when Hard. Missing ids report per item; they never abort the rest.
func (e *Executor) execDelete(op *Op, targets []*types.Record, missing []string, res *Result) error {
	for _, id := range missing {
		res.item(id, fmt.Errorf("record %s: %w", id, types.ErrNotFound))
	}
	for _, rec := range targets {
		var err error
		if op.Hard {
			err = e.records.HardDelete(rec.ID, op.UserID)
		} else {
			err = e.records.SoftDelete(rec.ID, op.UserID)
		}
		if err != nil {
			res.item(rec.ID, err)
			continue
		}
		e.unindex(rec.ID, res)
		res.AffectedCount++
		res.item(rec.ID, nil)
	}
	return nil
}

// execMerge folds the trailing records into the first: notes and highlights
// concatenate, tags union, and the absorbed records are tombstoned. The
// survivor re-derives from its combined content.
func (e *Executor) execMerge(ctx context.Context, op *Op, targets []*types.Record, res *Result) error {
	survivor := targets[0].Clone()
	absorbed := targets[1:]

	parts := make([]string, 0, len(absorbed)+1)
	if strings.TrimSpace(survivor.Note) != "" {
		parts = append(parts, survivor.Note)
	}
	tags := survivor.Tags
	for _, rec := range absorbed {
		if strings.TrimSpace(rec.Highlight) != "" && rec.Highlight != survivor.Highlight {
			parts = append(parts, rec.Highlight)
		}
		if strings.TrimSpace(rec.Note) != "" {
			parts = append(parts, rec.Note)
		}
		tags = append(tags, rec.Tags...)
	}
	survivor.Note = strings.Join(parts, "\n\n")
	survivor.Tags = validate.NormalizeTags(tags)

	kit := e.loadKit(op.UserID, res)
	intents, err := e.rederive(ctx, survivor, kit, true, res)
	if err != nil {
		return err
	}
	res.AffectedCount++
	res.item(survivor.ID, nil)

	for _, rec := range absorbed {
		if err := e.records.SoftDelete(rec.ID, op.UserID); err != nil {
			res.item(rec.ID, err)
			continue
		}
		e.unindex(rec.ID, res)
		res.AffectedCount++
		res.item(rec.ID, nil)
	}
	e.applyProfile(op.UserID, intents, res)
	return nil
}

// execSplit carves the target into parts, each a full record inheriting the
// parent's source, address, access, and timestamp. The parent is tombstoned
// once every part is persisted.
func (e *Executor) execSplit(ctx context.Context, op *Op, parent *types.Record, res *Result) error {
	now := time.Now().UTC()
	kit := e.loadKit(op.UserID, res)

	var harvested []types.Intent
	for _, part := range op.Split.Parts {
		tags := validate.NormalizeTags(part.Tags)
		if len(tags) == 0 {
			tags = append([]string(nil), parent.Tags...)
		}
		child := &types.Record{
			ID:        types.NewRecordID(),
			UserID:    op.UserID,
			Timestamp: parent.Timestamp,
			Source:    parent.Source,
			Highlight: part.Highlight,
			Note:      part.Note,
			Address:   parent.Address,
			Tags:      tags,
			Access:    parent.Access,
			Raw:       parent.Raw,
			CreatedAt: now,
			UpdatedAt: now,
		}
		intents, err := e.rederive(ctx, child, kit, true, res)
		if err != nil {
			// Children already persisted stay; the parent survives so no
			// content is lost half way.
			res.item(child.ID, err)
			return err
		}
		harvested = append(harvested, intents...)
		res.AffectedCount++
		res.item(child.ID, nil)
	}

	if err := e.records.SoftDelete(parent.ID, op.UserID); err != nil {
		res.item(parent.ID, err)
		return fmt.Errorf("split of %s left parent live: %v: %w", parent.ID, err, types.ErrTierUnavailable)
	}
	e.unindex(parent.ID, res)
	res.AffectedCount++
	res.item(parent.ID, nil)

	e.applyProfile(op.UserID, harvested, res)
	return nil
}
