package service

import (
	"context"

	"engram/internal/permission"
	"engram/internal/types"
	"engram/internal/write"
)

// Write runs one governed write operation end to end: risk estimation,
// authorization, snapshot, execution, audit.
func (s *Service) Write(ctx context.Context, op *write.Op) (*write.Result, error) {
	return s.writer.Execute(ctx, op)
}

// Delete soft-deletes the given records. Purging instead of tombstoning goes
// through Write with Hard set.
func (s *Service) Delete(ctx context.Context, userID string, ids []string, intent string, callCtx permission.CallContext) (*write.Result, error) {
	return s.writer.Execute(ctx, &write.Op{
		UserID:  userID,
		Type:    types.OpDelete,
		IDs:     ids,
		Intent:  intent,
		Context: callCtx,
	})
}

// Restore re-applies the snapshot taken before a previous operation,
// returning affected records to their pre-operation state.
func (s *Service) Restore(ctx context.Context, userID, operationID string, callCtx permission.CallContext) (*write.Result, error) {
	return s.writer.Restore(ctx, userID, operationID, callCtx)
}

// WriteHistory returns the user's audit trail, most recent first.
func (s *Service) WriteHistory(userID string, limit int) ([]*permission.AuditEntry, error) {
	if userID == "" {
		return nil, &types.ValidationError{Field: "user_id", Reason: "history requires a user id"}
	}
	return s.perms.History(userID, limit)
}
