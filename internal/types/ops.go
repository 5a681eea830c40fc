package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// GOVERNED WRITE OPERATIONS
// =============================================================================

// OpType is the tagged variant a write request carries. The write executor
// switches on the tag; no behavior ever depends on untrusted strings.
type OpType string

const (
	OpCreate      OpType = "create"
	OpUpdate      OpType = "update"
	OpDelete      OpType = "delete"
	OpBatchUpdate OpType = "batch_update"
	OpBulkTag     OpType = "bulk_tag"
	OpBulkRetag   OpType = "bulk_retag"
	OpMerge       OpType = "merge"
	OpSplit       OpType = "split"
)

// Valid reports whether the op type is recognized.
func (o OpType) Valid() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete, OpBatchUpdate,
		OpBulkTag, OpBulkRetag, OpMerge, OpSplit:
		return true
	}
	return false
}

// IsBulk reports whether the op can touch many records in one call.
func (o OpType) IsBulk() bool {
	switch o {
	case OpBatchUpdate, OpBulkTag, OpBulkRetag:
		return true
	}
	return false
}

// BaseRisk is the op's inherent risk contribution before situational bumps.
func (o OpType) BaseRisk() float64 {
	switch o {
	case OpCreate:
		return 0.1
	case OpUpdate:
		return 0.3
	case OpDelete:
		return 0.8
	case OpBulkTag:
		return 0.4
	case OpBulkRetag:
		return 0.5
	case OpBatchUpdate:
		return 0.6
	case OpMerge:
		return 0.7
	case OpSplit:
		return 0.6
	default:
		return 0.5
	}
}

// RiskLevel buckets a risk score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskLevelForScore maps a numeric risk score to its level.
func RiskLevelForScore(score float64) RiskLevel {
	switch {
	case score >= 1.0:
		return RiskCritical
	case score >= 0.7:
		return RiskHigh
	case score >= 0.4:
		return RiskMedium
	default:
		return RiskLow
	}
}

// PermissionLevel orders operator capabilities from none to admin.
type PermissionLevel string

const (
	PermNone         PermissionLevel = "none"
	PermReadOnly     PermissionLevel = "read_only"
	PermWriteLimited PermissionLevel = "write_limited"
	PermWriteFull    PermissionLevel = "write_full"
	PermAdmin        PermissionLevel = "admin"
)

// Rank returns the ordering of a permission level for comparisons.
func (p PermissionLevel) Rank() int {
	switch p {
	case PermReadOnly:
		return 1
	case PermWriteLimited:
		return 2
	case PermWriteFull:
		return 3
	case PermAdmin:
		return 4
	default:
		return 0
	}
}

// AtLeast reports whether p grants at least the capabilities of other.
func (p PermissionLevel) AtLeast(other PermissionLevel) bool {
	return p.Rank() >= other.Rank()
}

// Status summarizes a batched result for the caller.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// StatusFor derives the result status from per-item counts.
func StatusFor(succeeded, failed int) Status {
	switch {
	case failed == 0:
		return StatusSuccess
	case succeeded == 0:
		return StatusFailed
	default:
		return StatusPartial
	}
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

// NewRecordID mints a record id: time-prefixed for rough ordering, uuid
// suffix for uniqueness.
func NewRecordID() string {
	return fmt.Sprintf("rec_%d_%s", time.Now().Unix(), uuid.New().String()[:8])
}

// NewOperationID mints a write-operation id.
func NewOperationID() string {
	return fmt.Sprintf("op_%d_%s", time.Now().Unix(), uuid.New().String()[:8])
}

// NewComponentID mints a profile-component id.
func NewComponentID() string {
	return fmt.Sprintf("comp_%d_%s", time.Now().Unix(), uuid.New().String()[:8])
}

// NewIntentID mints an intent id.
func NewIntentID() string {
	return "intent_" + uuid.New().String()[:12]
}

// NewAuditID mints an audit-log entry id.
func NewAuditID() string {
	return fmt.Sprintf("audit_%d_%s", time.Now().Unix(), uuid.New().String()[:8])
}

// NewSessionID mints a conversational-write session id. The user id is part
// of the handle so confirmation calls can be checked against the owner.
func NewSessionID(userID string) string {
	return fmt.Sprintf("session_%d_%s", time.Now().UnixNano(), userID)
}
