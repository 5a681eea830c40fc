package permission

import (
	"time"

	"engram/internal/types"
)

// Risk flags attached to audit entries and permission errors.
const (
	FlagLargeBatch         = "large_batch_operation"
	FlagMediumBatch        = "medium_batch_operation"
	FlagSmallBatch         = "small_batch_operation"
	FlagHardDelete         = "hard_delete"
	FlagBulkDelete         = "bulk_delete"
	FlagOffHours           = "off_hours_operation"
	FlagLimitedUserBulk    = "limited_user_bulk_operation"
	FlagUnauthorizedSource = "unauthorized_source_access"
)

// OpData is what the risk scorer needs to know about a pending operation.
type OpData struct {
	// EstimatedAffected is the number of records the op would touch. For
	// bulk ops this comes from a dry-run count; single-record ops pass 1.
	EstimatedAffected int

	// HardDelete marks a delete with soft=false.
	HardDelete bool

	// TargetSources are the source apps of the affected records, when the
	// caller scopes the op by source.
	TargetSources []string
}

// Assessment is the scored risk of one operation.
type Assessment struct {
	Level types.RiskLevel `json:"level"`
	Score float64         `json:"score"`
	Flags []string        `json:"flags,omitempty"`
}

// Assess scores an operation: the op's base risk plus situational bumps for
// batch width, destructive deletes, off-hours timing, limited operators
// doing bulk work, and touching sources outside the profile's grant.
func Assess(op types.OpType, data OpData, profile *Profile, now time.Time) Assessment {
	score := op.BaseRisk()
	var flags []string

	switch {
	case data.EstimatedAffected > 1000:
		score += 0.8
		flags = append(flags, FlagLargeBatch)
	case data.EstimatedAffected > 100:
		score += 0.5
		flags = append(flags, FlagMediumBatch)
	case data.EstimatedAffected > 10:
		score += 0.2
		flags = append(flags, FlagSmallBatch)
	}

	if op == types.OpDelete {
		if data.HardDelete {
			score += 0.3
			flags = append(flags, FlagHardDelete)
		}
		if data.EstimatedAffected > 50 {
			score += 0.4
			flags = append(flags, FlagBulkDelete)
		}
	}

	if hour := now.UTC().Hour(); hour < 6 || hour > 22 {
		score += 0.1
		flags = append(flags, FlagOffHours)
	}

	if profile != nil && profile.Level == types.PermWriteLimited && op.IsBulk() {
		score += 0.3
		flags = append(flags, FlagLimitedUserBulk)
	}

	if profile != nil && len(profile.AllowedSources) > 0 {
		for _, src := range data.TargetSources {
			if !profile.SourceAllowed(src) {
				score += 0.5
				flags = append(flags, FlagUnauthorizedSource)
				break
			}
		}
	}

	level := types.RiskLevelForScore(score)
	if score > 1.0 {
		score = 1.0
	}
	return Assessment{Level: level, Score: score, Flags: flags}
}
