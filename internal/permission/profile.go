package permission

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"engram/internal/types"
)

// Default ceilings for operators with no explicit grant.
const (
	DefaultDailyOpLimit   = 100
	DefaultBatchSizeLimit = 50
)

// Profile is a per-user permission grant. An empty AllowedOps whitelist
// permits every operation the level's rank allows; a non-empty one is
// exhaustive. ForbiddenOps always wins over AllowedOps.
type Profile struct {
	UserID         string                `json:"user_id"`
	Level          types.PermissionLevel `json:"level"`
	AllowedOps     []types.OpType        `json:"allowed_ops,omitempty"`
	ForbiddenOps   []types.OpType        `json:"forbidden_ops,omitempty"`
	DailyOpLimit   int                   `json:"daily_op_limit"`
	BatchSizeLimit int                   `json:"batch_size_limit"`
	Require2FA     bool                  `json:"require_2fa"`
	AllowedSources []string              `json:"allowed_sources,omitempty"`
	ValidFrom      time.Time             `json:"valid_from"`
	ValidUntil     *time.Time            `json:"valid_until,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

// DefaultProfile is the grant minted for a user seen for the first time:
// limited writes to their own corpus, no bulk rewrites, no deletes.
func DefaultProfile(userID string) *Profile {
	now := time.Now().UTC()
	return &Profile{
		UserID:         userID,
		Level:          types.PermWriteLimited,
		AllowedOps:     []types.OpType{types.OpCreate, types.OpUpdate, types.OpBulkTag},
		DailyOpLimit:   DefaultDailyOpLimit,
		BatchSizeLimit: DefaultBatchSizeLimit,
		ValidFrom:      now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Allows reports whether the op passes the profile's allow/forbid lists.
// Level-based and risk-based checks happen elsewhere.
func (p *Profile) Allows(op types.OpType) bool {
	for _, f := range p.ForbiddenOps {
		if f == op {
			return false
		}
	}
	if len(p.AllowedOps) == 0 {
		return true
	}
	for _, a := range p.AllowedOps {
		if a == op {
			return true
		}
	}
	return false
}

// SourceAllowed reports whether the profile may touch records from source.
// An empty AllowedSources list means no source restriction.
func (p *Profile) SourceAllowed(source string) bool {
	if len(p.AllowedSources) == 0 {
		return true
	}
	for _, s := range p.AllowedSources {
		if s == source {
			return true
		}
	}
	return false
}

// Validate checks a profile before it is saved.
func (p *Profile) Validate() error {
	if p.UserID == "" {
		return &types.ValidationError{Field: "user_id", Reason: "permission profile requires a user id"}
	}
	switch p.Level {
	case types.PermNone, types.PermReadOnly, types.PermWriteLimited, types.PermWriteFull, types.PermAdmin:
	default:
		return &types.ValidationError{Field: "level", Reason: fmt.Sprintf("unknown permission level %q", p.Level)}
	}
	if p.DailyOpLimit <= 0 {
		return &types.ValidationError{Field: "daily_op_limit", Reason: "must be positive"}
	}
	if p.BatchSizeLimit <= 0 {
		return &types.ValidationError{Field: "batch_size_limit", Reason: "must be positive"}
	}
	if p.ValidFrom.IsZero() {
		return &types.ValidationError{Field: "valid_from", Reason: "required"}
	}
	return nil
}

// SaveProfile upserts a permission profile.
func (s *Store) SaveProfile(p *Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	p.UpdatedAt = time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = p.UpdatedAt
	}
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode permission profile %s: %w", p.UserID, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO permission_profiles (user_id, doc, updated_epoch) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET doc = excluded.doc, updated_epoch = excluded.updated_epoch`,
		p.UserID, string(doc), p.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save permission profile %s: %w", p.UserID, err)
	}
	return nil
}

// GetProfile loads a user's permission profile.
func (s *Store) GetProfile(userID string) (*Profile, error) {
	var doc string
	err := s.db.QueryRow(`SELECT doc FROM permission_profiles WHERE user_id = ?`, userID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("permission profile for %s: %w", userID, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load permission profile %s: %w", userID, err)
	}
	var p Profile
	if err := json.Unmarshal([]byte(doc), &p); err != nil {
		return nil, fmt.Errorf("failed to decode permission profile %s: %w", userID, err)
	}
	return &p, nil
}
