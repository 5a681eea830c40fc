package permission

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"engram/internal/logging"
	"engram/internal/metrics"
	"engram/internal/types"
)

const (
	profileCacheTTL = time.Hour
	twoFactorTTL    = 15 * time.Minute
)

// CallContext carries the request provenance recorded on every audit entry.
type CallContext struct {
	SourceApp string `json:"source_app,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// Request is one operation presented for authorization.
type Request struct {
	UserID  string
	Op      types.OpType
	Data    OpData
	DryRun  bool
	Intent  string // operator-supplied description, kept on the audit entry
	Context CallContext
}

// Decision is the outcome of one authorization. Denials carry the reason
// and what the operator would need; AuditID names the decision's log row.
type Decision struct {
	Allowed        bool
	Reason         string
	RequiredAction string
	Risk           Assessment
	AuditID        string
}

// Err converts a denial into the error the write path returns. Allowed
// decisions yield nil.
func (d *Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &types.PermissionError{
		Reason:         d.Reason,
		RequiredAction: d.RequiredAction,
		Flags:          d.Risk.Flags,
		Risk:           d.Risk.Level,
	}
}

// Manager makes authorization decisions. Profiles are cached briefly;
// 2FA verifications are session-scoped and expire on their own.
type Manager struct {
	store *Store

	mu       sync.RWMutex
	profiles map[string]*cachedProfile

	sessionMu sync.Mutex
	verified  map[string]time.Time // session id -> 2fa expiry
}

type cachedProfile struct {
	profile   *Profile
	fetchedAt time.Time
}

// NewManager wires a manager over the governance store.
func NewManager(store *Store) *Manager {
	return &Manager{
		store:    store,
		profiles: make(map[string]*cachedProfile),
		verified: make(map[string]time.Time),
	}
}

// Profile returns the user's permission profile, minting and persisting the
// default grant on first sight.
func (m *Manager) Profile(userID string) (*Profile, error) {
	m.mu.RLock()
	if c, ok := m.profiles[userID]; ok && time.Since(c.fetchedAt) < profileCacheTTL {
		m.mu.RUnlock()
		metrics.CacheRequestsTotal.WithLabelValues("permission", "hit").Inc()
		return c.profile, nil
	}
	m.mu.RUnlock()
	metrics.CacheRequestsTotal.WithLabelValues("permission", "miss").Inc()

	p, err := m.store.GetProfile(userID)
	if errors.Is(err, types.ErrNotFound) {
		p = DefaultProfile(userID)
		if err := m.store.SaveProfile(p); err != nil {
			return nil, err
		}
		logging.Permit("minted default permission profile for %s", userID)
	} else if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.profiles[userID] = &cachedProfile{profile: p, fetchedAt: time.Now()}
	m.mu.Unlock()
	return p, nil
}

// SetProfile saves a grant and drops the cached copy.
func (m *Manager) SetProfile(p *Profile) error {
	if err := m.store.SaveProfile(p); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.profiles, p.UserID)
	m.mu.Unlock()
	return nil
}

// Mark2FAVerified records a completed second-factor challenge for a session.
func (m *Manager) Mark2FAVerified(sessionID string) {
	if sessionID == "" {
		return
	}
	m.sessionMu.Lock()
	m.verified[sessionID] = time.Now().Add(twoFactorTTL)
	m.sessionMu.Unlock()
}

func (m *Manager) is2FAVerified(sessionID string) bool {
	if sessionID == "" {
		return false
	}
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()
	expiry, ok := m.verified[sessionID]
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		delete(m.verified, sessionID)
		return false
	}
	return true
}

// Authorize decides one write request and appends the decision to the audit
// log before returning. A failed audit append blocks the operation: the
// returned error wraps ErrAuditUnavailable and the caller must not mutate.
func (m *Manager) Authorize(req *Request) (*Decision, error) {
	timer := logging.StartTimer(logging.CategoryPermit, "Manager.Authorize")
	defer timer.Stop()

	if req.UserID == "" {
		return nil, &types.ValidationError{Field: "user_id", Reason: "authorization requires a user id"}
	}
	if !req.Op.Valid() {
		return nil, &types.ValidationError{Field: "op", Reason: fmt.Sprintf("unknown operation %q", req.Op)}
	}

	profile, err := m.Profile(req.UserID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	risk := Assess(req.Op, req.Data, profile, now)
	dec := &Decision{Allowed: true, Reason: "permission granted", Risk: risk}

	deny := func(reason, required string) {
		dec.Allowed = false
		dec.Reason = reason
		dec.RequiredAction = required
	}

	switch {
	case profile.Level == types.PermNone:
		deny("no write permissions", "a write permission grant")
	case profile.Level == types.PermReadOnly:
		deny("read-only access", "a write permission grant")
	case !profile.Allows(req.Op):
		deny(fmt.Sprintf("operation %q not permitted", req.Op), "an allowed-operations grant")
	case now.Before(profile.ValidFrom):
		deny("permissions not yet active", "waiting for the grant window")
	case profile.ValidUntil != nil && now.After(*profile.ValidUntil):
		deny("permissions expired", "a renewed grant")
	}

	if dec.Allowed {
		midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		count, err := m.store.CountAuditSince(req.UserID, midnight)
		if err != nil {
			return nil, err
		}
		if count >= profile.DailyOpLimit {
			deny(fmt.Sprintf("daily operation limit exceeded (%d)", profile.DailyOpLimit), "waiting for the next window")
		}
	}

	if dec.Allowed && req.Data.EstimatedAffected > profile.BatchSizeLimit {
		deny(fmt.Sprintf("batch size limit exceeded (%d > %d)",
			req.Data.EstimatedAffected, profile.BatchSizeLimit), "a smaller batch")
	}

	if dec.Allowed {
		switch risk.Level {
		case types.RiskCritical:
			if profile.Level != types.PermAdmin {
				deny("admin permissions required for critical operations", "admin access")
			}
		case types.RiskHigh:
			if !profile.Level.AtLeast(types.PermWriteFull) {
				deny("full write permissions required for high-risk operations", "write_full access")
			}
		}
	}

	if dec.Allowed && needs2FA(profile, risk, req.Data) && !m.is2FAVerified(req.Context.SessionID) {
		deny("two-factor authentication required", "a verified second factor on this session")
	}

	outcome := OutcomeDenied
	if dec.Allowed {
		outcome = OutcomeAuthorized
		if req.DryRun {
			outcome = OutcomePreviewed
		}
	}
	entry := &AuditEntry{
		UserID:        req.UserID,
		Op:            req.Op,
		Risk:          risk.Level,
		RiskScore:     risk.Score,
		Flags:         risk.Flags,
		Outcome:       outcome,
		AffectedCount: 0,
		SourceApp:     req.Context.SourceApp,
		SessionID:     req.Context.SessionID,
		IPAddress:     req.Context.IPAddress,
		Intent:        req.Intent,
		RequestedAt:   now,
	}
	if err := m.store.AppendAudit(entry); err != nil {
		logging.AuditError("audit append blocked %s %s for %s: %v", req.Op, outcome, req.UserID, err)
		return nil, err
	}
	dec.AuditID = entry.ID

	result := "allowed"
	if !dec.Allowed {
		result = "denied"
	}
	metrics.PermissionDecisionsTotal.WithLabelValues(string(risk.Level), result).Inc()
	logging.Permit("authorize user=%s op=%s risk=%s score=%.2f flags=%v allowed=%v reason=%q",
		req.UserID, req.Op, risk.Level, risk.Score, risk.Flags, dec.Allowed, dec.Reason)
	return dec, nil
}

// needs2FA: profiles that demand a second factor need it on high and
// critical risk; critical hard deletes always need it.
func needs2FA(profile *Profile, risk Assessment, data OpData) bool {
	highRisk := risk.Level == types.RiskHigh || risk.Level == types.RiskCritical
	if profile.Require2FA && highRisk {
		return true
	}
	return risk.Level == types.RiskCritical && data.HardDelete
}

// Complete records the execution result on an authorized decision.
func (m *Manager) Complete(auditID string, status types.Status, affected int, duration time.Duration) error {
	outcome := OutcomeFailed
	switch status {
	case types.StatusSuccess:
		outcome = OutcomeSuccess
	case types.StatusPartial:
		outcome = OutcomePartial
	}
	return m.store.CompleteAudit(auditID, outcome, affected, duration)
}

// History returns the user's recent audit entries, newest first.
func (m *Manager) History(userID string, limit int) ([]*AuditEntry, error) {
	return m.store.RecentAudit(userID, limit)
}
