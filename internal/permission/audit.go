package permission

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"engram/internal/logging"
	"engram/internal/types"
)

// Audit outcomes. A decision row starts as denied, previewed, or authorized;
// authorized rows are completed in place with the execution result.
const (
	OutcomeDenied     = "denied"
	OutcomePreviewed  = "previewed"
	OutcomeAuthorized = "authorized"
	OutcomeSuccess    = "success"
	OutcomePartial    = "partial"
	OutcomeFailed     = "failed"
)

// AuditEntry is one authorization decision and, once executed, its result.
type AuditEntry struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	Op            types.OpType    `json:"op"`
	Risk          types.RiskLevel `json:"risk"`
	RiskScore     float64         `json:"risk_score"`
	Flags         []string        `json:"flags,omitempty"`
	Outcome       string          `json:"outcome"`
	AffectedCount int             `json:"affected_count"`
	Duration      time.Duration   `json:"duration"`
	SourceApp     string          `json:"source_app,omitempty"`
	SessionID     string          `json:"session_id,omitempty"`
	IPAddress     string          `json:"ip_address,omitempty"`
	Intent        string          `json:"intent,omitempty"`
	RequestedAt   time.Time       `json:"requested_at"`
	ExecutedAt    *time.Time      `json:"executed_at,omitempty"`
}

// AppendAudit writes one decision row. It must succeed before the covered
// mutation proceeds; failures surface as ErrAuditUnavailable so callers
// fail closed.
func (s *Store) AppendAudit(e *AuditEntry) error {
	timer := logging.StartTimer(logging.CategoryAudit, "Store.AppendAudit")
	defer timer.Stop()

	if e.ID == "" {
		e.ID = types.NewAuditID()
	}
	if e.RequestedAt.IsZero() {
		e.RequestedAt = time.Now().UTC()
	}
	flags, err := json.Marshal(e.Flags)
	if err != nil {
		return fmt.Errorf("failed to encode audit flags: %v: %w", err, types.ErrAuditUnavailable)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(`
		INSERT INTO audit_log
			(log_id, user_id, op, risk_level, risk_score, flags, outcome,
			 affected_count, duration_ms, source_app, session_id, ip_address,
			 intent, requested_epoch)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, string(e.Op), string(e.Risk), e.RiskScore, string(flags),
		e.Outcome, e.AffectedCount, float64(e.Duration)/float64(time.Millisecond),
		e.SourceApp, e.SessionID, e.IPAddress, e.Intent, e.RequestedAt.Unix())
	if err != nil {
		return fmt.Errorf("audit append failed: %v: %w", err, types.ErrAuditUnavailable)
	}
	return nil
}

// CompleteAudit records the execution result on an authorized decision row.
// The decision itself never changes; only the execution columns fill in.
func (s *Store) CompleteAudit(id, outcome string, affected int, duration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`
		UPDATE audit_log
		SET outcome = ?, affected_count = ?, duration_ms = ?, executed_epoch = ?
		WHERE log_id = ?`,
		outcome, affected, float64(duration)/float64(time.Millisecond),
		time.Now().UTC().Unix(), id)
	if err != nil {
		return fmt.Errorf("audit completion failed for %s: %v: %w", id, err, types.ErrAuditUnavailable)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("audit entry %s: %w", id, types.ErrNotFound)
	}
	return nil
}

// RecentAudit returns a user's newest audit entries, newest first.
func (s *Store) RecentAudit(userID string, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT log_id, user_id, op, risk_level, risk_score, flags, outcome,
		       affected_count, duration_ms, source_app, session_id, ip_address,
		       intent, requested_epoch, executed_epoch
		FROM audit_log WHERE user_id = ?
		ORDER BY requested_epoch DESC, log_id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log for %s: %w", userID, err)
	}
	defer rows.Close()

	var out []*AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetAudit loads one audit entry by id.
func (s *Store) GetAudit(id string) (*AuditEntry, error) {
	row := s.db.QueryRow(`
		SELECT log_id, user_id, op, risk_level, risk_score, flags, outcome,
		       affected_count, duration_ms, source_app, session_id, ip_address,
		       intent, requested_epoch, executed_epoch
		FROM audit_log WHERE log_id = ?`, id)
	e, err := scanAuditEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("audit entry %s: %w", id, types.ErrNotFound)
	}
	return e, err
}

// CountAuditSince counts a user's decisions recorded at or after since.
// Denied attempts count too: the daily budget meters requests, not wins.
func (s *Store) CountAuditSince(userID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM audit_log WHERE user_id = ? AND requested_epoch >= ?`,
		userID, since.Unix()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count audit entries for %s: %w", userID, err)
	}
	return n, nil
}

// PruneAuditBefore drops entries older than cutoff. Used by the rotation
// worker; the live window stays immutable.
func (s *Store) PruneAuditBefore(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`DELETE FROM audit_log WHERE requested_epoch < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("audit rotation failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Audit("audit rotation pruned %d entries before %s", n, cutoff.Format(time.RFC3339))
	}
	return int(n), nil
}

// scanner covers both sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanAuditEntry(row scanner) (*AuditEntry, error) {
	var (
		e          AuditEntry
		op, risk   string
		flags      string
		durationMS float64
		reqEpoch   int64
		execEpoch  sql.NullInt64
	)
	err := row.Scan(&e.ID, &e.UserID, &op, &risk, &e.RiskScore, &flags, &e.Outcome,
		&e.AffectedCount, &durationMS, &e.SourceApp, &e.SessionID, &e.IPAddress,
		&e.Intent, &reqEpoch, &execEpoch)
	if err != nil {
		return nil, err
	}
	e.Op = types.OpType(op)
	e.Risk = types.RiskLevel(risk)
	e.Duration = time.Duration(durationMS * float64(time.Millisecond))
	e.RequestedAt = time.Unix(reqEpoch, 0).UTC()
	if execEpoch.Valid {
		t := time.Unix(execEpoch.Int64, 0).UTC()
		e.ExecutedAt = &t
	}
	if flags != "" && flags != "null" {
		if err := json.Unmarshal([]byte(flags), &e.Flags); err != nil {
			return nil, fmt.Errorf("failed to decode audit flags for %s: %w", e.ID, err)
		}
	}
	return &e, nil
}
