package permission

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engram/internal/types"
)

func newTestManager(t *testing.T) (*Store, *Manager) {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, NewManager(store)
}

func grant(t *testing.T, m *Manager, userID string, level types.PermissionLevel, mutate func(*Profile)) *Profile {
	t.Helper()
	p := DefaultProfile(userID)
	p.Level = level
	p.AllowedOps = nil
	if mutate != nil {
		mutate(p)
	}
	require.NoError(t, m.SetProfile(p))
	return p
}

func createReq(userID string) *Request {
	return &Request{
		UserID: userID,
		Op:     types.OpCreate,
		Data:   OpData{EstimatedAffected: 1},
		Context: CallContext{
			SourceApp: "chatgpt",
			SessionID: "session_1_" + userID,
			IPAddress: "127.0.0.1",
		},
	}
}

func TestAuthorize_MintsDefaultProfile(t *testing.T) {
	store, m := newTestManager(t)

	dec, err := m.Authorize(createReq("alice"))
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.NotEmpty(t, dec.AuditID)

	p, err := store.GetProfile("alice")
	require.NoError(t, err)
	assert.Equal(t, types.PermWriteLimited, p.Level)
	assert.Equal(t, DefaultDailyOpLimit, p.DailyOpLimit)

	entry, err := store.GetAudit(dec.AuditID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAuthorized, entry.Outcome)
	assert.Equal(t, "chatgpt", entry.SourceApp)
}

func TestAuthorize_ReadOnlyDenied(t *testing.T) {
	store, m := newTestManager(t)
	grant(t, m, "alice", types.PermReadOnly, nil)

	dec, err := m.Authorize(createReq("alice"))
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, "read-only access", dec.Reason)
	assert.ErrorIs(t, dec.Err(), types.ErrPermissionDenied)

	entry, err := store.GetAudit(dec.AuditID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDenied, entry.Outcome)
}

func TestAuthorize_WhitelistBlocksDelete(t *testing.T) {
	_, m := newTestManager(t)

	// Default grant allows create, update, bulk_tag only.
	req := createReq("alice")
	req.Op = types.OpDelete
	req.Data.HardDelete = true

	dec, err := m.Authorize(req)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Contains(t, dec.Reason, "not permitted")
	assert.Contains(t, dec.Risk.Flags, FlagHardDelete)

	var perr *types.PermissionError
	require.ErrorAs(t, dec.Err(), &perr)
	assert.Contains(t, perr.Flags, FlagHardDelete)
}

func TestAuthorize_CriticalRequiresAdmin(t *testing.T) {
	_, m := newTestManager(t)
	grant(t, m, "alice", types.PermWriteFull, func(p *Profile) {
		p.BatchSizeLimit = 100
	})

	req := createReq("alice")
	req.Op = types.OpDelete
	req.Data = OpData{EstimatedAffected: 60, HardDelete: true}

	dec, err := m.Authorize(req)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, types.RiskCritical, dec.Risk.Level)
	assert.Contains(t, dec.Reason, "admin permissions required")
}

func TestAuthorize_CriticalHardDeleteNeeds2FA(t *testing.T) {
	_, m := newTestManager(t)
	grant(t, m, "alice", types.PermAdmin, func(p *Profile) {
		p.BatchSizeLimit = 100
	})

	req := createReq("alice")
	req.Op = types.OpDelete
	req.Data = OpData{EstimatedAffected: 60, HardDelete: true}

	dec, err := m.Authorize(req)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Contains(t, dec.Reason, "two-factor")

	m.Mark2FAVerified(req.Context.SessionID)
	dec, err = m.Authorize(req)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
}

func TestAuthorize_2FAOnlyWhenProfileDemands(t *testing.T) {
	_, m := newTestManager(t)

	// merge is high risk; without require_2fa it passes for write_full.
	grant(t, m, "alice", types.PermWriteFull, nil)
	req := createReq("alice")
	req.Op = types.OpMerge

	dec, err := m.Authorize(req)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)

	grant(t, m, "bob", types.PermWriteFull, func(p *Profile) {
		p.Require2FA = true
	})
	req = createReq("bob")
	req.Op = types.OpMerge

	dec, err = m.Authorize(req)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Contains(t, dec.Reason, "two-factor")
}

func TestAuthorize_DailyLimit(t *testing.T) {
	_, m := newTestManager(t)
	grant(t, m, "alice", types.PermWriteFull, func(p *Profile) {
		p.DailyOpLimit = 2
	})

	for i := 0; i < 2; i++ {
		dec, err := m.Authorize(createReq("alice"))
		require.NoError(t, err)
		require.True(t, dec.Allowed)
	}

	dec, err := m.Authorize(createReq("alice"))
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Contains(t, dec.Reason, "daily operation limit")
}

func TestAuthorize_BatchCeiling(t *testing.T) {
	_, m := newTestManager(t)
	grant(t, m, "alice", types.PermWriteFull, func(p *Profile) {
		p.BatchSizeLimit = 50
	})

	req := createReq("alice")
	req.Op = types.OpBulkTag
	req.Data = OpData{EstimatedAffected: 60}

	dec, err := m.Authorize(req)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, "batch size limit exceeded (60 > 50)", dec.Reason)
}

func TestAuthorize_GrantWindow(t *testing.T) {
	_, m := newTestManager(t)

	grant(t, m, "early", types.PermWriteFull, func(p *Profile) {
		p.ValidFrom = time.Now().UTC().Add(24 * time.Hour)
	})
	dec, err := m.Authorize(createReq("early"))
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, "permissions not yet active", dec.Reason)

	grant(t, m, "late", types.PermWriteFull, func(p *Profile) {
		until := time.Now().UTC().Add(-time.Hour)
		p.ValidUntil = &until
	})
	dec, err = m.Authorize(createReq("late"))
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, "permissions expired", dec.Reason)
}

func TestAuthorize_DryRunPreviewed(t *testing.T) {
	store, m := newTestManager(t)

	req := createReq("alice")
	req.DryRun = true

	dec, err := m.Authorize(req)
	require.NoError(t, err)
	require.True(t, dec.Allowed)

	entry, err := store.GetAudit(dec.AuditID)
	require.NoError(t, err)
	assert.Equal(t, OutcomePreviewed, entry.Outcome)
}

func TestAuthorize_OneAuditEntryPerDecision(t *testing.T) {
	_, m := newTestManager(t)
	grant(t, m, "alice", types.PermWriteFull, func(p *Profile) {
		p.DailyOpLimit = 3
	})

	for i := 0; i < 5; i++ {
		_, err := m.Authorize(createReq("alice"))
		require.NoError(t, err)
	}

	// Three allowed, two denied on the daily limit; all five audited.
	entries, err := m.History("alice", 50)
	require.NoError(t, err)
	assert.Len(t, entries, 5)
}

func TestComplete_FillsExecutionResult(t *testing.T) {
	store, m := newTestManager(t)

	dec, err := m.Authorize(createReq("alice"))
	require.NoError(t, err)
	require.True(t, dec.Allowed)

	require.NoError(t, m.Complete(dec.AuditID, types.StatusSuccess, 5, 12*time.Millisecond))

	entry, err := store.GetAudit(dec.AuditID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, entry.Outcome)
	assert.Equal(t, 5, entry.AffectedCount)
	assert.Equal(t, 12*time.Millisecond, entry.Duration)
	assert.NotNil(t, entry.ExecutedAt)
}

func TestSetProfileDropsCache(t *testing.T) {
	_, m := newTestManager(t)

	p, err := m.Profile("alice")
	require.NoError(t, err)
	assert.Equal(t, types.PermWriteLimited, p.Level)

	grant(t, m, "alice", types.PermAdmin, nil)

	p, err = m.Profile("alice")
	require.NoError(t, err)
	assert.Equal(t, types.PermAdmin, p.Level)
}

func TestStore_AuditRoundTrip(t *testing.T) {
	store, _ := newTestManager(t)

	entry := &AuditEntry{
		UserID:      "alice",
		Op:          types.OpBulkTag,
		Risk:        types.RiskMedium,
		RiskScore:   0.6,
		Flags:       []string{FlagSmallBatch},
		Outcome:     OutcomeAuthorized,
		SourceApp:   "chrome",
		SessionID:   "session_1_alice",
		IPAddress:   "10.0.0.1",
		Intent:      "tag my python highlights",
		RequestedAt: time.Now().UTC().Add(-time.Minute),
	}
	require.NoError(t, store.AppendAudit(entry))
	require.NotEmpty(t, entry.ID)

	got, err := store.GetAudit(entry.ID)
	require.NoError(t, err)
	assert.Equal(t, entry.UserID, got.UserID)
	assert.Equal(t, entry.Op, got.Op)
	assert.Equal(t, entry.Flags, got.Flags)
	assert.Equal(t, entry.Intent, got.Intent)
	assert.Nil(t, got.ExecutedAt)
}

func TestStore_CountAndPrune(t *testing.T) {
	store, _ := newTestManager(t)
	now := time.Now().UTC()

	for _, age := range []time.Duration{time.Minute, time.Hour, 100 * 24 * time.Hour} {
		require.NoError(t, store.AppendAudit(&AuditEntry{
			UserID:      "alice",
			Op:          types.OpCreate,
			Risk:        types.RiskLow,
			Outcome:     OutcomeAuthorized,
			RequestedAt: now.Add(-age),
		}))
	}

	n, err := store.CountAuditSince("alice", now.Add(-2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	pruned, err := store.PruneAuditBefore(now.Add(-30 * 24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	entries, err := store.RecentAudit("alice", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
