package write

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engram/internal/embedding"
	"engram/internal/enrich"
	"engram/internal/permission"
	"engram/internal/profile"
	"engram/internal/store"
	"engram/internal/types"
	"engram/internal/validate"
)

type writeFixture struct {
	records  *store.Tiered
	perms    *permission.Manager
	backups  *BackupStore
	profiles *profile.Store
	deps     Deps
	exec     *Executor
}

func newTestExecutor(t *testing.T) *writeFixture {
	t.Helper()
	dir := t.TempDir()

	records, err := store.NewTiered(store.Options{
		HotPath:     filepath.Join(dir, "hot.db"),
		WarmPath:    filepath.Join(dir, "warm.db"),
		ColdDir:     filepath.Join(dir, "cold"),
		HotTTL:      7 * 24 * time.Hour,
		HotCapacity: 1000,
		CacheSize:   100,
		CacheTTL:    time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { records.Close() })

	permStore, err := permission.NewStore(filepath.Join(dir, "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { permStore.Close() })

	backups, err := NewBackupStore(filepath.Join(dir, "backups.db"), 24*time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { backups.Close() })

	profStore, err := profile.NewStore(filepath.Join(dir, "profile.db"))
	require.NoError(t, err)
	t.Cleanup(func() { profStore.Close() })

	engine, err := embedding.NewHashEngine(16)
	require.NoError(t, err)

	deps := Deps{
		Records:  records,
		Perms:    permission.NewManager(permStore),
		Enricher: enrich.NewPipeline(engine),
		Profiles: profile.NewSynthesizer(profStore, profile.NewCache(time.Minute), profile.SynthesizerOptions{}),
		Backups:  backups,
	}
	return &writeFixture{
		records:  records,
		perms:    deps.Perms,
		backups:  backups,
		profiles: profStore,
		deps:     deps,
		exec:     NewExecutor(deps, Options{}),
	}
}

// grantFull upgrades a user past the minted default so high and critical
// operations are reachable in tests.
func grantFull(t *testing.T, f *writeFixture, userID string, level types.PermissionLevel) {
	t.Helper()
	p := permission.DefaultProfile(userID)
	p.Level = level
	p.AllowedOps = nil
	p.DailyOpLimit = 1000
	p.BatchSizeLimit = 500
	require.NoError(t, f.perms.SetProfile(p))
}

func testCallCtx() permission.CallContext {
	return permission.CallContext{SourceApp: "chatgpt", SessionID: "sess-1", IPAddress: "127.0.0.1"}
}

func testDraft(userID, highlight string, tags ...string) *validate.Submission {
	return &validate.Submission{
		UserID:    userID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Source:    "browser_extension",
		Highlight: highlight,
		Address:   "https://example.com/article",
		Tags:      tags,
		Access:    "private",
	}
}

func seedRecord(t *testing.T, f *writeFixture, id, userID, highlight, note string, tags ...string) *types.Record {
	t.Helper()
	now := time.Now().UTC()
	rec := &types.Record{
		ID:        id,
		UserID:    userID,
		Timestamp: now.Add(-24 * time.Hour),
		Source:    "browser_extension",
		Highlight: highlight,
		Note:      note,
		Address:   "https://example.com/" + id,
		Tags:      validate.NormalizeTags(tags),
		Access:    types.AccessPrivate,
		Quality:   0.5,
		Attention: 0.4,
		CreatedAt: now.Add(-24 * time.Hour),
		UpdatedAt: now.Add(-24 * time.Hour),
	}
	rec.Influence = types.ComputeInfluence(rec.Quality, rec.Attention)
	require.NoError(t, f.records.Put(rec))
	return rec
}

func auditFor(t *testing.T, f *writeFixture, userID, auditID string) *permission.AuditEntry {
	t.Helper()
	entries, err := f.perms.History(userID, 50)
	require.NoError(t, err)
	for _, e := range entries {
		if e.ID == auditID {
			return e
		}
	}
	t.Fatalf("audit entry %s not found", auditID)
	return nil
}

func TestExecute_CreatePersistsAndDerives(t *testing.T) {
	f := newTestExecutor(t)

	res, err := f.exec.Execute(context.Background(), &Op{
		UserID:  "alice",
		Type:    types.OpCreate,
		Intent:  "save article",
		Draft:   testDraft("alice", "Learn Rust ownership and borrowing with this tutorial", "rust"),
		Context: testCallCtx(),
	})
	require.NoError(t, err)

	assert.Equal(t, types.StatusSuccess, res.Status)
	assert.Equal(t, 1, res.AffectedCount)
	assert.Equal(t, 1, res.MatchedCount)
	require.Len(t, res.Items, 1)

	rec, err := f.records.Get(res.Items[0].ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"rust"}, rec.Tags)
	assert.NotNil(t, rec.Semantic)
	assert.NotEmpty(t, rec.Embedding)
	assert.Greater(t, rec.Quality, 0.0)
	assert.GreaterOrEqual(t, rec.Influence, 0.05)
	assert.Equal(t, types.TierHot, rec.Tier)

	entry := auditFor(t, f, "alice", res.AuditID)
	assert.Equal(t, types.OpCreate, entry.Op)
	assert.Equal(t, permission.OutcomeSuccess, entry.Outcome)
	assert.Equal(t, 1, entry.AffectedCount)
	assert.Equal(t, "save article", entry.Intent)

	// The learning vocabulary in the highlight feeds the profile.
	comps, err := f.profiles.UserComponents("alice", false)
	require.NoError(t, err)
	assert.NotEmpty(t, comps)
}

func TestExecute_CreateDryRunPreviewsWithoutPersisting(t *testing.T) {
	f := newTestExecutor(t)

	res, err := f.exec.Execute(context.Background(), &Op{
		UserID:  "alice",
		Type:    types.OpCreate,
		DryRun:  true,
		Draft:   testDraft("alice", "A preview draft", "Mixed", "CASE"),
		Context: testCallCtx(),
	})
	require.NoError(t, err)

	assert.True(t, res.DryRun)
	assert.Equal(t, types.StatusSuccess, res.Status)
	assert.Equal(t, 1, res.MatchedCount)
	require.Len(t, res.Sample, 1)
	assert.Equal(t, []string{"case", "mixed"}, res.Sample[0].Tags)

	live, _ := f.records.QueryRecordsByFilter(&types.Filter{UserID: "alice"})
	assert.Empty(t, live)

	entry := auditFor(t, f, "alice", res.AuditID)
	assert.Equal(t, permission.OutcomePreviewed, entry.Outcome)
}

func TestExecute_CreateRejectsMalformedDraftBeforeAudit(t *testing.T) {
	f := newTestExecutor(t)

	draft := testDraft("alice", "valid highlight")
	draft.Address = ""
	_, err := f.exec.Execute(context.Background(), &Op{
		UserID: "alice", Type: types.OpCreate, Draft: draft, Context: testCallCtx(),
	})
	require.Error(t, err)
	_, ok := types.AsValidation(err)
	assert.True(t, ok)

	entries, err := f.perms.History("alice", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestExecute_CreateConflictsWithAnyExistingID(t *testing.T) {
	f := newTestExecutor(t)
	seedRecord(t, f, "rec-own", "alice", "mine", "")
	seedRecord(t, f, "rec-other", "bob", "theirs", "")

	for _, id := range []string{"rec-own", "rec-other"} {
		draft := testDraft("alice", "replacement attempt")
		draft.ID = id
		_, err := f.exec.Execute(context.Background(), &Op{
			UserID: "alice", Type: types.OpCreate, Draft: draft, Context: testCallCtx(),
		})
		assert.ErrorIs(t, err, types.ErrConflict, "id %s", id)
	}

	// Bob's record survived the collision attempt untouched.
	rec, err := f.records.Get("rec-other", "bob")
	require.NoError(t, err)
	assert.Equal(t, "theirs", rec.Highlight)
}

func TestExecute_UpdatePatchesAndRederives(t *testing.T) {
	f := newTestExecutor(t)
	seedRecord(t, f, "rec-1", "alice", "kubernetes operators", "old note", "k8s")

	note := "rewritten note about controller reconciliation"
	res, err := f.exec.Execute(context.Background(), &Op{
		UserID:   "alice",
		Type:     types.OpUpdate,
		TargetID: "rec-1",
		Patch:    &Patch{Note: &note, Tags: []string{"controllers"}, MergeTags: true},
		Context:  testCallCtx(),
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusSuccess, res.Status)
	assert.Equal(t, 1, res.AffectedCount)

	rec, err := f.records.Get("rec-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, note, rec.Note)
	assert.Equal(t, []string{"controllers", "k8s"}, rec.Tags)
	assert.NotNil(t, rec.Semantic, "content change re-runs enrichment")
	assert.NotNil(t, rec.AttentionMetrics)
	assert.WithinDuration(t, time.Now(), rec.UpdatedAt, 5*time.Second)

	snap, err := f.backups.Get(res.OperationID)
	require.NoError(t, err)
	require.Len(t, snap.Records, 1)
	assert.Equal(t, "old note", snap.Records[0].Note)
}

func TestExecute_UpdatePreserveDerivedSkipsEnrichment(t *testing.T) {
	f := newTestExecutor(t)
	seedRecord(t, f, "rec-1", "alice", "some highlight", "original")

	note := "edited"
	_, err := f.exec.Execute(context.Background(), &Op{
		UserID:   "alice",
		Type:     types.OpUpdate,
		TargetID: "rec-1",
		Patch:    &Patch{Note: &note, PreserveDerived: true},
		Context:  testCallCtx(),
	})
	require.NoError(t, err)

	rec, err := f.records.Get("rec-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, "edited", rec.Note)
	assert.Nil(t, rec.Semantic, "derived fields stay as they were")
	assert.Empty(t, rec.Embedding)
}

func TestExecute_UpdateMissingTargetFailsClosed(t *testing.T) {
	f := newTestExecutor(t)

	note := "whatever"
	_, err := f.exec.Execute(context.Background(), &Op{
		UserID:   "alice",
		Type:     types.OpUpdate,
		TargetID: "rec-ghost",
		Patch:    &Patch{Note: &note},
		Context:  testCallCtx(),
	})
	assert.ErrorIs(t, err, types.ErrNotFound)

	// The decision was authorized; the execution result says failed.
	entries, err := f.perms.History("alice", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, permission.OutcomeFailed, entries[0].Outcome)
	assert.Equal(t, 0, entries[0].AffectedCount)
}

func TestExecute_SoftDeleteTombstones(t *testing.T) {
	f := newTestExecutor(t)
	grantFull(t, f, "alice", types.PermWriteFull)
	seedRecord(t, f, "rec-1", "alice", "to be removed", "")

	res, err := f.exec.Execute(context.Background(), &Op{
		UserID:  "alice",
		Type:    types.OpDelete,
		IDs:     []string{"rec-1"},
		Context: testCallCtx(),
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusSuccess, res.Status)
	assert.Equal(t, 1, res.AffectedCount)

	_, err = f.records.Get("rec-1", "alice")
	assert.ErrorIs(t, err, types.ErrNotFound)
	ghost, err := f.records.GetAny("rec-1", "alice")
	require.NoError(t, err)
	assert.True(t, ghost.Deleted)

	snap, err := f.backups.Get(res.OperationID)
	require.NoError(t, err)
	require.Len(t, snap.Records, 1)
	assert.False(t, snap.Records[0].Deleted)

	// Deleting a tombstone again is a per-item no-op, not an error.
	res2, err := f.exec.Execute(context.Background(), &Op{
		UserID: "alice", Type: types.OpDelete, IDs: []string{"rec-1"}, Context: testCallCtx(),
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusSuccess, res2.Status)
}

func TestExecute_HardDeleteDemandsTwoFactor(t *testing.T) {
	f := newTestExecutor(t)
	grantFull(t, f, "alice", types.PermAdmin)
	seedRecord(t, f, "rec-1", "alice", "purge me", "")

	op := &Op{
		UserID:  "alice",
		Type:    types.OpDelete,
		IDs:     []string{"rec-1"},
		Hard:    true,
		Context: testCallCtx(),
	}
	_, err := f.exec.Execute(context.Background(), op)
	require.ErrorIs(t, err, types.ErrPermissionDenied)
	var perr *types.PermissionError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Reason, "two-factor")

	f.perms.Mark2FAVerified("sess-1")
	res, err := f.exec.Execute(context.Background(), op)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSuccess, res.Status)

	_, err = f.records.GetAny("rec-1", "alice")
	assert.ErrorIs(t, err, types.ErrNotFound)

	// The purged record survives in the operation snapshot.
	snap, err := f.backups.Get(res.OperationID)
	require.NoError(t, err)
	require.Len(t, snap.Records, 1)
	assert.Equal(t, "purge me", snap.Records[0].Highlight)
}

func TestExecute_DeleteReportsMissingPerItem(t *testing.T) {
	f := newTestExecutor(t)
	grantFull(t, f, "alice", types.PermWriteFull)
	seedRecord(t, f, "rec-1", "alice", "real", "")

	res, err := f.exec.Execute(context.Background(), &Op{
		UserID:  "alice",
		Type:    types.OpDelete,
		IDs:     []string{"rec-1", "rec-ghost"},
		Context: testCallCtx(),
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusPartial, res.Status)
	assert.Equal(t, 1, res.AffectedCount)
	require.Len(t, res.Items, 2)

	byID := map[string]ItemResult{}
	for _, it := range res.Items {
		byID[it.ID] = it
	}
	assert.Equal(t, types.StatusSuccess, byID["rec-1"].Status)
	assert.Equal(t, types.StatusFailed, byID["rec-ghost"].Status)
	assert.Contains(t, byID["rec-ghost"].Error, "not found")
}

func TestExecute_BulkTagUnionsAcrossMatches(t *testing.T) {
	f := newTestExecutor(t)
	grantFull(t, f, "alice", types.PermWriteFull)
	seedRecord(t, f, "rec-1", "alice", "one", "", "work")
	seedRecord(t, f, "rec-2", "alice", "two", "", "work", "urgent")
	seedRecord(t, f, "rec-3", "alice", "three", "", "personal")

	res, err := f.exec.Execute(context.Background(), &Op{
		UserID:  "alice",
		Type:    types.OpBulkTag,
		Filter:  &types.Filter{Tags: []string{"work"}},
		Tags:    []string{"Q3"},
		Context: testCallCtx(),
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusSuccess, res.Status)
	assert.Equal(t, 2, res.MatchedCount)
	assert.Equal(t, 2, res.AffectedCount)

	rec1, err := f.records.Get("rec-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"q3", "work"}, rec1.Tags)
	rec2, err := f.records.Get("rec-2", "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"q3", "urgent", "work"}, rec2.Tags)

	rec3, err := f.records.Get("rec-3", "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"personal"}, rec3.Tags, "unmatched records stay untouched")
}

func TestExecute_BulkRetagReplacesTagSet(t *testing.T) {
	f := newTestExecutor(t)
	grantFull(t, f, "alice", types.PermWriteFull)
	seedRecord(t, f, "rec-1", "alice", "one", "", "work", "stale", "old")

	res, err := f.exec.Execute(context.Background(), &Op{
		UserID:  "alice",
		Type:    types.OpBulkRetag,
		Filter:  &types.Filter{Tags: []string{"stale"}},
		Tags:    []string{"archive"},
		Context: testCallCtx(),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.AffectedCount)

	rec, err := f.records.Get("rec-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"archive"}, rec.Tags)
}

func TestExecute_BatchUpdateAppliesPatchToMatches(t *testing.T) {
	f := newTestExecutor(t)
	grantFull(t, f, "alice", types.PermWriteFull)
	seedRecord(t, f, "rec-1", "alice", "one", "", "project")
	seedRecord(t, f, "rec-2", "alice", "two", "", "project")

	shared := types.AccessShared
	res, err := f.exec.Execute(context.Background(), &Op{
		UserID:  "alice",
		Type:    types.OpBatchUpdate,
		Filter:  &types.Filter{Tags: []string{"project"}},
		Patch:   &Patch{Access: &shared},
		Context: testCallCtx(),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.AffectedCount)

	for _, id := range []string{"rec-1", "rec-2"} {
		rec, err := f.records.Get(id, "alice")
		require.NoError(t, err)
		assert.Equal(t, types.AccessShared, rec.Access)
	}
}

func TestExecute_BulkDryRunSamplesWithoutMutating(t *testing.T) {
	f := newTestExecutor(t)
	grantFull(t, f, "alice", types.PermWriteFull)
	for i := 0; i < 7; i++ {
		seedRecord(t, f, "rec-"+string(rune('a'+i)), "alice", "item", "", "work")
	}

	res, err := f.exec.Execute(context.Background(), &Op{
		UserID:  "alice",
		Type:    types.OpBulkTag,
		DryRun:  true,
		Filter:  &types.Filter{Tags: []string{"work"}},
		Tags:    []string{"urgent"},
		Context: testCallCtx(),
	})
	require.NoError(t, err)
	assert.Equal(t, 7, res.MatchedCount)
	assert.Len(t, res.Sample, 5)
	assert.Zero(t, res.AffectedCount)

	rec, err := f.records.Get("rec-a", "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"work"}, rec.Tags)
}

func TestExecute_BatchLimitDeniesBeforeMutation(t *testing.T) {
	f := newTestExecutor(t)
	p := permission.DefaultProfile("alice")
	p.Level = types.PermWriteFull
	p.AllowedOps = nil
	p.BatchSizeLimit = 2
	require.NoError(t, f.perms.SetProfile(p))

	for _, id := range []string{"rec-1", "rec-2", "rec-3"} {
		seedRecord(t, f, id, "alice", "item", "", "work")
	}

	_, err := f.exec.Execute(context.Background(), &Op{
		UserID:  "alice",
		Type:    types.OpBulkTag,
		Filter:  &types.Filter{Tags: []string{"work"}},
		Tags:    []string{"urgent"},
		Context: testCallCtx(),
	})
	require.ErrorIs(t, err, types.ErrPermissionDenied)

	rec, err := f.records.Get("rec-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"work"}, rec.Tags)
}

func TestExecute_MatchCeilingRejectsWithoutAudit(t *testing.T) {
	f := newTestExecutor(t)
	tight := NewExecutor(f.deps, Options{MaxEstimatedMatches: 2})
	grantFull(t, f, "alice", types.PermWriteFull)
	for _, id := range []string{"rec-1", "rec-2", "rec-3"} {
		seedRecord(t, f, id, "alice", "item", "", "work")
	}

	_, err := tight.Execute(context.Background(), &Op{
		UserID:  "alice",
		Type:    types.OpBulkTag,
		Filter:  &types.Filter{Tags: []string{"work"}},
		Tags:    []string{"urgent"},
		Context: testCallCtx(),
	})
	require.ErrorIs(t, err, types.ErrBatchTooLarge)

	entries, err := f.perms.History("alice", 10)
	require.NoError(t, err)
	assert.Empty(t, entries, "rejected before any authorization decision")
}

func TestExecute_BulkCancellationStopsRemaining(t *testing.T) {
	f := newTestExecutor(t)
	grantFull(t, f, "alice", types.PermWriteFull)
	for _, id := range []string{"rec-1", "rec-2", "rec-3"} {
		seedRecord(t, f, id, "alice", "item", "", "work")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := f.exec.Execute(ctx, &Op{
		UserID:    "alice",
		Type:      types.OpBulkTag,
		Filter:    &types.Filter{Tags: []string{"work"}},
		Tags:      []string{"urgent"},
		BatchSize: 1,
		Context:   testCallCtx(),
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, res.Status)
	assert.Zero(t, res.AffectedCount)
	assert.Len(t, res.Items, 3)
	assert.NotEmpty(t, res.Warnings)

	rec, err := f.records.Get("rec-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"work"}, rec.Tags)
}

func TestExecute_MergeFoldsIntoFirst(t *testing.T) {
	f := newTestExecutor(t)
	grantFull(t, f, "alice", types.PermWriteFull)
	seedRecord(t, f, "rec-a", "alice", "survivor highlight", "first note", "alpha")
	seedRecord(t, f, "rec-b", "alice", "absorbed highlight", "second note", "beta")

	res, err := f.exec.Execute(context.Background(), &Op{
		UserID:  "alice",
		Type:    types.OpMerge,
		IDs:     []string{"rec-a", "rec-b"},
		Context: testCallCtx(),
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusSuccess, res.Status)
	assert.Equal(t, 2, res.AffectedCount)

	survivor, err := f.records.Get("rec-a", "alice")
	require.NoError(t, err)
	assert.Equal(t, "survivor highlight", survivor.Highlight)
	assert.Contains(t, survivor.Note, "first note")
	assert.Contains(t, survivor.Note, "absorbed highlight")
	assert.Contains(t, survivor.Note, "second note")
	assert.Equal(t, []string{"alpha", "beta"}, survivor.Tags)

	_, err = f.records.Get("rec-b", "alice")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestExecute_MergeMissingInputAbortsWhole(t *testing.T) {
	f := newTestExecutor(t)
	grantFull(t, f, "alice", types.PermWriteFull)
	seedRecord(t, f, "rec-a", "alice", "survivor", "note", "alpha")

	_, err := f.exec.Execute(context.Background(), &Op{
		UserID:  "alice",
		Type:    types.OpMerge,
		IDs:     []string{"rec-a", "rec-ghost"},
		Context: testCallCtx(),
	})
	require.ErrorIs(t, err, types.ErrNotFound)

	rec, err := f.records.Get("rec-a", "alice")
	require.NoError(t, err)
	assert.Equal(t, "note", rec.Note, "nothing mutated")
}

func TestExecute_SplitCarvesChildren(t *testing.T) {
	f := newTestExecutor(t)
	grantFull(t, f, "alice", types.PermWriteFull)
	parent := seedRecord(t, f, "rec-p", "alice", "two topics in one clip", "", "mixed")

	res, err := f.exec.Execute(context.Background(), &Op{
		UserID:   "alice",
		Type:     types.OpSplit,
		TargetID: "rec-p",
		Split: &SplitSpec{Parts: []SplitPart{
			{Highlight: "first topic", Tags: []string{"topic-one"}},
			{Highlight: "second topic"},
		}},
		Context: testCallCtx(),
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusSuccess, res.Status)
	assert.Equal(t, 3, res.AffectedCount, "two children plus the tombstoned parent")

	_, err = f.records.Get("rec-p", "alice")
	assert.ErrorIs(t, err, types.ErrNotFound)

	live, _ := f.records.QueryRecordsByFilter(&types.Filter{UserID: "alice"})
	require.Len(t, live, 2)
	tagsByHighlight := map[string][]string{}
	for _, child := range live {
		assert.Equal(t, parent.Source, child.Source)
		assert.Equal(t, parent.Address, child.Address)
		assert.Equal(t, parent.Timestamp.Unix(), child.Timestamp.Unix())
		tagsByHighlight[child.Highlight] = child.Tags
	}
	assert.Equal(t, []string{"topic-one"}, tagsByHighlight["first topic"])
	assert.Equal(t, []string{"mixed"}, tagsByHighlight["second topic"], "tagless parts inherit the parent tags")
}

func TestExecute_RejectsMalformedOps(t *testing.T) {
	f := newTestExecutor(t)
	note := "x"

	tests := []struct {
		name string
		op   *Op
	}{
		{"missing user", &Op{Type: types.OpCreate, Draft: testDraft("", "x")}},
		{"unknown type", &Op{UserID: "alice", Type: types.OpType("upsert")}},
		{"create without draft", &Op{UserID: "alice", Type: types.OpCreate}},
		{"create for someone else", &Op{UserID: "alice", Type: types.OpCreate, Draft: testDraft("bob", "x")}},
		{"update without patch", &Op{UserID: "alice", Type: types.OpUpdate, TargetID: "rec-1", Patch: &Patch{}}},
		{"update without target", &Op{UserID: "alice", Type: types.OpUpdate, Patch: &Patch{Note: &note}}},
		{"delete without ids", &Op{UserID: "alice", Type: types.OpDelete}},
		{"bulk tag without filter", &Op{UserID: "alice", Type: types.OpBulkTag, Tags: []string{"x"}}},
		{"bulk tag with blank tags", &Op{UserID: "alice", Type: types.OpBulkTag, Filter: &types.Filter{}, Tags: []string{"  "}}},
		{"merge with one id", &Op{UserID: "alice", Type: types.OpMerge, IDs: []string{"rec-1"}}},
		{"split with one part", &Op{UserID: "alice", Type: types.OpSplit, TargetID: "rec-1", Split: &SplitSpec{Parts: []SplitPart{{Highlight: "x"}}}}},
		{"split with blank part", &Op{UserID: "alice", Type: types.OpSplit, TargetID: "rec-1", Split: &SplitSpec{Parts: []SplitPart{{Highlight: "x"}, {}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.exec.Execute(context.Background(), tt.op)
			require.Error(t, err)
			_, ok := types.AsValidation(err)
			assert.True(t, ok, "want validation error, got %v", err)
		})
	}
}

func TestExecute_BatchSizePastHardCapRejected(t *testing.T) {
	f := newTestExecutor(t)

	_, err := f.exec.Execute(context.Background(), &Op{
		UserID:    "alice",
		Type:      types.OpBulkTag,
		Filter:    &types.Filter{Tags: []string{"work"}},
		Tags:      []string{"urgent"},
		BatchSize: 5000,
		Context:   testCallCtx(),
	})
	require.Error(t, err)
	_, ok := types.AsValidation(err)
	assert.True(t, ok)
	assert.Contains(t, err.Error(), "hard cap")
}

func TestRestore_ReappliesSnapshot(t *testing.T) {
	f := newTestExecutor(t)
	grantFull(t, f, "alice", types.PermWriteFull)
	seedRecord(t, f, "rec-1", "alice", "precious", "keep me", "keep")

	del, err := f.exec.Execute(context.Background(), &Op{
		UserID: "alice", Type: types.OpDelete, IDs: []string{"rec-1"}, Context: testCallCtx(),
	})
	require.NoError(t, err)
	_, err = f.records.Get("rec-1", "alice")
	require.ErrorIs(t, err, types.ErrNotFound)

	res, err := f.exec.Restore(context.Background(), "alice", del.OperationID, testCallCtx())
	require.NoError(t, err)
	assert.Equal(t, types.StatusSuccess, res.Status)
	assert.Equal(t, 1, res.AffectedCount)

	rec, err := f.records.Get("rec-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, "precious", rec.Highlight)
	assert.False(t, rec.Deleted)
}

func TestRestore_ForeignSnapshotReadsAsMissing(t *testing.T) {
	f := newTestExecutor(t)
	grantFull(t, f, "alice", types.PermWriteFull)
	grantFull(t, f, "mallory", types.PermWriteFull)
	seedRecord(t, f, "rec-1", "alice", "precious", "")

	del, err := f.exec.Execute(context.Background(), &Op{
		UserID: "alice", Type: types.OpDelete, IDs: []string{"rec-1"}, Context: testCallCtx(),
	})
	require.NoError(t, err)

	_, err = f.exec.Restore(context.Background(), "mallory", del.OperationID, testCallCtx())
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestExecute_DeniedOpLeavesNoTrace(t *testing.T) {
	f := newTestExecutor(t)
	// The minted default is write_limited: delete is off the whitelist.
	seedRecord(t, f, "rec-1", "alice", "protected", "")

	_, err := f.exec.Execute(context.Background(), &Op{
		UserID: "alice", Type: types.OpDelete, IDs: []string{"rec-1"}, Context: testCallCtx(),
	})
	require.ErrorIs(t, err, types.ErrPermissionDenied)

	rec, err := f.records.Get("rec-1", "alice")
	require.NoError(t, err)
	assert.False(t, rec.Deleted)

	entries, err := f.perms.History("alice", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, permission.OutcomeDenied, entries[0].Outcome)
}

func TestPatch_ContentChangeDetection(t *testing.T) {
	rec := &types.Record{Highlight: "h", Note: "n", Address: "a", Tags: []string{"t"}}

	same := "n"
	assert.False(t, (&Patch{Note: &same}).Apply(rec.Clone()), "no-op patch reports no change")

	edited := "different"
	assert.True(t, (&Patch{Note: &edited}).Apply(rec.Clone()))

	shared := types.AccessShared
	assert.False(t, (&Patch{Access: &shared}).Apply(rec.Clone()), "access is not content-bearing")

	assert.True(t, (&Patch{Tags: []string{"other"}}).Apply(rec.Clone()))
}

func TestExecute_UpdateScopedToOwner(t *testing.T) {
	f := newTestExecutor(t)
	seedRecord(t, f, "rec-1", "bob", "bobs record", "")

	note := "hijacked"
	_, err := f.exec.Execute(context.Background(), &Op{
		UserID:   "alice",
		Type:     types.OpUpdate,
		TargetID: "rec-1",
		Patch:    &Patch{Note: &note},
		Context:  testCallCtx(),
	})
	assert.ErrorIs(t, err, types.ErrNotFound)

	rec, err := f.records.Get("rec-1", "bob")
	require.NoError(t, err)
	assert.Empty(t, rec.Note)
}

func TestExecute_MergedNoteSurvivesRoundTrip(t *testing.T) {
	f := newTestExecutor(t)
	grantFull(t, f, "alice", types.PermWriteFull)
	seedRecord(t, f, "rec-a", "alice", "alpha", strings.Repeat("alpha note ", 3), "a")
	seedRecord(t, f, "rec-b", "alice", "beta", "", "b")

	res, err := f.exec.Execute(context.Background(), &Op{
		UserID:  "alice",
		Type:    types.OpMerge,
		IDs:     []string{"rec-a", "rec-b"},
		Context: testCallCtx(),
	})
	require.NoError(t, err)

	// The snapshot holds both inputs as they were.
	snap, err := f.backups.Get(res.OperationID)
	require.NoError(t, err)
	assert.Len(t, snap.Records, 2)
}
