package index

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engram/internal/embedding"
	"engram/internal/types"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	ix, err := New(Options{
		Path:           filepath.Join(t.TempDir(), "index.db"),
		Dims:           16,
		EnableVector:   true,
		EnableFulltext: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close() })
	return ix
}

func idxRec(id, user, highlight, note string) *types.Record {
	now := time.Now()
	return &types.Record{
		ID:        id,
		UserID:    user,
		Timestamp: now,
		Source:    "browser_extension",
		Highlight: highlight,
		Note:      note,
		Access:    types.AccessPrivate,
		Quality:   0.5,
		Attention: 0.5,
		Influence: 0.5,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func embed(t *testing.T, eng embedding.Engine, text string) []float32 {
	t.Helper()
	vec, err := eng.Embed(context.Background(), text)
	require.NoError(t, err)
	return vec
}

func TestIndex_IndexAndRemove(t *testing.T) {
	ix := newTestIndex(t)

	require.NoError(t, ix.IndexRecord(idxRec("r1", "alice", "machine learning", "notes"), "alice"))
	require.NoError(t, ix.IndexRecord(idxRec("r2", "alice", "pasta recipes", ""), "alice"))

	n, err := ix.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Re-indexing the same id upserts rather than duplicating.
	require.NoError(t, ix.IndexRecord(idxRec("r1", "alice", "deep learning", "notes"), "alice"))
	n, err = ix.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, ix.RemoveRecord("r1"))
	n, err = ix.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Removing a missing id is a no-op.
	require.NoError(t, ix.RemoveRecord("ghost"))
}

func TestIndex_SoftDeletedRecordsAreRemoved(t *testing.T) {
	ix := newTestIndex(t)

	rec := idxRec("r1", "alice", "machine learning", "")
	require.NoError(t, ix.IndexRecord(rec, "alice"))

	rec.Deleted = true
	require.NoError(t, ix.IndexRecord(rec, "alice"))

	n, err := ix.Count()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestIndex_SemanticSearchRanksByCosine(t *testing.T) {
	ix := newTestIndex(t)
	eng, err := embedding.NewHashEngine(16)
	require.NoError(t, err)

	ml := idxRec("ml", "alice", "machine learning models", "")
	ml.Embedding = embed(t, eng, "machine learning models")
	pasta := idxRec("pasta", "alice", "pasta carbonara recipe", "")
	pasta.Embedding = embed(t, eng, "pasta carbonara recipe")
	require.NoError(t, ix.IndexRecord(ml, "alice"))
	require.NoError(t, ix.IndexRecord(pasta, "alice"))

	cands, err := ix.semanticSearch("alice", embed(t, eng, "machine learning models"), 10)
	require.NoError(t, err)
	require.NotEmpty(t, cands)
	assert.Equal(t, "ml", cands[0].id)
	assert.InDelta(t, 1.0, cands[0].score, 1e-6)
}

func TestIndex_SemanticSearchScopesToUser(t *testing.T) {
	ix := newTestIndex(t)
	eng, err := embedding.NewHashEngine(16)
	require.NoError(t, err)

	mine := idxRec("mine", "alice", "distributed systems", "")
	mine.Embedding = embed(t, eng, "distributed systems")
	theirs := idxRec("theirs", "bob", "distributed systems", "")
	theirs.Embedding = embed(t, eng, "distributed systems")
	require.NoError(t, ix.IndexRecord(mine, "alice"))
	require.NoError(t, ix.IndexRecord(theirs, "bob"))

	cands, err := ix.semanticSearch("alice", embed(t, eng, "distributed systems"), 10)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "mine", cands[0].id)
}

func TestIndex_SemanticSearchDisabled(t *testing.T) {
	ix := newTestIndex(t)
	ix.Tune(false, true)

	_, err := ix.semanticSearch("alice", []float32{1, 0}, 10)
	assert.ErrorIs(t, err, types.ErrIndexUnavailable)
}

func TestIndex_FulltextWeighsHighlightDouble(t *testing.T) {
	ix := newTestIndex(t)

	inHighlight := idxRec("hl", "alice", "careful validation of models", "unrelated commentary")
	inNote := idxRec("note", "alice", "something else entirely", "validation needs careful models")
	require.NoError(t, ix.IndexRecord(inHighlight, "alice"))
	require.NoError(t, ix.IndexRecord(inNote, "alice"))

	cands, err := ix.fulltextSearch("alice", "validation models", 10)
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, "hl", cands[0].id)
	assert.Greater(t, cands[0].score, cands[1].score)
	assert.InDelta(t, 1.0, cands[0].score, 1e-6)
	// Note-only matches score half of highlight matches.
	assert.InDelta(t, 0.5, cands[1].score, 1e-6)
}

func TestIndex_FulltextIgnoresPartialWordMatches(t *testing.T) {
	ix := newTestIndex(t)

	require.NoError(t, ix.IndexRecord(idxRec("r1", "alice", "golang concurrency patterns", ""), "alice"))

	// "go" is a substring of "golang" but not a whole token.
	cands, err := ix.fulltextSearch("alice", "go", 10)
	require.NoError(t, err)
	assert.Empty(t, cands)

	cands, err = ix.fulltextSearch("alice", "golang", 10)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "r1", cands[0].id)
}

func TestIndex_FulltextDisabled(t *testing.T) {
	ix := newTestIndex(t)
	ix.Tune(true, false)

	_, err := ix.fulltextSearch("alice", "anything", 10)
	assert.ErrorIs(t, err, types.ErrIndexUnavailable)
}

func TestTokenize(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"Machine Learning!", []string{"machine", "learning"}},
		{"a b c", nil},
		{"cross-validation in k8s", []string{"cross", "validation", "in", "k8s"}},
		{"", nil},
	}
	for _, tt := range tests {
		got := tokenize(tt.in)
		if tt.want == nil {
			assert.Empty(t, got, "tokenize(%q)", tt.in)
		} else {
			assert.Equal(t, tt.want, got, "tokenize(%q)", tt.in)
		}
	}
}
