package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engram/internal/types"
)

func TestKeywordParserRecognition(t *testing.T) {
	p := NewKeywordParser()

	tests := []struct {
		name    string
		input   string
		wantOp  types.OpType
		minConf float64
	}{
		{"plain delete", "delete the broken bookmark", types.OpDelete, 0.9},
		{"delete all boosted", "delete all my records from twitter", types.OpDelete, 1.0},
		{"remove synonym", "remove that old article", types.OpDelete, 0.8},
		{"get rid of folds to delete", "get rid of the stale drafts", types.OpDelete, 0.9},
		{"cleanup maps to delete", "clean up my reading list", types.OpDelete, 1.0},
		{"tag action", `tag everything from twitter as "research"`, types.OpBulkTag, 1.0},
		{"label synonym", `label these as "important"`, types.OpBulkTag, 0.7},
		{"add tag phrase", `add a tag "golang" to everything in pocket`, types.OpBulkTag, 1.0},
		{"retag", "retag all the old imports", types.OpBulkRetag, 1.0},
		{"organize by", "organize my bookmarks by topic", types.OpBatchUpdate, 1.0},
		{"merge duplicates", "merge the duplicates", types.OpMerge, 1.0},
		{"split", "split that long capture into pieces", types.OpSplit, 0.8},
		{"update", "update my notes", types.OpUpdate, 1.0},
		{"edit synonym", "edit the meeting summary", types.OpUpdate, 0.7},
		{"create new", "create a new note about generics", types.OpCreate, 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.Parse(tt.input)
			require.True(t, got.Recognized(), "expected an intent for %q", tt.input)
			assert.Equal(t, tt.wantOp, got.Op)
			assert.GreaterOrEqual(t, got.Confidence, tt.minConf)
			assert.LessOrEqual(t, got.Confidence, 1.0)
		})
	}
}

func TestKeywordParserRejectsNonIntents(t *testing.T) {
	p := NewKeywordParser()

	for _, input := range []string{
		"",
		"what did I save yesterday",
		"show me my reading history",
		"hello there",
	} {
		got := p.Parse(input)
		assert.False(t, got.Recognized(), "input %q should not parse to an op, got %s", input, got.Op)
		assert.Zero(t, got.Confidence)
	}
}

func TestKeywordParserExtraction(t *testing.T) {
	p := NewKeywordParser()

	t.Run("quoted tags keep their case", func(t *testing.T) {
		got := p.Parse(`tag these as "Go" and "systems-design"`)
		assert.Equal(t, []string{"Go", "systems-design"}, got.Tags)
	})

	t.Run("sources from prepositions", func(t *testing.T) {
		got := p.Parse("delete the threads from twitter")
		require.NotEmpty(t, got.Sources)
		assert.Contains(t, got.Sources, "twitter")
	})

	t.Run("whole corpus scope", func(t *testing.T) {
		got := p.Parse(`tag everything as "inbox"`)
		assert.True(t, got.AllScope)
		require.NotNil(t, got.Filter)
		assert.Empty(t, got.Filter.Tags)
		assert.Empty(t, got.Filter.Sources)
	})

	t.Run("tag narrows the filter", func(t *testing.T) {
		got := p.Parse(`delete the "temp" captures`)
		require.NotNil(t, got.Filter)
		assert.Equal(t, []string{"temp"}, got.Filter.Tags)
	})

	t.Run("source narrows the filter when no tag is quoted", func(t *testing.T) {
		got := p.Parse("delete the threads from twitter")
		require.NotNil(t, got.Filter)
		assert.Empty(t, got.Filter.Tags)
		assert.Equal(t, []string{"twitter"}, got.Filter.Sources)
	})
}
