package profile

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

func newTestRenderer(t *testing.T, engine embedding.Engine) (*Store, *Renderer) {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "profile.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	synth := NewSynthesizer(store, NewCache(time.Hour), SynthesizerOptions{})
	return store, NewRenderer(synth, engine)
}

func viewComp(kind types.ComponentKind, desc string, weight float64, prio types.Priority, updated time.Time) *types.Component {
	return &types.Component{
		ID:                  types.NewComponentID(),
		UserID:              "alice",
		Kind:                kind,
		Description:         desc,
		Confidence:          0.8,
		TotalAttention:      weight * 10,
		NormalizedWeight:    weight,
		Priority:            prio,
		ActivationThreshold: 0.5,
		CreatedAt:           updated,
		UpdatedAt:           updated,
		LastActivatedAt:     updated,
	}
}

func TestRenderer_BucketCapsAndPriorities(t *testing.T) {
	store, renderer := newTestRenderer(t, nil)
	now := time.Now().UTC()

	comps := []*types.Component{
		viewComp(types.KindCurrentGoal, "goal-high", 0.30, types.PriorityHigh, now),
		viewComp(types.KindCurrentGoal, "goal-med", 0.12, types.PriorityMedium, now),
		viewComp(types.KindCoreInterest, "ci-1", 0.10, types.PriorityMedium, now),
		viewComp(types.KindCoreInterest, "ci-2", 0.09, types.PriorityMedium, now),
		viewComp(types.KindCoreInterest, "ci-3", 0.08, types.PriorityMedium, now),
		viewComp(types.KindCoreInterest, "ci-4", 0.07, types.PriorityMedium, now),
		viewComp(types.KindCoreInterest, "ci-5", 0.06, types.PriorityMedium, now),
		viewComp(types.KindCoreInterest, "ci-6", 0.05, types.PriorityMedium, now),
		viewComp(types.KindCommunicationStyle, "comm-1", 0.04, types.PriorityMedium, now),
		viewComp(types.KindCommunicationStyle, "comm-2", 0.03, types.PriorityMedium, now),
		viewComp(types.KindCommunicationStyle, "comm-3", 0.02, types.PriorityMedium, now),
		viewComp(types.KindCoreInterest, "ci-low", 0.01, types.PriorityLow, now),
	}
	for _, c := range comps {
		require.NoError(t, store.Upsert(c))
	}

	view, err := renderer.Render(context.Background(), "alice", "", false)
	require.NoError(t, err)

	assert.Equal(t, []string{"goal-high"}, view.CurrentGoals, "goal bucket admits high priority only")
	assert.Equal(t, []string{"ci-1", "ci-2", "ci-3", "ci-4", "ci-5"}, view.CoreInterests)
	assert.Equal(t, []string{"comm-1", "comm-2"}, view.CommunicationStyle)
	assert.Equal(t, []string{"goal-high"}, view.HighPriorityFocus)
	assert.NotContains(t, view.CoreInterests, "ci-low")

	// Every component was touched just now, so all are active.
	assert.Equal(t, len(comps), view.ActiveComponentsCount)
	assert.WithinDuration(t, now, view.LastUpdated, time.Second)
	assert.Nil(t, view.Components, "details not requested")
}

func TestRenderer_HighPriorityFocusCap(t *testing.T) {
	store, renderer := newTestRenderer(t, nil)
	now := time.Now().UTC()

	for i, desc := range []string{"focus-1", "focus-2", "focus-3", "focus-4"} {
		c := viewComp(types.KindWorkContext, desc, 0.25-float64(i)*0.01, types.PriorityHigh, now)
		require.NoError(t, store.Upsert(c))
	}

	view, err := renderer.Render(context.Background(), "alice", "", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"focus-1", "focus-2", "focus-3"}, view.HighPriorityFocus)
	assert.Equal(t, []string{"focus-1", "focus-2", "focus-3"}, view.WorkContext)
}

func TestRenderer_RelevantContextOrdering(t *testing.T) {
	engine, _ := embedding.NewHashEngine(16)
	store, renderer := newTestRenderer(t, engine)
	ctx := context.Background()
	now := time.Now().UTC()

	older := viewComp(types.KindCoreInterest, "grpc streaming backpressure", 0.5, types.PriorityMedium, now.Add(-48*time.Hour))
	newer := viewComp(types.KindCoreInterest, "sourdough starter care", 0.5, types.PriorityMedium, now.Add(-time.Hour))
	for _, c := range []*types.Component{older, newer} {
		vec, err := engine.Embed(ctx, c.Description)
		require.NoError(t, err)
		c.Embedding = vec
		require.NoError(t, store.Upsert(c))
	}

	// No request: most recently updated first.
	view, err := renderer.Render(ctx, "alice", "", false)
	require.NoError(t, err)
	require.Len(t, view.RelevantContext, 2)
	assert.Equal(t, "sourdough starter care", view.RelevantContext[0])

	// A request reorders by similarity to it.
	view, err = renderer.Render(ctx, "alice", "grpc streaming backpressure", false)
	require.NoError(t, err)
	require.Len(t, view.RelevantContext, 2)
	assert.Equal(t, "grpc streaming backpressure", view.RelevantContext[0])
}

func TestRenderer_InactiveComponentsStayOut(t *testing.T) {
	store, renderer := newTestRenderer(t, nil)
	now := time.Now().UTC()

	stale := viewComp(types.KindCoreInterest, "forgotten hobby", 0.05, types.PriorityLow, now.Add(-30*24*time.Hour))
	fresh := viewComp(types.KindCoreInterest, "current focus", 0.40, types.PriorityMedium, now)
	require.NoError(t, store.Upsert(stale))
	require.NoError(t, store.Upsert(fresh))

	view, err := renderer.Render(context.Background(), "alice", "", true)
	require.NoError(t, err)
	assert.Equal(t, 1, view.ActiveComponentsCount)
	assert.Equal(t, []string{"current focus"}, view.RelevantContext)
	require.Len(t, view.Components, 1)
	assert.Equal(t, fresh.ID, view.Components[0].ID)
}

func TestRenderer_EmptyProfile(t *testing.T) {
	_, renderer := newTestRenderer(t, nil)

	view, err := renderer.Render(context.Background(), "alice", "", false)
	require.NoError(t, err)
	assert.Empty(t, view.CoreInterests)
	assert.Empty(t, view.RelevantContext)
	assert.Zero(t, view.ActiveComponentsCount)
	assert.True(t, view.LastUpdated.IsZero())
}

func TestRenderer_RequiresUserID(t *testing.T) {
	_, renderer := newTestRenderer(t, nil)
	_, err := renderer.Render(context.Background(), "", "", false)
	var verr *types.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestCache_ServesAndInvalidates(t *testing.T) {
	store, synth := newTestProfile(t)

	_, err := synth.Update("alice", []*types.Intent{
		testIntent(types.KindCoreInterest, "machine learning", 0.6, nil),
	})
	require.NoError(t, err)

	first, err := synth.loadComponents("alice")
	require.NoError(t, err)
	require.Len(t, first, 1)

	// A second load within the TTL comes from cache: bypassing the
	// synthesizer to mutate the store is not visible yet.
	ghost := viewComp(types.KindCoreInterest, "ghost", 0.1, types.PriorityLow, time.Now().UTC())
	require.NoError(t, store.Upsert(ghost))

	cached, err := synth.loadComponents("alice")
	require.NoError(t, err)
	assert.Len(t, cached, 1)

	// Writes through the synthesizer invalidate.
	_, err = synth.Update("alice", []*types.Intent{
		testIntent(types.KindCurrentGoal, "finish the migration", 0.7, nil),
	})
	require.NoError(t, err)

	fresh, err := synth.loadComponents("alice")
	require.NoError(t, err)
	assert.Len(t, fresh, 3)
}
