package profile

import (
	"context"
	"sort"
	"time"

	"engram/internal/embedding"
	"engram/internal/logging"
	"engram/internal/types"
)

// Bucket caps for the rendered context view.
const (
	maxCoreInterests       = 5
	maxCurrentGoals        = 3
	maxLearningPreferences = 3
	maxCommunicationStyle  = 2
	maxWorkContext         = 3
	maxHighPriorityFocus   = 3
	maxRelevantContext     = 5
)

// ContextView is the compact profile surface applications prepend to their
// LLM calls.
type ContextView struct {
	UserID                string    `json:"user_id"`
	CoreInterests         []string  `json:"core_interests"`
	CurrentGoals          []string  `json:"current_goals"`
	LearningPreferences   []string  `json:"learning_preferences"`
	CommunicationStyle    []string  `json:"communication_style"`
	WorkContext           []string  `json:"work_context"`
	HighPriorityFocus     []string  `json:"high_priority_focus"`
	RelevantContext       []string  `json:"relevant_context"`
	ActiveComponentsCount int       `json:"active_components_count"`
	LastUpdated           time.Time `json:"last_updated"`

	// Components carries the raw active set when details were requested.
	Components []*types.Component `json:"components,omitempty"`
}

// Renderer produces context views. It is a pure read over the synthesizer's
// cached components; rendering never mutates the profile.
type Renderer struct {
	synth  *Synthesizer
	engine embedding.Engine // nil disables request-relative ordering
}

// NewRenderer wires a renderer. engine may be nil.
func NewRenderer(synth *Synthesizer, engine embedding.Engine) *Renderer {
	return &Renderer{synth: synth, engine: engine}
}

// Render builds the context view for a user. currentRequest, when present,
// reorders relevant_context by similarity to the request.
func (r *Renderer) Render(ctx context.Context, userID, currentRequest string, includeDetails bool) (*ContextView, error) {
	timer := logging.StartTimer(logging.CategoryRender, "Renderer.Render")
	defer timer.Stop()

	if userID == "" {
		return nil, &types.ValidationError{Field: "user_id", Reason: "render requires a user id"}
	}

	comps, err := r.synth.loadComponents(userID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	view := &ContextView{UserID: userID}

	// Components arrive weight-ordered from the store; bucket fills keep
	// that order.
	for _, c := range comps {
		switch c.Kind {
		case types.KindCoreInterest:
			appendCapped(&view.CoreInterests, c, maxCoreInterests, types.PriorityMedium)
		case types.KindCurrentGoal:
			appendCapped(&view.CurrentGoals, c, maxCurrentGoals, types.PriorityHigh)
		case types.KindLearningPreference:
			appendCapped(&view.LearningPreferences, c, maxLearningPreferences, types.PriorityMedium)
		case types.KindCommunicationStyle:
			appendCapped(&view.CommunicationStyle, c, maxCommunicationStyle, types.PriorityMedium)
		case types.KindWorkContext:
			appendCapped(&view.WorkContext, c, maxWorkContext, types.PriorityMedium)
		}
		if c.Priority == types.PriorityHigh && len(view.HighPriorityFocus) < maxHighPriorityFocus {
			view.HighPriorityFocus = append(view.HighPriorityFocus, c.Description)
		}
		if c.UpdatedAt.After(view.LastUpdated) {
			view.LastUpdated = c.UpdatedAt
		}
	}

	active := make([]*types.Component, 0, len(comps))
	for _, c := range comps {
		if c.IsActive(now) {
			active = append(active, c)
		}
	}
	view.ActiveComponentsCount = len(active)
	view.RelevantContext = r.relevantContext(ctx, active, currentRequest)
	if includeDetails {
		view.Components = active
	}

	logging.RenderDebug("rendered context user=%s components=%d active=%d", userID, len(comps), len(active))
	return view, nil
}

// appendCapped adds a component's description to a bucket when its priority
// clears the floor and the bucket has room.
func appendCapped(bucket *[]string, c *types.Component, limit int, floor types.Priority) {
	if len(*bucket) >= limit {
		return
	}
	switch floor {
	case types.PriorityHigh:
		if c.Priority != types.PriorityHigh {
			return
		}
	case types.PriorityMedium:
		if c.Priority != types.PriorityHigh && c.Priority != types.PriorityMedium {
			return
		}
	}
	*bucket = append(*bucket, c.Description)
}

// relevantContext picks the top active components: similarity-ordered when
// the request can be embedded, otherwise most recently updated.
func (r *Renderer) relevantContext(ctx context.Context, active []*types.Component, currentRequest string) []string {
	if len(active) == 0 {
		return nil
	}

	ordered := make([]*types.Component, len(active))
	copy(ordered, active)

	var reqVec []float32
	if currentRequest != "" && r.engine != nil {
		vec, err := r.engine.Embed(ctx, currentRequest)
		if err != nil {
			logging.RenderDebug("request embedding failed, falling back to recency: %v", err)
		} else {
			reqVec = vec
		}
	}

	if len(reqVec) > 0 {
		sims := make(map[string]float64, len(ordered))
		for _, c := range ordered {
			if len(c.Embedding) > 0 {
				if sim, err := embedding.CosineSimilarity(reqVec, c.Embedding); err == nil {
					sims[c.ID] = sim
				}
			}
		}
		sort.SliceStable(ordered, func(i, j int) bool {
			return sims[ordered[i].ID] > sims[ordered[j].ID]
		})
	} else {
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].UpdatedAt.After(ordered[j].UpdatedAt)
		})
	}

	n := len(ordered)
	if n > maxRelevantContext {
		n = maxRelevantContext
	}
	out := make([]string, 0, n)
	for _, c := range ordered[:n] {
		out = append(out, c.Description)
	}
	return out
}
