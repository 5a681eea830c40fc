package types

import (
	"math"
	"time"
)

// =============================================================================
// PROFILE COMPONENTS (the Personal System Prompt model)
// =============================================================================

// ComponentKind is the typed category of a profile component. A component's
// kind never changes; reclassification means creating a new component.
type ComponentKind string

const (
	KindCoreInterest       ComponentKind = "core_interest"
	KindCurrentGoal        ComponentKind = "current_goal"
	KindLearningPreference ComponentKind = "learning_preference"
	KindCommunicationStyle ComponentKind = "communication_style"
	KindWorkContext        ComponentKind = "work_context"
	KindPersonalValue      ComponentKind = "personal_value"
)

// Valid reports whether the kind is one of the six component kinds.
func (k ComponentKind) Valid() bool {
	switch k {
	case KindCoreInterest, KindCurrentGoal, KindLearningPreference,
		KindCommunicationStyle, KindWorkContext, KindPersonalValue:
		return true
	}
	return false
}

// MemoryLayer partitions component kinds into the four PSP memory layers.
type MemoryLayer string

const (
	LayerCore     MemoryLayer = "core"
	LayerWorking  MemoryLayer = "working"
	LayerLearning MemoryLayer = "learning"
	LayerContext  MemoryLayer = "context"
)

// Layer returns the memory layer a kind belongs to. Communication style and
// anything unrecognized land in the context layer.
func (k ComponentKind) Layer() MemoryLayer {
	switch k {
	case KindCoreInterest, KindPersonalValue:
		return LayerCore
	case KindCurrentGoal, KindWorkContext:
		return LayerWorking
	case KindLearningPreference:
		return LayerLearning
	default:
		return LayerContext
	}
}

// Priority buckets a component by its normalized weight.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// PriorityForWeight maps a normalized weight to its priority bucket.
func PriorityForWeight(w float64) Priority {
	switch {
	case w > 0.15:
		return PriorityHigh
	case w > 0.08:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// UpdateKind names how an intent was applied to a component.
type UpdateKind string

const (
	UpdateCreate     UpdateKind = "create"
	UpdateBlend      UpdateKind = "update"
	UpdateStrengthen UpdateKind = "strengthen"
	UpdateMerge      UpdateKind = "merge"
)

// Evidence is one append-only provenance entry on a component.
type Evidence struct {
	IntentID   string     `json:"intent_id"`
	RecordID   string     `json:"record_id"`
	Attention  float64    `json:"attention"`
	Timestamp  time.Time  `json:"timestamp"`
	Source     string     `json:"source"`
	UpdateKind UpdateKind `json:"update_kind"`
}

// Component is one typed, weighted element of a user's profile.
type Component struct {
	ID                  string        `json:"id"`
	UserID              string        `json:"user_id"`
	Kind                ComponentKind `json:"kind"`
	Description         string        `json:"description"`
	Embedding           []float32     `json:"embedding,omitempty"`
	Confidence          float64       `json:"confidence"`
	TotalAttention      float64       `json:"total_attention"`
	NormalizedWeight    float64       `json:"normalized_weight"`
	Priority            Priority      `json:"priority"`
	ActivationThreshold float64       `json:"activation_threshold"`
	Evidence            []Evidence    `json:"evidence,omitempty"`
	SourceApps          []string      `json:"source_apps,omitempty"`

	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	LastActivatedAt time.Time `json:"last_activated_at"`

	// Archival state. Archived components keep their evidence but drop out
	// of the active set and the rebalance denominator.
	Archived        bool       `json:"archived,omitempty"`
	ArchivedAt      *time.Time `json:"archived_at,omitempty"`
	BelowFloorSince *time.Time `json:"below_floor_since,omitempty"`
}

// AddSourceApp records an originating app on the component, deduplicated.
func (c *Component) AddSourceApp(app string) {
	if app == "" {
		return
	}
	for _, existing := range c.SourceApps {
		if existing == app {
			return
		}
	}
	c.SourceApps = append(c.SourceApps, app)
}

// IsActive applies the active-set rule: high priority, or updated within
// 7 days, or activated within 3 days.
func (c *Component) IsActive(now time.Time) bool {
	if c.Archived {
		return false
	}
	if c.Priority == PriorityHigh {
		return true
	}
	if now.Sub(c.UpdatedAt) < 7*24*time.Hour {
		return true
	}
	if !c.LastActivatedAt.IsZero() && now.Sub(c.LastActivatedAt) < 3*24*time.Hour {
		return true
	}
	return false
}

// ActivationThresholdFor derives the initial activation threshold for a new
// component: stronger founding attention lowers the bar.
func ActivationThresholdFor(attention float64) float64 {
	th := 0.5 - (attention-0.5)*0.3
	return math.Min(0.9, math.Max(0.1, th))
}

// MergeStrength maps an intent's attention to how aggressively its embedding
// blends into an existing component.
func MergeStrength(attention float64) float64 {
	switch {
	case attention > 0.8:
		return 1.0
	case attention > 0.6:
		return 0.8
	case attention > 0.4:
		return 0.6
	default:
		return 0.3
	}
}

// =============================================================================
// INTENTS
// =============================================================================

// Intent is a typed signal derived from a single record, consumed by the
// profile synthesizer.
type Intent struct {
	ID          string                 `json:"id"`
	UserID      string                 `json:"user_id"`
	Kind        ComponentKind          `json:"kind"`
	Description string                 `json:"description"`
	Embedding   []float32              `json:"embedding,omitempty"`
	Confidence  float64                `json:"confidence"`
	Attention   float64                `json:"attention"`
	SourceApp   string                 `json:"source_app"`
	RecordID    string                 `json:"record_id"`
	Context     map[string]interface{} `json:"context,omitempty"`
}
