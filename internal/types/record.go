// Package types provides shared type definitions used across engram packages.
// This package exists to break import cycles between the pipeline, storage,
// and profile layers. Types in this package are foundational data structures
// with no complex dependencies.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strings"
	"time"
)

// =============================================================================
// OBSERVATION RECORDS
// =============================================================================

// AccessLevel controls who may see a record.
type AccessLevel string

const (
	AccessPrivate AccessLevel = "private"
	AccessPublic  AccessLevel = "public"
	AccessShared  AccessLevel = "shared"
)

// Valid reports whether the access level is one of the three allowed values.
func (a AccessLevel) Valid() bool {
	switch a {
	case AccessPrivate, AccessPublic, AccessShared:
		return true
	}
	return false
}

// Tier is the storage placement of a record.
type Tier string

const (
	TierHot  Tier = "hot"
	TierWarm Tier = "warm"
	TierCold Tier = "cold"
)

// Sentiment is the coarse emotional polarity of a record's content.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

// Complexity grades how dense a record's content is.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// InteractionDepth grades how deeply the user engaged with a record.
type InteractionDepth string

const (
	DepthLow    InteractionDepth = "low"
	DepthMedium InteractionDepth = "medium"
	DepthHigh   InteractionDepth = "high"
)

// SemanticSummary is the enrichment pipeline's content analysis.
type SemanticSummary struct {
	Topics     []string   `json:"topics"`
	Sentiment  Sentiment  `json:"sentiment"`
	Complexity Complexity `json:"complexity"`
	Concepts   []string   `json:"concepts"`
}

// AttentionMetrics carries the five sub-signals behind an attention score.
type AttentionMetrics struct {
	HighlightFrequency int              `json:"highlight_frequency"`
	NoteDensity        int              `json:"note_density"`
	AddressRevisit     int              `json:"address_revisit"`
	TimeInvestment     float64          `json:"time_investment"` // seconds
	InteractionDepth   InteractionDepth `json:"interaction_depth"`
}

// ProcessingMeta records what the pipeline did to a record, including
// enrichment stages that failed and were skipped.
type ProcessingMeta struct {
	DegradedStages []string  `json:"degraded_stages,omitempty"`
	EnrichedAt     time.Time `json:"enriched_at,omitempty"`
	Reembedded     bool      `json:"reembedded,omitempty"`
}

// Record is the canonical observation unit submitted by applications and
// refined by the pipeline. User-supplied fields come first; everything from
// EnhancedTags down is derived and owned by the pipeline.
type Record struct {
	ID        string                 `json:"id"`
	UserID    string                 `json:"user_id"`
	Timestamp time.Time              `json:"timestamp"`
	Source    string                 `json:"source"`
	Highlight string                 `json:"highlight"`
	Note      string                 `json:"note"`
	Address   string                 `json:"address"`
	Tags      []string               `json:"tags"`
	Access    AccessLevel            `json:"access"`
	Raw       map[string]interface{} `json:"raw,omitempty"`

	// Derived fields, assigned once by the pipeline and rewritten only
	// through the governed write path.
	EnhancedTags          []string          `json:"enhanced_tags,omitempty"`
	RecommendedHighlights []string          `json:"recommended_highlights,omitempty"`
	Semantic              *SemanticSummary  `json:"semantic,omitempty"`
	Embedding             []float32         `json:"embedding,omitempty"`
	Quality               float64           `json:"quality"`
	Attention             float64           `json:"attention"`
	AttentionMetrics      *AttentionMetrics `json:"attention_metrics,omitempty"`
	Influence             float64           `json:"influence"`
	Tier                  Tier              `json:"tier"`
	Processing            ProcessingMeta    `json:"processing,omitempty"`

	Deleted   bool       `json:"deleted,omitempty"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AllTags returns the union of user tags and enhanced tags, deduplicated.
func (r *Record) AllTags() []string {
	seen := make(map[string]bool, len(r.Tags)+len(r.EnhancedTags))
	out := make([]string, 0, len(r.Tags)+len(r.EnhancedTags))
	for _, t := range r.Tags {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	for _, t := range r.EnhancedTags {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// AgeDays returns the record's age in fractional days at the given time.
func (r *Record) AgeDays(now time.Time) float64 {
	return now.Sub(r.Timestamp).Hours() / 24
}

// Clone returns a deep copy. The write path patches copies so a failed
// mutation never leaves a half-edited record in the read cache.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Tags = append([]string(nil), r.Tags...)
	cp.EnhancedTags = append([]string(nil), r.EnhancedTags...)
	cp.RecommendedHighlights = append([]string(nil), r.RecommendedHighlights...)
	cp.Embedding = append([]float32(nil), r.Embedding...)
	cp.Processing.DegradedStages = append([]string(nil), r.Processing.DegradedStages...)
	if r.Raw != nil {
		cp.Raw = make(map[string]interface{}, len(r.Raw))
		for k, v := range r.Raw {
			cp.Raw[k] = v
		}
	}
	if r.Semantic != nil {
		sem := *r.Semantic
		sem.Topics = append([]string(nil), r.Semantic.Topics...)
		sem.Concepts = append([]string(nil), r.Semantic.Concepts...)
		cp.Semantic = &sem
	}
	if r.AttentionMetrics != nil {
		am := *r.AttentionMetrics
		cp.AttentionMetrics = &am
	}
	if r.DeletedAt != nil {
		ts := *r.DeletedAt
		cp.DeletedAt = &ts
	}
	return &cp
}

// ContentHash fingerprints the content-bearing fields. The warm index keeps
// it so bulk writes can skip re-enrichment when content did not change.
func (r *Record) ContentHash() string {
	h := sha256.New()
	h.Write([]byte(r.Highlight))
	h.Write([]byte{0})
	h.Write([]byte(r.Note))
	h.Write([]byte{0})
	h.Write([]byte(r.Address))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(r.Tags, ",")))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// =============================================================================
// INFLUENCE AND TIER PLACEMENT
// =============================================================================

// ComputeInfluence combines quality and attention into the composite weight
// that drives tier placement and profile impact. Result is always within
// [0.05, 1.0] so even throwaway records retain a floor of presence.
func ComputeInfluence(quality, attention float64) float64 {
	influence := 0.05 + 0.95*(0.6*quality+0.4*attention)
	return math.Min(1.0, math.Max(0.05, influence))
}

// TierThresholds are the influence/age boundaries for tier placement.
type TierThresholds struct {
	MinInfluenceHot  float64
	MinInfluenceWarm float64
	RecencyHotDays   float64
	RecencyWarmDays  float64
}

// DefaultTierThresholds returns the standard placement boundaries.
func DefaultTierThresholds() TierThresholds {
	return TierThresholds{
		MinInfluenceHot:  0.7,
		MinInfluenceWarm: 0.3,
		RecencyHotDays:   7,
		RecencyWarmDays:  30,
	}
}

// ComputeTier places a record given its influence and age. The placement is a
// pure function so a migration pass immediately after a write is a no-op.
func ComputeTier(influence, ageDays float64, th TierThresholds) Tier {
	if influence > th.MinInfluenceHot || ageDays < th.RecencyHotDays {
		return TierHot
	}
	if influence > th.MinInfluenceWarm || ageDays < th.RecencyWarmDays {
		return TierWarm
	}
	return TierCold
}

// =============================================================================
// QUERY FILTERS
// =============================================================================

// TimeRange bounds a query window. Zero values mean unbounded on that side.
type TimeRange struct {
	Start time.Time `json:"start,omitempty"`
	End   time.Time `json:"end,omitempty"`
}

// Contains reports whether t falls inside the range.
func (tr TimeRange) Contains(t time.Time) bool {
	if !tr.Start.IsZero() && t.Before(tr.Start) {
		return false
	}
	if !tr.End.IsZero() && t.After(tr.End) {
		return false
	}
	return true
}

// Filter selects records for queries and bulk writes. All set fields must
// match (AND semantics); Tags matches records carrying any of the tags.
type Filter struct {
	UserID       string     `json:"user_id"`
	Tags         []string   `json:"tags,omitempty"`
	Sources      []string   `json:"sources,omitempty"`
	Address      string     `json:"address,omitempty"`
	MinInfluence float64    `json:"min_influence,omitempty"`
	TimeRange    *TimeRange `json:"time_range,omitempty"`
	Limit        int        `json:"limit,omitempty"`
}

// Matches reports whether a record satisfies the filter. Soft-deleted
// records never match.
func (f *Filter) Matches(r *Record) bool {
	if r.Deleted {
		return false
	}
	if f.UserID != "" && r.UserID != f.UserID {
		return false
	}
	if f.Address != "" && r.Address != f.Address {
		return false
	}
	if f.MinInfluence > 0 && r.Influence < f.MinInfluence {
		return false
	}
	if f.TimeRange != nil && !f.TimeRange.Contains(r.Timestamp) {
		return false
	}
	if len(f.Sources) > 0 {
		ok := false
		for _, s := range f.Sources {
			if r.Source == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.Tags) > 0 {
		all := r.AllTags()
		ok := false
		for _, want := range f.Tags {
			for _, have := range all {
				if want == have {
					ok = true
					break
				}
			}
			if ok {
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}
