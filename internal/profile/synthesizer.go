package profile

import (
	"sort"
	"sync"
	"time"

	"engram/internal/embedding"
	"engram/internal/logging"
	"engram/internal/metrics"
	"engram/internal/types"
)

// Multipliers from the update action table.
const (
	strengthenAttentionFactor = 1.2
	strengthenConfidenceBump  = 0.1
	mergeAttentionFactor      = 0.8
	mergeStrengthFactor       = 0.5
)

// SynthesizerOptions bound the archival policy.
type SynthesizerOptions struct {
	// ArchiveFloor is the normalized weight below which a component starts
	// its archival countdown. Zero disables archival.
	ArchiveFloor float64

	// ArchiveAfter is how long a component must stay below the floor with
	// no reinforcement before it is archived.
	ArchiveAfter time.Duration
}

// Synthesizer owns profile mutation: matching intents to components,
// applying the update actions, rebalancing weights, and archiving the
// long tail. One user's mutations serialize on a per-user lock; distinct
// users proceed in parallel.
type Synthesizer struct {
	store *Store
	cache *Cache
	opts  SynthesizerOptions

	locks sync.Map // user id -> *sync.Mutex
}

// NewSynthesizer wires a synthesizer over a store. cache may be nil.
func NewSynthesizer(store *Store, cache *Cache, opts SynthesizerOptions) *Synthesizer {
	return &Synthesizer{store: store, cache: cache, opts: opts}
}

func (s *Synthesizer) userLock(userID string) *sync.Mutex {
	actual, _ := s.locks.LoadOrStore(userID, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// UpdateResult summarizes one applied intent batch.
type UpdateResult struct {
	Created      int `json:"created"`
	Strengthened int `json:"strengthened"`
	Updated      int `json:"updated"`
	Merged       int `json:"merged"`
	Components   int `json:"components"`
}

// Update applies a batch of intents to a user's profile. Intents apply in
// descending attention order (ties keep arrival order); the full batch,
// rebalance included, persists in one transaction.
func (s *Synthesizer) Update(userID string, intents []*types.Intent) (*UpdateResult, error) {
	timer := logging.StartTimer(logging.CategoryProfile, "Synthesizer.Update")
	defer timer.Stop()

	if userID == "" {
		return nil, &types.ValidationError{Field: "user_id", Reason: "profile update requires a user id"}
	}
	res := &UpdateResult{}
	if len(intents) == 0 {
		return res, nil
	}

	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	comps, err := s.store.UserComponents(userID, true)
	if err != nil {
		return nil, err
	}

	ordered := make([]*types.Intent, len(intents))
	copy(ordered, intents)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Attention > ordered[j].Attention
	})

	now := time.Now().UTC()
	for _, intent := range ordered {
		if intent == nil || !intent.Kind.Valid() {
			continue
		}
		m := match(intent, comps)
		switch m.action {
		case types.UpdateCreate:
			comp := newComponent(userID, intent, now)
			comps = append(comps, comp)
			res.Created++
		case types.UpdateStrengthen:
			applyStrengthen(m.component, intent, now)
			res.Strengthened++
		case types.UpdateBlend:
			applyBlend(m.component, intent, now, types.MergeStrength(intent.Attention), 1.0)
			res.Updated++
		case types.UpdateMerge:
			applyBlend(m.component, intent, now, mergeStrengthFactor*types.MergeStrength(intent.Attention), mergeAttentionFactor)
			res.Merged++
		}
	}

	s.rebalance(comps, now)

	if err := s.store.UpsertAll(comps); err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Invalidate(userID)
	}

	res.Components = len(comps)
	metrics.ProfileUpdatesTotal.Add(float64(len(ordered)))
	metrics.ProfileComponentsActive.Add(float64(res.Created))
	logging.Profile("profile update user=%s intents=%d created=%d strengthened=%d updated=%d merged=%d",
		userID, len(ordered), res.Created, res.Strengthened, res.Updated, res.Merged)
	return res, nil
}

// newComponent builds a component from an unmatched intent.
func newComponent(userID string, intent *types.Intent, now time.Time) *types.Component {
	comp := &types.Component{
		ID:                  types.NewComponentID(),
		UserID:              userID,
		Kind:                intent.Kind,
		Description:         intent.Description,
		Embedding:           intent.Embedding,
		Confidence:          intent.Confidence,
		TotalAttention:      intent.Attention,
		ActivationThreshold: types.ActivationThresholdFor(intent.Attention),
		Evidence:            []types.Evidence{evidenceFrom(intent, now, types.UpdateCreate)},
		CreatedAt:           now,
		UpdatedAt:           now,
		LastActivatedAt:     now,
	}
	comp.AddSourceApp(intent.SourceApp)
	return comp
}

func applyStrengthen(comp *types.Component, intent *types.Intent, now time.Time) {
	comp.TotalAttention += strengthenAttentionFactor * intent.Attention
	comp.Confidence = min1(comp.Confidence + strengthenConfidenceBump)
	comp.Evidence = append(comp.Evidence, evidenceFrom(intent, now, types.UpdateStrengthen))
	touch(comp, intent, now)
}

// applyBlend covers both the update and merge actions; they differ only in
// blend strength and how much attention accumulates.
func applyBlend(comp *types.Component, intent *types.Intent, now time.Time, strength, attentionFactor float64) {
	if len(comp.Embedding) > 0 && len(intent.Embedding) > 0 {
		if blended, err := embedding.Blend(comp.Embedding, intent.Embedding, strength); err == nil {
			comp.Embedding = blended
		}
	} else if len(intent.Embedding) > 0 {
		comp.Embedding = intent.Embedding
	}
	comp.TotalAttention += attentionFactor * intent.Attention
	kind := types.UpdateBlend
	if attentionFactor != 1.0 {
		kind = types.UpdateMerge
	}
	comp.Evidence = append(comp.Evidence, evidenceFrom(intent, now, kind))
	touch(comp, intent, now)
}

// touch marks a component as reinforced: timestamps advance, the source app
// is recorded, and an archived component revives.
func touch(comp *types.Component, intent *types.Intent, now time.Time) {
	comp.UpdatedAt = now
	comp.LastActivatedAt = now
	comp.AddSourceApp(intent.SourceApp)
	if comp.Archived {
		comp.Archived = false
		comp.ArchivedAt = nil
		comp.BelowFloorSince = nil
		metrics.ProfileComponentsActive.Inc()
	}
}

func evidenceFrom(intent *types.Intent, now time.Time, kind types.UpdateKind) types.Evidence {
	return types.Evidence{
		IntentID:   intent.ID,
		RecordID:   intent.RecordID,
		Attention:  intent.Attention,
		Timestamp:  now,
		Source:     intent.SourceApp,
		UpdateKind: kind,
	}
}

// rebalance recomputes normalized weights and priorities over the live
// components and tracks how long each has sat below the archive floor.
// Archived components stay at weight zero and out of the denominator.
func (s *Synthesizer) rebalance(comps []*types.Component, now time.Time) {
	var sum float64
	for _, c := range comps {
		if !c.Archived {
			sum += c.TotalAttention
		}
	}
	for _, c := range comps {
		if c.Archived {
			c.NormalizedWeight = 0
			continue
		}
		if sum > 0 {
			c.NormalizedWeight = c.TotalAttention / sum
		} else {
			c.NormalizedWeight = 0
		}
		c.Priority = types.PriorityForWeight(c.NormalizedWeight)

		if s.opts.ArchiveFloor > 0 && c.NormalizedWeight < s.opts.ArchiveFloor {
			if c.BelowFloorSince == nil {
				t := now
				c.BelowFloorSince = &t
			}
		} else {
			c.BelowFloorSince = nil
		}
	}
}

// Rebalance recomputes weights for one user and persists the result. Safe
// to call repeatedly: with no new intents the weights do not move.
func (s *Synthesizer) Rebalance(userID string) error {
	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	comps, err := s.store.UserComponents(userID, true)
	if err != nil {
		return err
	}
	if len(comps) == 0 {
		return nil
	}
	s.rebalance(comps, time.Now().UTC())
	if err := s.store.UpsertAll(comps); err != nil {
		return err
	}
	if s.cache != nil {
		s.cache.Invalidate(userID)
	}
	return nil
}

// ActiveSet returns the user's currently active components: high priority,
// recently updated, or recently activated.
func (s *Synthesizer) ActiveSet(userID string) ([]*types.Component, error) {
	comps, err := s.loadComponents(userID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	active := make([]*types.Component, 0, len(comps))
	for _, c := range comps {
		if c.IsActive(now) {
			active = append(active, c)
		}
	}
	return active, nil
}

// loadComponents reads the user's live components through the profile cache.
func (s *Synthesizer) loadComponents(userID string) ([]*types.Component, error) {
	if s.cache == nil {
		return s.store.UserComponents(userID, false)
	}
	return s.cache.Components(userID, func() ([]*types.Component, error) {
		return s.store.UserComponents(userID, false)
	})
}

// ArchiveStale archives every component that has sat below the archive
// floor past the configured window. Returns the number archived.
func (s *Synthesizer) ArchiveStale() (int, error) {
	if s.opts.ArchiveFloor <= 0 || s.opts.ArchiveAfter <= 0 {
		return 0, nil
	}
	users, err := s.store.Users()
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	archived := 0
	for _, userID := range users {
		n, err := s.archiveUser(userID, now)
		if err != nil {
			logging.ProfileWarn("archival pass failed for user %s: %v", userID, err)
			continue
		}
		archived += n
	}
	if archived > 0 {
		logging.Profile("archival pass archived %d components", archived)
	}
	return archived, nil
}

func (s *Synthesizer) archiveUser(userID string, now time.Time) (int, error) {
	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	comps, err := s.store.UserComponents(userID, true)
	if err != nil {
		return 0, err
	}
	archived := 0
	for _, c := range comps {
		if c.Archived || c.BelowFloorSince == nil {
			continue
		}
		if now.Sub(*c.BelowFloorSince) >= s.opts.ArchiveAfter {
			c.Archived = true
			t := now
			c.ArchivedAt = &t
			archived++
		}
	}
	if archived == 0 {
		return 0, nil
	}

	// Remaining live components reclaim the archived weight.
	s.rebalance(comps, now)
	if err := s.store.UpsertAll(comps); err != nil {
		return 0, err
	}
	if s.cache != nil {
		s.cache.Invalidate(userID)
	}
	metrics.ProfileComponentsActive.Sub(float64(archived))
	return archived, nil
}

func min1(v float64) float64 {
	if v > 1 {
		return 1
	}
	return v
}
