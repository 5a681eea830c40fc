package index

import (
	"math"
	"sync"
	"time"

	"engram/internal/types"
)

// =============================================================================
// FUSION RANKING
// =============================================================================

// Fusion weights. Influence already folds quality and attention together, but
// keeping the raw signals in the mix lets a high-attention record outrank an
// older one whose influence has not decayed yet.
const (
	fusionInfluenceWeight = 0.30
	fusionAttentionWeight = 0.25
	fusionQualityWeight   = 0.20
	fusionRecencyWeight   = 0.15
	fusionSourceWeight    = 0.10
)

// NeutralSourcePref is the score for sources with no usage history.
const NeutralSourcePref = 0.5

// Recency decays by 5% per day and floors at 0.1 so old records stay
// reachable through the other signals.
func Recency(ageDays float64) float64 {
	if ageDays < 0 {
		ageDays = 0
	}
	r := math.Pow(0.95, ageDays)
	if r < 0.1 {
		return 0.1
	}
	return r
}

// Relevance computes the fusion score for one record.
func Relevance(rec *types.Record, now time.Time, sourcePref float64) float64 {
	return fusionInfluenceWeight*rec.Influence +
		fusionAttentionWeight*rec.Attention +
		fusionQualityWeight*rec.Quality +
		fusionRecencyWeight*Recency(rec.AgeDays(now)) +
		fusionSourceWeight*sourcePref
}

// =============================================================================
// SOURCE PREFERENCES
// =============================================================================

// SourcePrefs resolves the per-user source preference consulted by the
// fusion formula.
type SourcePrefs interface {
	Pref(userID, source string) float64
}

// SourceCounter provides per-user source usage counts; the tiered store
// satisfies this.
type SourceCounter interface {
	SourceCounts(userID string) (map[string]int, error)
}

// neutralPrefs answers NeutralSourcePref for everything.
type neutralPrefs struct{}

func (neutralPrefs) Pref(string, string) float64 { return NeutralSourcePref }

// NeutralPrefs returns a SourcePrefs that treats all sources equally.
func NeutralPrefs() SourcePrefs { return neutralPrefs{} }

// CorpusPrefs learns source preferences from corpus composition: a source
// holding more than its even share of the user's records scores above
// neutral, one holding less scores below. Preferences are cached per user
// with a short TTL since corpus composition moves slowly.
type CorpusPrefs struct {
	counter SourceCounter
	ttl     time.Duration

	mu     sync.Mutex
	byUser map[string]*prefEntry
}

type prefEntry struct {
	prefs     map[string]float64
	fetchedAt time.Time
}

// NewCorpusPrefs wraps counter with a 5-minute preference cache.
func NewCorpusPrefs(counter SourceCounter) *CorpusPrefs {
	return &CorpusPrefs{
		counter: counter,
		ttl:     5 * time.Minute,
		byUser:  make(map[string]*prefEntry),
	}
}

// Pref returns the learned preference for a source, or NeutralSourcePref when
// the user has no history or the lookup fails.
func (c *CorpusPrefs) Pref(userID, source string) float64 {
	if userID == "" || source == "" {
		return NeutralSourcePref
	}

	c.mu.Lock()
	entry, ok := c.byUser[userID]
	if ok && time.Since(entry.fetchedAt) < c.ttl {
		pref, found := entry.prefs[source]
		c.mu.Unlock()
		if found {
			return pref
		}
		return NeutralSourcePref
	}
	c.mu.Unlock()

	counts, err := c.counter.SourceCounts(userID)
	if err != nil || len(counts) == 0 {
		return NeutralSourcePref
	}
	prefs := derivePrefs(counts)

	c.mu.Lock()
	c.byUser[userID] = &prefEntry{prefs: prefs, fetchedAt: time.Now()}
	c.mu.Unlock()

	if pref, found := prefs[source]; found {
		return pref
	}
	return NeutralSourcePref
}

// Invalidate drops the cached preferences for one user; bulk writes call
// this so the next search sees the new composition.
func (c *CorpusPrefs) Invalidate(userID string) {
	c.mu.Lock()
	delete(c.byUser, userID)
	c.mu.Unlock()
}

// derivePrefs maps corpus share to a preference: neutral at an even split,
// scaling with the distance from it, clamped to [0.25, 0.90]. A single-source
// corpus stays neutral.
func derivePrefs(counts map[string]int) map[string]float64 {
	total := 0
	for _, n := range counts {
		total += n
	}
	if total == 0 {
		return map[string]float64{}
	}

	even := 1.0 / float64(len(counts))
	prefs := make(map[string]float64, len(counts))
	for source, n := range counts {
		share := float64(n) / float64(total)
		pref := NeutralSourcePref + 0.8*(share-even)
		if pref < 0.25 {
			pref = 0.25
		}
		if pref > 0.90 {
			pref = 0.90
		}
		prefs[source] = pref
	}
	return prefs
}
