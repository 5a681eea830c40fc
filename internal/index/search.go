package index

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"engram/internal/embedding"
	"engram/internal/logging"
	"engram/internal/metrics"
	"engram/internal/store"
	"engram/internal/types"
)

// Strategy names one retrieval strategy.
type Strategy string

const (
	StrategySemantic      Strategy = "semantic"
	StrategyFulltext      Strategy = "fulltext"
	StrategyHighInfluence Strategy = "high_influence"
	StrategyRecent        Strategy = "recent"
)

// AllStrategies is the default strategy set, in execution order.
var AllStrategies = []Strategy{StrategySemantic, StrategyFulltext, StrategyHighInfluence, StrategyRecent}

// High-influence strategy bounds.
const (
	highInfluenceFloor = 0.7
	highInfluenceTopN  = 15
)

// recentWindowDays is the trailing window the recent strategy covers when
// the query carries no explicit time range.
const recentWindowDays = 7

// Query describes one multi-strategy search.
type Query struct {
	UserID string

	// Text drives the fulltext strategy and, absent an explicit Vector,
	// is embedded for the semantic strategy.
	Text   string
	Vector []float32

	// Filter predicates applied to every candidate regardless of which
	// strategy surfaced it.
	Filter *types.Filter

	// TimeRange scopes the recent strategy; nil means the trailing week.
	TimeRange *types.TimeRange

	Limit        int
	MinRelevance float64

	// Strategies to run; empty means all four.
	Strategies []Strategy
}

// Result is one ranked hit.
type Result struct {
	Record    *types.Record
	Relevance float64

	// Similarity and TextScore are the raw strategy scores; zero when the
	// corresponding strategy did not surface this record.
	Similarity float64
	TextScore  float64

	Strategies []Strategy
}

// Response carries ranked results plus degradation markers. Degraded is set
// when a strategy or storage tier could not contribute; results are then
// whatever the remaining strategies produced.
type Response struct {
	Results          []Result
	Degraded         bool
	FailedStrategies []Strategy
}

// Searcher runs multi-strategy retrieval: index-backed semantic and fulltext
// candidates, store-backed high-influence and recent candidates, all fused
// into one relevance ranking.
type Searcher struct {
	index   *Index
	records *store.Tiered
	engine  embedding.Engine // nil disables text-to-vector queries
	prefs   SourcePrefs
}

// NewSearcher wires a searcher. engine may be nil; prefs nil means neutral.
func NewSearcher(ix *Index, records *store.Tiered, engine embedding.Engine, prefs SourcePrefs) *Searcher {
	if prefs == nil {
		prefs = NeutralPrefs()
	}
	return &Searcher{index: ix, records: records, engine: engine, prefs: prefs}
}

// Index exposes the underlying index for maintenance calls.
func (s *Searcher) Index() *Index { return s.index }

// mergedCand accumulates per-strategy evidence for one record id before
// records are resolved and fused.
type mergedCand struct {
	similarity float64
	textScore  float64
	strategies []Strategy
	rec        *types.Record // set by store-backed strategies
}

// Search executes the query and returns fused, ranked results.
func (s *Searcher) Search(ctx context.Context, q *Query) (*Response, error) {
	start := time.Now()
	timer := logging.StartTimer(logging.CategoryIndex, "Searcher.Search")
	defer timer.Stop()

	if q == nil || q.UserID == "" {
		return nil, &types.ValidationError{Field: "user_id", Reason: "search requires a user id"}
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}
	strategies := q.Strategies
	if len(strategies) == 0 {
		strategies = AllStrategies
	}
	// Each strategy overfetches so post-filter pruning and fusion still have
	// enough candidates to fill the page.
	overfetch := 3 * limit
	if overfetch < 30 {
		overfetch = 30
	}

	resp := &Response{}
	merged := make(map[string]*mergedCand)
	fail := func(st Strategy, err error) {
		resp.Degraded = true
		resp.FailedStrategies = append(resp.FailedStrategies, st)
		logging.IndexWarn("search strategy %s unavailable for user %s: %v", st, q.UserID, err)
	}
	add := func(id string, st Strategy, rec *types.Record, score float64) {
		mc, ok := merged[id]
		if !ok {
			mc = &mergedCand{}
			merged[id] = mc
		}
		mc.strategies = append(mc.strategies, st)
		if rec != nil {
			mc.rec = rec
		}
		switch st {
		case StrategySemantic:
			mc.similarity = score
		case StrategyFulltext:
			mc.textScore = score
		}
	}

	for _, st := range strategies {
		stratStart := time.Now()
		switch st {
		case StrategySemantic:
			vec, err := s.queryVector(ctx, q)
			if err != nil {
				fail(st, err)
				continue
			}
			if len(vec) == 0 {
				continue // nothing to match against
			}
			cands, err := s.index.semanticSearch(q.UserID, vec, overfetch)
			if err != nil {
				fail(st, err)
				continue
			}
			for _, c := range cands {
				add(c.id, st, nil, c.score)
			}

		case StrategyFulltext:
			if q.Text == "" {
				continue
			}
			cands, err := s.index.fulltextSearch(q.UserID, q.Text, overfetch)
			if err != nil {
				fail(st, err)
				continue
			}
			for _, c := range cands {
				add(c.id, st, nil, c.score)
			}

		case StrategyHighInfluence:
			f := &types.Filter{UserID: q.UserID, MinInfluence: highInfluenceFloor, Limit: highInfluenceTopN}
			recs, qr := s.records.QueryRecordsByFilter(f)
			if qr != nil && qr.Degraded {
				resp.Degraded = true
			}
			for _, rec := range recs {
				add(rec.ID, st, rec, rec.Influence)
			}

		case StrategyRecent:
			tr := q.TimeRange
			if tr == nil {
				now := time.Now()
				tr = &types.TimeRange{Start: now.AddDate(0, 0, -recentWindowDays), End: now}
			}
			recs, qr, err := s.records.RecordsInRange(q.UserID, *tr)
			if err != nil {
				fail(st, err)
				continue
			}
			if qr != nil && qr.Degraded {
				resp.Degraded = true
			}
			if len(recs) > overfetch {
				recs = recs[:overfetch]
			}
			for _, rec := range recs {
				add(rec.ID, st, rec, 0)
			}

		default:
			return nil, &types.ValidationError{Field: "strategies", Reason: fmt.Sprintf("unknown strategy %q", st)}
		}
		metrics.ObserveSearch(string(st), stratStart)
	}

	results := s.fuse(q, merged, limit)
	resp.Results = results

	if resp.Degraded {
		metrics.SearchDegradedTotal.Inc()
	}
	metrics.ObserveSearch("fusion", start)
	logging.IndexDebug("search user=%s strategies=%d candidates=%d results=%d degraded=%v",
		q.UserID, len(strategies), len(merged), len(results), resp.Degraded)
	return resp, nil
}

// queryVector resolves the semantic query vector: an explicit vector wins,
// otherwise the query text is embedded.
func (s *Searcher) queryVector(ctx context.Context, q *Query) ([]float32, error) {
	if len(q.Vector) > 0 {
		return q.Vector, nil
	}
	if q.Text == "" {
		return nil, nil
	}
	if s.engine == nil {
		return nil, fmt.Errorf("no embedding engine for text query: %w", types.ErrIndexUnavailable)
	}
	vec, err := s.engine.Embed(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("query embedding failed: %v: %w", err, types.ErrIndexUnavailable)
	}
	return vec, nil
}

// fuse resolves candidate records, applies filter predicates, scores the
// union with the fusion formula, and ranks.
func (s *Searcher) fuse(q *Query, merged map[string]*mergedCand, limit int) []Result {
	now := time.Now()

	var filter *types.Filter
	if q.Filter != nil {
		cp := *q.Filter
		cp.UserID = q.UserID
		cp.Limit = 0 // ranking owns truncation
		filter = &cp
	}

	results := make([]Result, 0, len(merged))
	for id, mc := range merged {
		rec := mc.rec
		if rec == nil {
			got, err := s.records.Get(id, q.UserID)
			if err != nil {
				if !errors.Is(err, types.ErrNotFound) {
					logging.IndexWarn("failed to resolve candidate %s: %v", id, err)
				}
				continue // stale index entry or soft-deleted record
			}
			rec = got
		}
		if rec.Deleted {
			continue
		}
		if filter != nil && !filter.Matches(rec) {
			continue
		}

		rel := Relevance(rec, now, s.prefs.Pref(q.UserID, rec.Source))
		if rel < q.MinRelevance {
			continue
		}
		results = append(results, Result{
			Record:     rec,
			Relevance:  rel,
			Similarity: mc.similarity,
			TextScore:  mc.textScore,
			Strategies: mc.strategies,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Relevance != results[j].Relevance {
			return results[i].Relevance > results[j].Relevance
		}
		if results[i].Record.Influence != results[j].Record.Influence {
			return results[i].Record.Influence > results[j].Record.Influence
		}
		return results[i].Record.Timestamp.After(results[j].Record.Timestamp)
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}
