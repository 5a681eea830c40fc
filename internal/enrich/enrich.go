// Package enrich implements the content enrichment pipeline. Each record
// passes through five stages in order: semantic tags, recommended highlights,
// semantic summary, embedding vector, quality score. Stages are best-effort;
// a failed stage is recorded on the record and the pipeline continues, so a
// record is never lost to a transient model outage.
package enrich

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"engram/internal/embedding"
	"engram/internal/logging"
	"engram/internal/types"
)

// Stage names recorded in ProcessingMeta.DegradedStages when a stage fails.
const (
	StageTags       = "semantic_tags"
	StageHighlights = "recommended_highlights"
	StageSemantic   = "semantic_summary"
	StageEmbedding  = "embedding"
	StageQuality    = "quality"
)

// UserContext carries the per-user signals enrichment may consult. All fields
// are optional; a nil context degrades every history-aware factor to its
// content-only form.
type UserContext struct {
	// RecentTags is the union of tags across the user's recent records,
	// used by the novelty factor.
	RecentTags []string

	// SourcePreferences maps source app to a learned preference in [0,1].
	SourcePreferences map[string]float64
}

// Pipeline runs enrichment over records. Safe for concurrent use.
type Pipeline struct {
	embedder embedding.Engine
	novelty  NoveltyPolicy
	workers  int
	timeout  time.Duration
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithNovelty replaces the default history-aware novelty policy.
func WithNovelty(p NoveltyPolicy) Option {
	return func(pl *Pipeline) { pl.novelty = p }
}

// WithWorkers bounds batch parallelism.
func WithWorkers(n int) Option {
	return func(pl *Pipeline) {
		if n > 0 {
			pl.workers = n
		}
	}
}

// WithTimeout bounds the embedding call per record.
func WithTimeout(d time.Duration) Option {
	return func(pl *Pipeline) {
		if d > 0 {
			pl.timeout = d
		}
	}
}

// NewPipeline creates an enrichment pipeline backed by the given embedder.
func NewPipeline(embedder embedding.Engine, opts ...Option) *Pipeline {
	p := &Pipeline{
		embedder: embedder,
		novelty:  &HistoryNovelty{},
		workers:  8,
		timeout:  10 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Enrich runs all five stages on a record in place and returns it. The only
// stage that can realistically fail is the embedding call; failures are
// appended to Processing.DegradedStages rather than aborting.
func (p *Pipeline) Enrich(ctx context.Context, rec *types.Record, userCtx *UserContext) (*types.Record, error) {
	timer := logging.StartTimer(logging.CategoryEnrich, "enrich")
	degraded := rec.Processing.DegradedStages[:0]

	rec.EnhancedTags = semanticTags(rec.Highlight, rec.Note)
	rec.RecommendedHighlights = recommendHighlights(rec.Note)
	rec.Semantic = analyzeSemantics(rec.Highlight, rec.Note)

	embedCtx, cancel := context.WithTimeout(ctx, p.timeout)
	vec, err := p.embedder.Embed(embedCtx, rec.Highlight+" "+rec.Note)
	cancel()
	if err != nil {
		degraded = append(degraded, StageEmbedding)
		logging.EnrichWarn("embedding failed for record %s: %v", rec.ID, err)
	} else {
		rec.Embedding = vec
	}

	rec.Quality = scoreQuality(rec, userCtx, p.novelty)

	rec.Processing.DegradedStages = degraded
	rec.Processing.EnrichedAt = time.Now().UTC()
	timer.Stop()
	logging.EnrichDebug("record=%s tags=%d degraded=%d", rec.ID, len(rec.EnhancedTags), len(degraded))

	if len(degraded) > 0 {
		return rec, fmt.Errorf("stage %s: %w", degraded[0], types.ErrEnrichmentDegraded)
	}
	return rec, nil
}

// EnrichBatch enriches records in parallel behind a bounded worker pool.
// Per-record degradation never fails the batch; only context cancellation
// aborts it. The input order is preserved.
func (p *Pipeline) EnrichBatch(ctx context.Context, recs []*types.Record, userCtx *UserContext) error {
	if len(recs) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)

	for _, rec := range recs {
		rec := rec
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			_, err := p.Enrich(gctx, rec, userCtx)
			if err != nil && !types.IsRetryable(err) {
				// Degraded records stay in the batch.
				logging.EnrichDebug("record %s enriched degraded: %v", rec.ID, err)
			}
			return gctx.Err()
		})
	}
	return g.Wait()
}

// tokenize splits text into whitespace-delimited words with edge punctuation
// stripped.
func tokenize(text string) []string {
	fields := make([]string, 0, 32)
	for _, w := range splitWords(text) {
		w = trimPunct(w)
		if w != "" {
			fields = append(fields, w)
		}
	}
	return fields
}

// uniqueInOrder deduplicates while keeping first-occurrence order, which
// keeps stage output stable under identical input.
func uniqueInOrder(words []string, limit int) []string {
	seen := make(map[string]bool, len(words))
	out := make([]string, 0, limit)
	for _, w := range words {
		if seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
		if len(out) == limit {
			break
		}
	}
	return out
}

// sortByScoreDesc orders scored strings by score descending, preserving the
// original order among equals.
func sortByScoreDesc(items []scoredText) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].score > items[j].score
	})
}

type scoredText struct {
	text  string
	score int
}
