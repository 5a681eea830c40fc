// Package service is the composition root. It wires the ingestion pipeline,
// tiered storage, retrieval, profile synthesis, and the governed write path
// behind one facade, and owns the facade-level concerns: request limits,
// ingestion backpressure, conversational write sessions, and the background
// maintenance workers.
package service

import (
	"context"
	"fmt"
	"time"

	"engram/internal/attention"
	"engram/internal/config"
	"engram/internal/embedding"
	"engram/internal/enrich"
	"engram/internal/index"
	"engram/internal/intent"
	"engram/internal/logging"
	"engram/internal/metrics"
	"engram/internal/permission"
	"engram/internal/profile"
	"engram/internal/store"
	"engram/internal/types"
	"engram/internal/write"
)

// Facade-level request limits.
const (
	maxBatchRecords  = 100
	maxSearchLimit   = 50
	maxQuestionLimit = 20
	maxQuestionChars = 2000
	maxContextLimit  = 10
)

// Service is a fully wired engram instance.
type Service struct {
	cfg *config.Config

	engine   embedding.Engine
	enricher *enrich.Pipeline
	scorer   attention.Scorer
	extract  intent.Extractor

	records  *store.Tiered
	index    *index.Index
	searcher *index.Searcher
	prefs    *index.CorpusPrefs

	profiles *profile.Store
	synth    *profile.Synthesizer
	renderer *profile.Renderer

	permStore *permission.Store
	perms     *permission.Manager

	backups *write.BackupStore
	writer  *write.Executor

	sessions *sessionStore
	parser   Parser

	gate       *gate
	maintainer *maintainer
}

// New wires a service from configuration. Every subsystem opens its own
// backing store under cfg's data directory; a failure mid-wiring closes
// whatever already opened.
func New(cfg *config.Config) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	timer := logging.StartTimer(logging.CategoryBoot, "service.New")
	defer timer.Stop()

	engine, err := embedding.NewEngine(embedding.Config{
		Provider:    cfg.Embedding.Provider,
		Dimensions:  cfg.Embedding.Dimensions,
		GenAIAPIKey: cfg.Embedding.APIKey,
		GenAIModel:  cfg.Embedding.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding engine: %w", err)
	}

	records, err := store.NewTiered(store.Options{
		HotPath:     cfg.HotDBPath(),
		WarmPath:    cfg.WarmDBPath(),
		ColdDir:     cfg.ColdDirPath(),
		Thresholds:  cfg.Tiering.Thresholds(),
		HotTTL:      cfg.HotTTL(),
		HotCapacity: cfg.Storage.HotCapacity,
		CacheSize:   10000,
		CacheTTL:    cfg.CacheTTL(),
	})
	if err != nil {
		return nil, fmt.Errorf("tiered store: %w", err)
	}

	s := &Service{cfg: cfg, engine: engine, records: records}
	ok := false
	defer func() {
		if !ok {
			s.Close()
		}
	}()

	s.index, err = index.New(index.Options{
		Path:           cfg.IndexDBPath(),
		Dims:           engine.Dimensions(),
		EnableVector:   cfg.Index.EnableVectorIndex,
		EnableFulltext: cfg.Index.EnableFulltextIndex,
	})
	if err != nil {
		return nil, fmt.Errorf("index: %w", err)
	}
	s.prefs = index.NewCorpusPrefs(records)
	s.searcher = index.NewSearcher(s.index, records, engine, s.prefs)

	s.enricher = enrich.NewPipeline(engine,
		enrich.WithWorkers(cfg.Pipeline.Workers),
		enrich.WithTimeout(cfg.GetEnrichTimeout()),
	)

	s.profiles, err = profile.NewStore(cfg.ProfileDBPath())
	if err != nil {
		return nil, fmt.Errorf("profile store: %w", err)
	}
	s.synth = profile.NewSynthesizer(s.profiles, profile.NewCache(cfg.ProfileCacheTTL()), profile.SynthesizerOptions{
		ArchiveFloor: cfg.Profile.ArchiveFloor,
		ArchiveAfter: time.Duration(cfg.Profile.ArchiveAfterDays) * 24 * time.Hour,
	})
	s.renderer = profile.NewRenderer(s.synth, engine)

	s.permStore, err = permission.NewStore(cfg.AuditDBPath())
	if err != nil {
		return nil, fmt.Errorf("permission store: %w", err)
	}
	s.perms = permission.NewManager(s.permStore)

	s.backups, err = write.NewBackupStore(cfg.BackupDBPath(), cfg.BackupRetention())
	if err != nil {
		return nil, fmt.Errorf("backup store: %w", err)
	}
	s.writer = write.NewExecutor(write.Deps{
		Records:  records,
		Index:    s.index,
		Perms:    s.perms,
		Enricher: s.enricher,
		Profiles: s.synth,
		Backups:  s.backups,
	}, write.Options{
		BatchSize:           cfg.Write.BatchSizeDefault,
		BatchHardCap:        cfg.Write.BatchSizeHardCap,
		MaxEstimatedMatches: cfg.Write.MaxEstimatedMatches,
		AttentionWindowDays: cfg.Pipeline.AttentionWindow,
	})

	s.sessions = newSessionStore(cfg.SessionTTL())
	s.parser = NewKeywordParser()
	s.gate = newGate(cfg.Pipeline.MaxInFlight, cfg.Pipeline.UserQueueDepth)
	s.maintainer = newMaintainer(s, cfg.MaintenanceInterval())

	ok = true
	logging.Boot("service ready: embedding=%s dims=%d data=%s",
		engine.Name(), engine.Dimensions(), cfg.Storage.DataDir)
	return s, nil
}

// StartMaintenance launches the background workers: tier migration, cold
// compaction, audit rotation, component archival, backup and session expiry.
// Stop them through Close.
func (s *Service) StartMaintenance() {
	s.maintainer.Start()
}

// Close stops the workers and closes every backing store. Safe to call on a
// partially wired service.
func (s *Service) Close() error {
	if s.maintainer != nil {
		s.maintainer.Stop()
	}

	var firstErr error
	closeAll := []func() error{}
	if s.backups != nil {
		closeAll = append(closeAll, s.backups.Close)
	}
	if s.permStore != nil {
		closeAll = append(closeAll, s.permStore.Close)
	}
	if s.profiles != nil {
		closeAll = append(closeAll, s.profiles.Close)
	}
	if s.index != nil {
		closeAll = append(closeAll, s.index.Close)
	}
	if s.records != nil {
		closeAll = append(closeAll, s.records.Close)
	}
	for _, close := range closeAll {
		if err := close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stats is a point-in-time operational snapshot.
type Stats struct {
	Tiers     store.Stats                   `json:"tiers"`
	Indexed   int                           `json:"indexed"`
	Latencies map[string]metrics.AvgLatency `json:"latencies"`
}

// Stats snapshots tier occupancy, index size, and rolling latencies.
func (s *Service) Stats() Stats {
	st := Stats{
		Tiers:     s.records.Stats(),
		Latencies: metrics.Latencies(),
	}
	if n, err := s.index.Count(); err == nil {
		st.Indexed = n
	}
	return st
}

// ApplyRuntimeConfig applies the runtime-adjustable settings from a reloaded
// config: tier placement knobs and index strategy switches. Structural
// settings (paths, embedding dimensions, worker counts) are ignored; they
// require a restart.
func (s *Service) ApplyRuntimeConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	s.records.Tune(cfg.Tiering.Thresholds(), cfg.HotTTL(), cfg.Storage.HotCapacity)
	s.index.Tune(cfg.Index.EnableVectorIndex, cfg.Index.EnableFulltextIndex)
	logging.Get(logging.CategoryConfig).Info("runtime config applied: vector=%t fulltext=%t hot>%.2f warm>%.2f",
		cfg.Index.EnableVectorIndex, cfg.Index.EnableFulltextIndex,
		cfg.Tiering.MinInfluenceHot, cfg.Tiering.MinInfluenceWarm)
}

// Records exposes the tiered store for maintenance commands.
func (s *Service) Records() *store.Tiered { return s.records }

// Permissions exposes the permission manager for profile administration.
func (s *Service) Permissions() *permission.Manager { return s.perms }

// ReembedAll rebuilds every vector in the user's corpus with the current
// engine, then reindexes so searches see the new space.
func (s *Service) ReembedAll(ctx context.Context, userID string, progress store.ReembedProgressFn) (store.ReembedResult, error) {
	res, err := s.records.ReembedAll(ctx, userID, s.engine, progress)
	if err != nil {
		return res, err
	}
	reindexed := 0
	ferr := s.records.ForEachUser(userID, func(rec *types.Record) bool {
		if err := s.index.IndexRecord(rec, userID); err != nil {
			logging.ServiceWarn("reindex after re-embed failed for %s: %v", rec.ID, err)
			return true
		}
		reindexed++
		return true
	})
	if ferr != nil {
		return res, ferr
	}
	logging.Service("re-embed user=%s reembedded=%d reindexed=%d", userID, res.Reembedded, reindexed)
	return res, nil
}

// nowFunc is swapped by tests that need deterministic session expiry.
var nowFunc = time.Now
