// Package main implements the operational commands: stats, migrate,
// compact, and reembed.
package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// statsCmd snapshots tier occupancy, index size, and rolling latencies
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show service statistics",
	RunE:  runStats,
}

// migrateCmd runs a tier migration pass immediately
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run a tier migration pass now",
	Long: `Re-evaluates tier placement for every stored record: cooled records demote
from hot to warm and warm to cold, and the hot tier evicts down to capacity.
Normally the background maintainer does this on its own schedule.`,
	RunE: runMigrate,
}

// compactCmd compacts the cold tier shards
var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Compact cold storage shards",
	RunE:  runCompact,
}

// reembedCmd rebuilds the user's vectors with the current embedding engine
var reembedCmd = &cobra.Command{
	Use:   "reembed",
	Short: "Re-embed the user's corpus with the current embedding engine",
	Long: `Rebuilds every vector in the user's corpus with the currently configured
embedding engine, then reindexes. The corpus flips to the new vectors only
when every record re-embedded successfully; a partial failure changes
nothing.`,
	RunE: runReembed,
}

func runStats(cmd *cobra.Command, args []string) error {
	svc, cfg, err := openService()
	if err != nil {
		return err
	}
	defer svc.Close()

	st := svc.Stats()

	if jsonOut {
		return printJSON(st)
	}

	fmt.Printf("%s %s (data: %s)\n\n", cfg.Name, cfg.Version, cfg.Storage.DataDir)
	fmt.Printf("Tiers:   hot=%d warm=%d cold=%d\n", st.Tiers.HotCount, st.Tiers.WarmCount, st.Tiers.ColdCount)
	fmt.Printf("Cache:   size=%d hits=%d misses=%d\n", st.Tiers.CacheSize, st.Tiers.CacheHits, st.Tiers.CacheMisses)
	fmt.Printf("Indexed: %d records\n", st.Indexed)

	if len(st.Latencies) > 0 {
		fmt.Println("\nLatencies (rolling average):")
		names := make([]string, 0, len(st.Latencies))
		for name := range st.Latencies {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			l := st.Latencies[name]
			fmt.Printf("  %-32s %8.1fms (n=%d)\n", name, l.AvgSeconds*1000, l.Count)
		}
	}
	return nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	svc, _, err := openService()
	if err != nil {
		return err
	}
	defer svc.Close()

	logger.Info("Running tier migration")

	stats, err := svc.Records().Migrate()
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	logger.Info("Migration complete",
		zap.Int("examined", stats.Examined),
		zap.Int("demoted", stats.Demoted),
		zap.Int("evicted", stats.Evicted))

	if jsonOut {
		return printJSON(stats)
	}
	fmt.Printf("examined %d records: demoted %d, evicted %d\n",
		stats.Examined, stats.Demoted, stats.Evicted)
	return nil
}

func runCompact(cmd *cobra.Command, args []string) error {
	svc, _, err := openService()
	if err != nil {
		return err
	}
	defer svc.Close()

	logger.Info("Compacting cold storage")

	stats, err := svc.Records().CompactCold()
	if err != nil {
		return fmt.Errorf("compaction failed: %w", err)
	}

	if jsonOut {
		return printJSON(stats)
	}
	fmt.Printf("examined %d shards: rewrote %d, dropped %d stale versions\n",
		stats.ShardsExamined, stats.ShardsRewritten, stats.VersionsDropped)
	return nil
}

func runReembed(cmd *cobra.Command, args []string) error {
	user, err := resolveUser()
	if err != nil {
		return err
	}

	svc, _, err := openService()
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	logger.Info("Re-embedding corpus", zap.String("user", user))

	progress := func(msg string) {
		if !jsonOut {
			fmt.Println(msg)
		}
	}
	res, err := svc.ReembedAll(ctx, user, progress)
	if err != nil {
		return fmt.Errorf("re-embed failed: %w", err)
	}

	if jsonOut {
		return printJSON(res)
	}
	fmt.Printf("re-embedded %d of %d records in %s\n",
		res.Reembedded, res.Examined, res.Duration.Round(time.Millisecond))
	if len(res.Skipped) > 0 {
		fmt.Printf("skipped %d records with no embeddable content\n", len(res.Skipped))
	}
	return nil
}
