// Package main implements the governed write commands: delete, restore,
// history, and grant.
package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"engram/internal/permission"
	"engram/internal/types"
	"engram/internal/write"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	deleteHard    bool
	deleteDryRun  bool
	deleteIntent  string
	historyLimit  int
	grantOps      []string
	grantDaily    int
	grantBatch    int
	grant2FA      bool
	restoreIntent string
)

// deleteCmd deletes records through the governed write path
var deleteCmd = &cobra.Command{
	Use:   "delete [record-id...]",
	Short: "Delete records (soft by default)",
	Long: `Deletes the given records through the governed write path: the operation is
risk-assessed, authorized against your permission profile, backed up, and
audited. Soft deletes tombstone the record; --hard purges it from every tier.

Use --dry-run to preview what would be affected without mutating anything.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDelete,
}

// restoreCmd undoes a previous write operation from its backup
var restoreCmd = &cobra.Command{
	Use:   "restore [operation-id]",
	Short: "Restore records from a previous operation's backup",
	Args:  cobra.ExactArgs(1),
	RunE:  runRestore,
}

// historyCmd lists the user's write audit history
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the write operation audit history",
	RunE:  runHistory,
}

// grantCmd administers the user's permission profile
var grantCmd = &cobra.Command{
	Use:   "grant [level]",
	Short: "Set the user's permission profile",
	Long: `Sets the user's permission level and operation whitelist.

Levels: none, read_only, write_limited, write_full, admin

Examples:
  engram grant write_full
  engram grant write_limited --ops create,update,bulk_tag --daily-limit 50`,
	Args: cobra.ExactArgs(1),
	RunE: runGrant,
}

func init() {
	deleteCmd.Flags().BoolVar(&deleteHard, "hard", false, "Purge from every tier instead of tombstoning")
	deleteCmd.Flags().BoolVar(&deleteDryRun, "dry-run", false, "Preview without mutating")
	deleteCmd.Flags().StringVar(&deleteIntent, "intent", "", "Reason recorded in the audit log")

	restoreCmd.Flags().StringVar(&restoreIntent, "intent", "", "Reason recorded in the audit log")

	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum entries")

	grantCmd.Flags().StringSliceVar(&grantOps, "ops", nil, "Operation whitelist (empty allows all the level permits)")
	grantCmd.Flags().IntVar(&grantDaily, "daily-limit", 0, "Daily operation ceiling (0 keeps current)")
	grantCmd.Flags().IntVar(&grantBatch, "batch-limit", 0, "Per-operation batch ceiling (0 keeps current)")
	grantCmd.Flags().BoolVar(&grant2FA, "require-2fa", false, "Require a second factor for high-risk operations")
}

func runDelete(cmd *cobra.Command, args []string) error {
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

	logger.Info("Deleting records",
		zap.String("user", user),
		zap.Int("count", len(args)),
		zap.Bool("hard", deleteHard),
		zap.Bool("dry_run", deleteDryRun))

	res, err := svc.Write(ctx, &write.Op{
		UserID:  user,
		Type:    types.OpDelete,
		Intent:  deleteIntent,
		DryRun:  deleteDryRun,
		IDs:     args,
		Hard:    deleteHard,
		Context: callContext(),
	})
	if err != nil {
		return fmt.Errorf("delete failed: %w", err)
	}
	return printWriteResult(res)
}

func runRestore(cmd *cobra.Command, args []string) error {
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

	logger.Info("Restoring from backup", zap.String("user", user), zap.String("operation", args[0]))

	res, err := svc.Restore(ctx, user, args[0], callContext())
	if err != nil {
		return fmt.Errorf("restore failed: %w", err)
	}
	return printWriteResult(res)
}

func runHistory(cmd *cobra.Command, args []string) error {
	user, err := resolveUser()
	if err != nil {
		return err
	}

	svc, _, err := openService()
	if err != nil {
		return err
	}
	defer svc.Close()

	entries, err := svc.WriteHistory(user, historyLimit)
	if err != nil {
		return fmt.Errorf("history failed: %w", err)
	}

	if jsonOut {
		return printJSON(entries)
	}

	if len(entries) == 0 {
		fmt.Println("No write operations recorded.")
		return nil
	}
	fmt.Printf("%-16s  %-12s  %-10s  %-8s  %8s  %s\n", "TIME", "OP", "OUTCOME", "RISK", "AFFECTED", "OPERATION")
	for _, e := range entries {
		fmt.Printf("%-16s  %-12s  %-10s  %-8s  %8d  %s\n",
			e.RequestedAt.Format("2006-01-02 15:04"), e.Op, e.Outcome, e.Risk, e.AffectedCount, e.ID)
		if len(e.Flags) > 0 {
			fmt.Printf("%18s flags: %s\n", "", strings.Join(e.Flags, ", "))
		}
		if e.Intent != "" {
			fmt.Printf("%18s intent: %s\n", "", e.Intent)
		}
	}
	return nil
}

func runGrant(cmd *cobra.Command, args []string) error {
	user, err := resolveUser()
	if err != nil {
		return err
	}

	level := types.PermissionLevel(args[0])
	switch level {
	case types.PermNone, types.PermReadOnly, types.PermWriteLimited, types.PermWriteFull, types.PermAdmin:
	default:
		return fmt.Errorf("unknown level %q (want none, read_only, write_limited, write_full, or admin)", args[0])
	}

	var ops []types.OpType
	for _, raw := range grantOps {
		op := types.OpType(strings.TrimSpace(raw))
		if !op.Valid() {
			return fmt.Errorf("unknown operation %q", raw)
		}
		ops = append(ops, op)
	}

	svc, _, err := openService()
	if err != nil {
		return err
	}
	defer svc.Close()

	prof, err := svc.Permissions().Profile(user)
	if err != nil {
		return fmt.Errorf("load profile: %w", err)
	}
	prof.Level = level
	prof.AllowedOps = ops
	prof.Require2FA = grant2FA
	if grantDaily > 0 {
		prof.DailyOpLimit = grantDaily
	}
	if grantBatch > 0 {
		prof.BatchSizeLimit = grantBatch
	}
	prof.UpdatedAt = time.Now().UTC()

	if err := svc.Permissions().SetProfile(prof); err != nil {
		return fmt.Errorf("save profile: %w", err)
	}

	logger.Info("Permission profile updated",
		zap.String("user", user),
		zap.String("level", string(level)),
		zap.Int("allowed_ops", len(ops)))

	if jsonOut {
		return printJSON(prof)
	}
	opsDesc := "all the level permits"
	if len(ops) > 0 {
		opsDesc = joinOps(ops)
	}
	fmt.Printf("%s: level=%s ops=%s daily=%d batch=%d\n",
		user, prof.Level, opsDesc, prof.DailyOpLimit, prof.BatchSizeLimit)
	return nil
}

// callContext tags governed writes with their originating surface.
func callContext() permission.CallContext {
	return permission.CallContext{SourceApp: "cli"}
}

// printWriteResult reports a write result in the requested format.
func printWriteResult(res *write.Result) error {
	if jsonOut {
		return printJSON(res)
	}

	if res.DryRun {
		fmt.Printf("preview: %s would affect %d records\n", res.Op, res.MatchedCount)
		for _, rec := range res.Sample {
			fmt.Printf("  %s: %s\n", rec.ID, firstLine(rec.Highlight))
		}
		fmt.Println("re-run without --dry-run to apply")
		return nil
	}

	fmt.Printf("%s: %s, affected %d (%s)\n",
		res.Op, res.Status, res.AffectedCount, res.Duration.Round(time.Millisecond))
	for _, item := range res.Items {
		if item.Error != "" {
			fmt.Printf("  %s: %s\n", item.ID, item.Error)
		}
	}
	for _, w := range res.Warnings {
		fmt.Printf("  warning: %s\n", w)
	}
	if res.AuditID != "" {
		fmt.Printf("  audit: %s (restore with: engram restore %s)\n", res.AuditID, res.OperationID)
	}
	return nil
}

func joinOps(ops []types.OpType) string {
	parts := make([]string, len(ops))
	for i, op := range ops {
		parts[i] = string(op)
	}
	return strings.Join(parts, ",")
}
