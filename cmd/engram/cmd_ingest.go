// Package main implements the batch ingestion command.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"engram/internal/service"
	"engram/internal/validate"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	ingestApp       string
	ingestBatchSize int
)

// ingestCmd submits observation records from JSON files or stdin
var ingestCmd = &cobra.Command{
	Use:   "ingest [file...]",
	Short: "Submit observation records from JSON files or stdin",
	Long: `Reads observation records (highlights, notes, page visits) and submits them
through the full pipeline: validation, enrichment, attention scoring, tiered
storage, indexing, and profile synthesis.

Input is a JSON array of records, or a single record object:

  [{"user_id": "u1", "timestamp": "2026-08-25T10:00:00Z", "source": "web",
    "highlight": "...", "address": "https://...", "tags": ["go"]}]

With no file arguments (or "-"), records are read from stdin.`,
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestApp, "app", "cli", "Submitting application ID")
	ingestCmd.Flags().IntVar(&ingestBatchSize, "batch-size", 100, "Records per submission batch (1-100)")
}

func runIngest(cmd *cobra.Command, args []string) error {
	user, err := resolveUser()
	if err != nil {
		return err
	}
	if ingestBatchSize < 1 || ingestBatchSize > 100 {
		return fmt.Errorf("batch-size must be between 1 and 100, got %d", ingestBatchSize)
	}

	var subs []*validate.Submission
	if len(args) == 0 {
		args = []string{"-"}
	}
	for _, path := range args {
		fileSubs, err := readSubmissions(path)
		if err != nil {
			return err
		}
		subs = append(subs, fileSubs...)
	}
	if len(subs) == 0 {
		return fmt.Errorf("no records to submit")
	}

	logger.Info("Ingesting observations",
		zap.String("user", user),
		zap.Int("records", len(subs)),
		zap.Int("batch_size", ingestBatchSize))

	svc, _, err := openService()
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Received shutdown signal")
		cancel()
	}()

	var (
		results   []*service.BatchResult
		processed int
		failures  int
	)
	for start := 0; start < len(subs); start += ingestBatchSize {
		end := min(start+ingestBatchSize, len(subs))
		batch := subs[start:end]

		res, err := svc.SubmitBatch(ctx, &service.BatchRequest{
			AppID:   ingestApp,
			UserID:  user,
			Records: batch,
		})
		if err != nil {
			return fmt.Errorf("batch %d: %w", start/ingestBatchSize+1, err)
		}
		results = append(results, res)
		processed += res.ProcessedCount
		failures += len(res.Errors)

		logger.Debug("Batch complete",
			zap.String("status", string(res.Status)),
			zap.Int("processed", res.ProcessedCount),
			zap.Int("errors", len(res.Errors)))

		if !jsonOut {
			fmt.Printf("batch %d: %s %d/%d (%s)\n",
				start/ingestBatchSize+1, res.Status, res.ProcessedCount, len(batch),
				res.Duration.Round(time.Millisecond))
			for _, ie := range res.Errors {
				fmt.Printf("  record %d (%s): %s\n", start+ie.Index, orUnknown(ie.ID), ie.Error)
			}
			for _, w := range res.Warnings {
				fmt.Printf("  warning: %s\n", w)
			}
		}
	}

	if jsonOut {
		return printJSON(results)
	}

	fmt.Printf("\nSubmitted %d of %d records", processed, len(subs))
	if failures > 0 {
		fmt.Printf(" (%d rejected or failed)", failures)
	}
	fmt.Println()
	if processed == 0 {
		return fmt.Errorf("every record was rejected")
	}
	return nil
}

// readSubmissions parses a JSON array of records, or a single record object,
// from the given path ("-" means stdin).
func readSubmissions(path string) ([]*validate.Submission, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", orStdin(path), err)
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%s: empty input", orStdin(path))
	}

	if trimmed[0] == '{' {
		var one validate.Submission
		if err := json.Unmarshal(trimmed, &one); err != nil {
			return nil, fmt.Errorf("parse %s: %w", orStdin(path), err)
		}
		return []*validate.Submission{&one}, nil
	}

	var many []*validate.Submission
	if err := json.Unmarshal(trimmed, &many); err != nil {
		return nil, fmt.Errorf("parse %s: %w", orStdin(path), err)
	}
	return many, nil
}

func orStdin(path string) string {
	if path == "-" {
		return "stdin"
	}
	return path
}

func orUnknown(id string) string {
	if id == "" {
		return "no id"
	}
	return id
}
