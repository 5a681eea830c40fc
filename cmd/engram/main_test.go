package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"engram/internal/profile"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func TestJoinArgs(t *testing.T) {
	got := joinArgs([]string{"tag", "everything", "as", "research"})
	if got != "tag everything as research" {
		t.Fatalf("expected joined args, got '%s'", got)
	}
}

func TestReadSubmissionsFormats(t *testing.T) {
	dir := t.TempDir()

	arrayPath := filepath.Join(dir, "batch.json")
	arrayJSON := `[
		{"user_id": "u1", "timestamp": "2026-08-25T10:00:00Z", "source": "web",
		 "highlight": "first", "address": "https://a.example", "access": "private"},
		{"user_id": "u1", "timestamp": "2026-08-25T11:00:00Z", "source": "web",
		 "highlight": "second", "address": "https://b.example", "access": "private"}
	]`
	if err := os.WriteFile(arrayPath, []byte(arrayJSON), 0644); err != nil {
		t.Fatal(err)
	}
	subs, err := readSubmissions(arrayPath)
	if err != nil {
		t.Fatalf("array form: %v", err)
	}
	if len(subs) != 2 || subs[1].Highlight != "second" {
		t.Fatalf("expected 2 parsed records, got %+v", subs)
	}

	objectPath := filepath.Join(dir, "one.json")
	objectJSON := `{"user_id": "u1", "timestamp": "2026-08-25T10:00:00Z", "source": "web",
		"highlight": "only", "address": "https://c.example", "access": "private"}`
	if err := os.WriteFile(objectPath, []byte(objectJSON), 0644); err != nil {
		t.Fatal(err)
	}
	subs, err = readSubmissions(objectPath)
	if err != nil {
		t.Fatalf("object form: %v", err)
	}
	if len(subs) != 1 || subs[0].Highlight != "only" {
		t.Fatalf("expected 1 parsed record, got %+v", subs)
	}

	emptyPath := filepath.Join(dir, "empty.json")
	if err := os.WriteFile(emptyPath, []byte("  \n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := readSubmissions(emptyPath); err == nil {
		t.Fatal("expected error for empty input")
	}
}

func TestParseStrategies(t *testing.T) {
	strategies, err := parseStrategies([]string{"semantic", "recent"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(strategies) != 2 {
		t.Fatalf("expected 2 strategies, got %d", len(strategies))
	}

	if _, err := parseStrategies([]string{"psychic"}); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}

func TestResolveUserPrecedence(t *testing.T) {
	origFlag := userFlag
	defer func() { userFlag = origFlag }()

	userFlag = "from_flag"
	t.Setenv("ENGRAM_USER", "from_env")
	if u, err := resolveUser(); err != nil || u != "from_flag" {
		t.Fatalf("flag should win: got %q, %v", u, err)
	}

	userFlag = ""
	if u, err := resolveUser(); err != nil || u != "from_env" {
		t.Fatalf("env should apply: got %q, %v", u, err)
	}

	t.Setenv("ENGRAM_USER", "")
	if _, err := resolveUser(); err == nil {
		t.Fatal("expected error with no user anywhere")
	}
}

func TestContextMarkdownSkipsEmptySections(t *testing.T) {
	view := &profile.ContextView{
		UserID:                "u1",
		CoreInterests:         []string{"distributed systems"},
		ActiveComponentsCount: 1,
		LastUpdated:           time.Now(),
	}
	md := contextMarkdown(view)

	if !strings.Contains(md, "## Core interests") {
		t.Fatalf("expected core interests section, got: %s", md)
	}
	if strings.Contains(md, "## Current goals") {
		t.Fatalf("empty sections should be omitted, got: %s", md)
	}
	if !strings.Contains(md, "distributed systems") {
		t.Fatalf("expected interest item, got: %s", md)
	}
}

func TestGrantRejectsUnknownLevel(t *testing.T) {
	logger = zap.NewNop()
	origFlag := userFlag
	userFlag = "grant_tester"
	defer func() { userFlag = origFlag }()

	if err := runGrant(&cobra.Command{}, []string{"superuser"}); err == nil {
		t.Fatal("expected error for unknown permission level")
	}
}

func TestIngestThenStats(t *testing.T) {
	logger = zap.NewNop()

	origUser, origData, origCfg, origJSON := userFlag, dataDir, cfgPath, jsonOut
	defer func() {
		userFlag, dataDir, cfgPath, jsonOut = origUser, origData, origCfg, origJSON
	}()
	userFlag = "cli_tester"
	dataDir = t.TempDir()
	cfgPath = filepath.Join(dataDir, "absent.yaml")
	jsonOut = false

	recordsPath := filepath.Join(t.TempDir(), "records.json")
	recordsJSON := `[
		{"user_id": "cli_tester", "timestamp": "2026-08-25T10:00:00Z", "source": "web",
		 "highlight": "learn how sqlite handles write contention", "note": "for the storage layer",
		 "address": "https://sqlite.org/lockingv3.html", "tags": ["sqlite"], "access": "private"},
		{"user_id": "cli_tester", "timestamp": "2026-08-25T11:00:00Z", "source": "web",
		 "highlight": "bbolt keeps a single writer via a file lock",
		 "address": "https://go.etcd.io/bbolt", "tags": ["storage"], "access": "private"}
	]`
	if err := os.WriteFile(recordsPath, []byte(recordsJSON), 0644); err != nil {
		t.Fatal(err)
	}

	out := captureOutput(t, func() {
		if err := runIngest(&cobra.Command{}, []string{recordsPath}); err != nil {
			t.Errorf("runIngest returned error: %v", err)
		}
	})
	if !strings.Contains(out, "Submitted 2 of 2") {
		t.Fatalf("expected full submission, got: %s", out)
	}

	out = captureOutput(t, func() {
		if err := runStats(&cobra.Command{}, nil); err != nil {
			t.Errorf("runStats returned error: %v", err)
		}
	})
	if !strings.Contains(out, "Tiers:") || !strings.Contains(out, "Indexed: 2") {
		t.Fatalf("expected stats for 2 ingested records, got: %s", out)
	}
}

func captureOutput(t *testing.T, fn func()) string {
	t.Helper()

	origOut := os.Stdout
	rOut, wOut, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	os.Stdout = wOut

	done := make(chan string)
	go func() {
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, rOut)
		done <- buf.String()
	}()

	fn()

	_ = wOut.Close()
	os.Stdout = origOut
	return <-done
}
