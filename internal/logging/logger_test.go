package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// resetState clears package globals between tests. The logger keeps global
// state on purpose (one file handle per category) so tests must reset it.
func resetState() {
	CloseAll()
	configMu.Lock()
	config = loggingConfig{}
	configLoaded = false
	configMu.Unlock()
	logsDir = ""
	dataDir = ""
}

func TestInitializeWithoutConfigIsSilent(t *testing.T) {
	defer resetState()

	tempDir := t.TempDir()
	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if IsEnabled() {
		t.Error("logging should default to disabled with no config file")
	}

	// Logging calls must be harmless no-ops.
	Store("this should go nowhere")
	StoreWarn("neither should this")

	if _, err := os.Stat(filepath.Join(tempDir, "logs")); !os.IsNotExist(err) {
		t.Error("logs directory should not be created when logging is disabled")
	}
}

func TestCategoriesWriteToSeparateFiles(t *testing.T) {
	defer resetState()

	tempDir := t.TempDir()
	configContent := `logging:
  enabled: true
  level: debug
  categories:
    ingest: true
    store: true
    profile: true
`
	if err := os.WriteFile(filepath.Join(tempDir, "config.yaml"), []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	Ingest("batch accepted: %d records", 4)
	Store("record %s placed in %s tier", "rec-1", "hot")
	Profile("rebalanced %d components", 3)

	CloseAll()

	entries, err := os.ReadDir(filepath.Join(tempDir, "logs"))
	if err != nil {
		t.Fatalf("failed to read logs dir: %v", err)
	}

	found := map[string]bool{}
	for _, e := range entries {
		for _, cat := range []string{"ingest", "store", "profile"} {
			if strings.Contains(e.Name(), cat) {
				found[cat] = true
			}
		}
	}
	for _, cat := range []string{"ingest", "store", "profile"} {
		if !found[cat] {
			t.Errorf("expected a log file for category %q", cat)
		}
	}
}

func TestCategoryFilter(t *testing.T) {
	defer resetState()

	tempDir := t.TempDir()
	configContent := `logging:
  enabled: true
  level: info
  categories:
    store: true
    index: false
`
	if err := os.WriteFile(filepath.Join(tempDir, "config.yaml"), []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if !IsCategoryEnabled(CategoryStore) {
		t.Error("store category should be enabled")
	}
	if IsCategoryEnabled(CategoryIndex) {
		t.Error("index category should be disabled")
	}
	// Unlisted categories default to enabled.
	if !IsCategoryEnabled(CategoryAudit) {
		t.Error("unlisted category should default to enabled")
	}
}

func TestConfigureProgrammatic(t *testing.T) {
	defer resetState()

	tempDir := t.TempDir()
	dataDir = tempDir
	logsDir = filepath.Join(tempDir, "logs")

	Configure(true, "warn", false, nil)

	if !IsEnabled() {
		t.Fatal("Configure(true, ...) should enable logging")
	}
	if logLevel != LevelWarn {
		t.Errorf("expected warn level (%d), got %d", LevelWarn, logLevel)
	}

	// Info below the configured level must not open a file.
	Get(CategoryWrite).Info("suppressed")
	Get(CategoryWrite).Warn("recorded")
	CloseAll()

	entries, err := os.ReadDir(logsDir)
	if err != nil {
		t.Fatalf("failed to read logs dir: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("expected at least one log file")
	}

	data, err := os.ReadFile(filepath.Join(logsDir, entries[0].Name()))
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	content := string(data)
	if strings.Contains(content, "suppressed") {
		t.Error("info line should have been filtered at warn level")
	}
	if !strings.Contains(content, "recorded") {
		t.Error("warn line missing from log file")
	}
}

func TestRequestLoggerCorrelation(t *testing.T) {
	defer resetState()

	tempDir := t.TempDir()
	dataDir = tempDir
	logsDir = filepath.Join(tempDir, "logs")
	Configure(true, "debug", false, nil)

	rl := WithRequestID(CategoryService, "op-1234").WithField("user", "u1")
	rl.Info("submit batch: %d records", 2)
	CloseAll()

	data, err := os.ReadFile(filepath.Join(logsDir, entriesFor(t, logsDir)[0].Name()))
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), "[req:op-1234]") {
		t.Error("request id missing from log line")
	}
	if !strings.Contains(string(data), "user:u1") {
		t.Error("request field missing from log line")
	}
}

func entriesFor(t *testing.T, dir string) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("failed to read %s: %v", dir, err)
	}
	if len(entries) == 0 {
		t.Fatal("no log files written")
	}
	return entries
}
