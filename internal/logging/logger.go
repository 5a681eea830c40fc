// Package logging provides config-driven categorized file-based logging for engram.
// Logs are written to <data_dir>/logs/ with separate files per category.
// Logging is controlled by the logging section of config.yaml - when disabled,
// every call is a silent no-op so the pipeline pays nothing in production.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"encoding/json"

	"gopkg.in/yaml.v3"
)

// Category represents a log category/subsystem
type Category string

const (
	// Boot/lifecycle categories
	CategoryBoot   Category = "boot"   // Startup, shutdown, config load
	CategoryConfig Category = "config" // Config reloads, runtime overrides

	// Pipeline categories
	CategoryIngest    Category = "ingest"    // Batch submission, validation
	CategoryEnrich    Category = "enrich"    // Enrichment pipeline stages
	CategoryAttention Category = "attention" // Attention scoring
	CategoryEmbedding Category = "embedding" // Embedding engine calls

	// Storage categories
	CategoryStore Category = "store" // Tier placement, reads, migration
	CategoryIndex Category = "index" // Vector/fulltext index maintenance, search

	// Profile categories
	CategoryIntent  Category = "intent"  // Intent extraction
	CategoryProfile Category = "profile" // Profile synthesis, rebalancing
	CategoryRender  Category = "render"  // Context view rendering

	// Write-path categories
	CategoryWrite  Category = "write"  // Write executor operations
	CategoryPermit Category = "permit" // Permission decisions, risk scoring
	CategoryAudit  Category = "audit"  // Audit log sink

	// Surface categories
	CategoryService Category = "service" // Facade request handling
)

// loggingConfig mirrors the relevant parts of config.LoggingConfig
// to avoid circular imports
type loggingConfig struct {
	Enabled    bool            `yaml:"enabled"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
}

// configFile structure for reading the logging section of config.yaml
type configFile struct {
	Logging loggingConfig `yaml:"logging"`
}

// StructuredLogEntry is the JSON form of a log line.
type StructuredLogEntry struct {
	Timestamp int64                  `json:"ts"`  // Unix milliseconds
	Category  string                 `json:"cat"` // Log category
	Level     string                 `json:"lvl"` // debug/info/warn/error
	Message   string                 `json:"msg"` // Log message
	RequestID string                 `json:"req,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Logger wraps a standard logger with category and file output
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers      = make(map[Category]*Logger)
	loggersMu    sync.RWMutex
	logsDir      string
	dataDir      string
	config       loggingConfig
	configLoaded bool
	configMu     sync.RWMutex
	logLevel     int // 0=debug, 1=info, 2=warn, 3=error
)

// Log levels
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Initialize sets up the logging directory and loads config.
// Should be called once at startup with the data directory path.
func Initialize(dir string) error {
	if dir == "" {
		return fmt.Errorf("data directory required")
	}

	dataDir = dir
	logsDir = filepath.Join(dataDir, "logs")

	if err := loadConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not load config: %v\n", err)
		config.Enabled = false
	}

	// Only create the logs directory when logging is on.
	if !IsEnabled() {
		return nil
	}

	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	bootLogger := Get(CategoryBoot)
	bootLogger.Info("=== engram logging initialized ===")
	bootLogger.Info("Data directory: %s", dataDir)
	bootLogger.Info("Logs directory: %s", logsDir)
	bootLogger.Info("Log level: %s", config.Level)

	return nil
}

// Configure applies logging settings programmatically, bypassing the config
// file. Used by the CLI after config.Load and by tests.
func Configure(enabled bool, level string, jsonFormat bool, categories map[string]bool) {
	configMu.Lock()
	config = loggingConfig{
		Enabled:    enabled,
		Level:      level,
		JSONFormat: jsonFormat,
		Categories: categories,
	}
	configLoaded = true
	applyLevel(level)
	configMu.Unlock()

	if enabled && logsDir != "" {
		_ = os.MkdirAll(logsDir, 0755)
	}
}

// loadConfig reads the logging section from <data_dir>/config.yaml
func loadConfig() error {
	configMu.Lock()
	defer configMu.Unlock()

	configPath := filepath.Join(dataDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// No config = logging off
			config.Enabled = false
			configLoaded = true
			return nil
		}
		return err
	}

	var cf configFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	config = cf.Logging
	configLoaded = true
	applyLevel(config.Level)

	return nil
}

func applyLevel(level string) {
	switch level {
	case "debug":
		logLevel = LevelDebug
	case "info":
		logLevel = LevelInfo
	case "warn", "warning":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}
}

// ReloadConfig reloads the config from disk.
// Call this if config changes at runtime.
func ReloadConfig() error {
	return loadConfig()
}

// IsEnabled returns whether file logging is enabled
func IsEnabled() bool {
	configMu.RLock()
	defer configMu.RUnlock()
	return config.Enabled
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	configMu.RLock()
	defer configMu.RUnlock()

	if !config.Enabled {
		return false
	}

	if config.Categories == nil {
		return true // All enabled by default
	}

	enabled, exists := config.Categories[string(category)]
	if !exists {
		return true // Enable by default if not specified
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if logging is disabled or the category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category}
	}

	if logsDir == "" {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()

	// Double-check after acquiring write lock
	if l, ok := loggers[category]; ok {
		return l
	}

	// Date prefix keeps rotation trivial: old files age out by name.
	date := time.Now().Format("2006-01-02")
	filename := fmt.Sprintf("%s_%s.log", date, category)
	logPath := filepath.Join(logsDir, filename)

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l

	return l
}

// logJSON writes a structured JSON log entry
func (l *Logger) logJSON(level, msg string) {
	entry := StructuredLogEntry{
		Timestamp: time.Now().UnixMilli(),
		Category:  string(l.category),
		Level:     level,
		Message:   msg,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		l.logger.Printf("[%s] %s", level, msg) // Fallback to text
		return
	}
	l.logger.Printf("%s", data)
}

// Debug logs a debug message (only if level <= debug)
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelDebug {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if config.JSONFormat {
		l.logJSON("debug", msg)
	} else {
		l.logger.Printf("[DEBUG] %s", msg)
	}
}

// Info logs an informational message (only if level <= info)
func (l *Logger) Info(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelInfo {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if config.JSONFormat {
		l.logJSON("info", msg)
	} else {
		l.logger.Printf("[INFO] %s", msg)
	}
}

// Warn logs a warning message (only if level <= warn)
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelWarn {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if config.JSONFormat {
		l.logJSON("warn", msg)
	} else {
		l.logger.Printf("[WARN] %s", msg)
	}
}

// Error logs an error message (always logged if logger exists)
func (l *Logger) Error(format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if config.JSONFormat {
		l.logJSON("error", msg)
	} else {
		l.logger.Printf("[ERROR] %s", msg)
	}
}

// StructuredLog writes a fully structured log entry with custom fields
func (l *Logger) StructuredLog(level string, msg string, fields map[string]interface{}) {
	if l.logger == nil {
		return
	}
	entry := StructuredLogEntry{
		Timestamp: time.Now().UnixMilli(),
		Category:  string(l.category),
		Level:     level,
		Message:   msg,
		Fields:    fields,
	}
	if config.JSONFormat {
		data, err := json.Marshal(entry)
		if err == nil {
			l.logger.Printf("%s", data)
			return
		}
	}
	l.logger.Printf("[%s] %s | fields=%v", level, msg, fields)
}

// CloseAll closes all open log files (call at shutdown)
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// These are no-ops if the category is disabled
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Info(format, args...)
}

// BootWarn logs warning to the boot category
func BootWarn(format string, args ...interface{}) {
	Get(CategoryBoot).Warn(format, args...)
}

// Ingest logs to the ingest category
func Ingest(format string, args ...interface{}) {
	Get(CategoryIngest).Info(format, args...)
}

// IngestDebug logs debug to the ingest category
func IngestDebug(format string, args ...interface{}) {
	Get(CategoryIngest).Debug(format, args...)
}

// IngestWarn logs warning to the ingest category
func IngestWarn(format string, args ...interface{}) {
	Get(CategoryIngest).Warn(format, args...)
}

// Enrich logs to the enrich category
func Enrich(format string, args ...interface{}) {
	Get(CategoryEnrich).Info(format, args...)
}

// EnrichDebug logs debug to the enrich category
func EnrichDebug(format string, args ...interface{}) {
	Get(CategoryEnrich).Debug(format, args...)
}

// EnrichWarn logs warning to the enrich category
func EnrichWarn(format string, args ...interface{}) {
	Get(CategoryEnrich).Warn(format, args...)
}

// Attention logs to the attention category
func Attention(format string, args ...interface{}) {
	Get(CategoryAttention).Info(format, args...)
}

// AttentionDebug logs debug to the attention category
func AttentionDebug(format string, args ...interface{}) {
	Get(CategoryAttention).Debug(format, args...)
}

// Embedding logs to the embedding category
func Embedding(format string, args ...interface{}) {
	Get(CategoryEmbedding).Info(format, args...)
}

// EmbeddingDebug logs debug to the embedding category
func EmbeddingDebug(format string, args ...interface{}) {
	Get(CategoryEmbedding).Debug(format, args...)
}

// EmbeddingWarn logs warning to the embedding category
func EmbeddingWarn(format string, args ...interface{}) {
	Get(CategoryEmbedding).Warn(format, args...)
}

// EmbeddingError logs error to the embedding category
func EmbeddingError(format string, args ...interface{}) {
	Get(CategoryEmbedding).Error(format, args...)
}

// Store logs to the store category
func Store(format string, args ...interface{}) {
	Get(CategoryStore).Info(format, args...)
}

// StoreDebug logs debug to the store category
func StoreDebug(format string, args ...interface{}) {
	Get(CategoryStore).Debug(format, args...)
}

// StoreWarn logs warning to the store category
func StoreWarn(format string, args ...interface{}) {
	Get(CategoryStore).Warn(format, args...)
}

// StoreError logs error to the store category
func StoreError(format string, args ...interface{}) {
	Get(CategoryStore).Error(format, args...)
}

// Index logs to the index category
func Index(format string, args ...interface{}) {
	Get(CategoryIndex).Info(format, args...)
}

// IndexDebug logs debug to the index category
func IndexDebug(format string, args ...interface{}) {
	Get(CategoryIndex).Debug(format, args...)
}

// IndexWarn logs warning to the index category
func IndexWarn(format string, args ...interface{}) {
	Get(CategoryIndex).Warn(format, args...)
}

// Intent logs to the intent category
func Intent(format string, args ...interface{}) {
	Get(CategoryIntent).Info(format, args...)
}

// IntentDebug logs debug to the intent category
func IntentDebug(format string, args ...interface{}) {
	Get(CategoryIntent).Debug(format, args...)
}

// Profile logs to the profile category
func Profile(format string, args ...interface{}) {
	Get(CategoryProfile).Info(format, args...)
}

// ProfileDebug logs debug to the profile category
func ProfileDebug(format string, args ...interface{}) {
	Get(CategoryProfile).Debug(format, args...)
}

// ProfileWarn logs warning to the profile category
func ProfileWarn(format string, args ...interface{}) {
	Get(CategoryProfile).Warn(format, args...)
}

// Render logs to the render category
func Render(format string, args ...interface{}) {
	Get(CategoryRender).Info(format, args...)
}

// RenderDebug logs debug to the render category
func RenderDebug(format string, args ...interface{}) {
	Get(CategoryRender).Debug(format, args...)
}

// Write logs to the write category
func Write(format string, args ...interface{}) {
	Get(CategoryWrite).Info(format, args...)
}

// WriteDebug logs debug to the write category
func WriteDebug(format string, args ...interface{}) {
	Get(CategoryWrite).Debug(format, args...)
}

// WriteWarn logs warning to the write category
func WriteWarn(format string, args ...interface{}) {
	Get(CategoryWrite).Warn(format, args...)
}

// WriteError logs error to the write category
func WriteError(format string, args ...interface{}) {
	Get(CategoryWrite).Error(format, args...)
}

// Permit logs to the permit category
func Permit(format string, args ...interface{}) {
	Get(CategoryPermit).Info(format, args...)
}

// PermitDebug logs debug to the permit category
func PermitDebug(format string, args ...interface{}) {
	Get(CategoryPermit).Debug(format, args...)
}

// PermitWarn logs warning to the permit category
func PermitWarn(format string, args ...interface{}) {
	Get(CategoryPermit).Warn(format, args...)
}

// Audit logs to the audit category
func Audit(format string, args ...interface{}) {
	Get(CategoryAudit).Info(format, args...)
}

// AuditError logs error to the audit category
func AuditError(format string, args ...interface{}) {
	Get(CategoryAudit).Error(format, args...)
}

// Service logs to the service category
func Service(format string, args ...interface{}) {
	Get(CategoryService).Info(format, args...)
}

// ServiceDebug logs debug to the service category
func ServiceDebug(format string, args ...interface{}) {
	Get(CategoryService).Debug(format, args...)
}

// ServiceWarn logs warning to the service category
func ServiceWarn(format string, args ...interface{}) {
	Get(CategoryService).Warn(format, args...)
}

// =============================================================================
// REQUEST ID TRACING - correlates all log lines of one facade call
// =============================================================================

// RequestLogger provides request-scoped logging with a correlation ID
type RequestLogger struct {
	logger    *Logger
	requestID string
	fields    map[string]interface{}
}

// WithRequestID creates a request-scoped logger. The facade passes the
// operation id so ingest, store, and profile lines line up per request.
func WithRequestID(category Category, requestID string) *RequestLogger {
	return &RequestLogger{
		logger:    Get(category),
		requestID: requestID,
		fields:    make(map[string]interface{}),
	}
}

// WithField adds a field to the request logger
func (r *RequestLogger) WithField(key string, value interface{}) *RequestLogger {
	r.fields[key] = value
	return r
}

func (r *RequestLogger) formatMsg(format string, args ...interface{}) string {
	msg := fmt.Sprintf(format, args...)
	if len(r.fields) > 0 {
		return fmt.Sprintf("[req:%s] %s | %v", r.requestID, msg, r.fields)
	}
	return fmt.Sprintf("[req:%s] %s", r.requestID, msg)
}

func (r *RequestLogger) Debug(format string, args ...interface{}) {
	if r.logger.logger == nil || logLevel > LevelDebug {
		return
	}
	r.logger.logger.Printf("[DEBUG] %s", r.formatMsg(format, args...))
}

func (r *RequestLogger) Info(format string, args ...interface{}) {
	if r.logger.logger == nil || logLevel > LevelInfo {
		return
	}
	r.logger.logger.Printf("[INFO] %s", r.formatMsg(format, args...))
}

func (r *RequestLogger) Warn(format string, args ...interface{}) {
	if r.logger.logger == nil || logLevel > LevelWarn {
		return
	}
	r.logger.logger.Printf("[WARN] %s", r.formatMsg(format, args...))
}

func (r *RequestLogger) Error(format string, args ...interface{}) {
	if r.logger.logger == nil {
		return
	}
	r.logger.logger.Printf("[ERROR] %s", r.formatMsg(format, args...))
}

// =============================================================================
// TIMING HELPERS - For performance logging
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithInfo ends the timer and logs at info level
func (t *Timer) StopWithInfo() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Info("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
