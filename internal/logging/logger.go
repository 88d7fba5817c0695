// Package logging provides categorized file-based logging for modcache.
// Each subsystem writes to its own JSON-lines file under the configured
// log directory. Logging is disabled until SetLogDir is called, so library
// consumers and tests pay nothing unless they opt in.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category identifies which subsystem produced a log entry.
type Category string

const (
	CategoryStore      Category = "store"      // pattern store, persistence, flusher
	CategoryMatch      Category = "match"      // matcher scoring and hit/miss decisions
	CategoryMerge      Category = "merge"      // merge reconciler
	CategoryFeedback   Category = "feedback"   // outcome recording
	CategoryExchange   Category = "exchange"   // batch import/export, inbox watcher
	CategoryGeneration Category = "generation" // external service calls on misses
	CategoryGeneral    Category = "general"    // everything else
)

// Log levels, lowest to highest.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// entry is the JSON-lines record written to the category files.
type entry struct {
	Timestamp string         `json:"timestamp"`
	Level     string         `json:"level"`
	Category  string         `json:"category"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Logger writes entries for one category. A Logger with a nil file is a
// no-op, which is what Get returns while logging is disabled.
type Logger struct {
	category Category
	mu       sync.Mutex
	file     *os.File
}

var (
	stateMu sync.RWMutex
	logDir  string
	level   = LevelInfo
	loggers = make(map[Category]*Logger)
)

// SetLogDir enables logging into dir, creating it if needed. An empty dir
// disables logging again. Open category files are closed so the next Get
// reopens them under the new directory.
func SetLogDir(dir string) error {
	CloseAll()

	stateMu.Lock()
	defer stateMu.Unlock()

	if dir == "" {
		logDir = ""
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	logDir = dir
	return nil
}

// SetLevel sets the minimum level that gets written: debug, info, warn,
// or error. Unknown strings fall back to info.
func SetLevel(s string) {
	stateMu.Lock()
	defer stateMu.Unlock()

	switch s {
	case "debug":
		level = LevelDebug
	case "info":
		level = LevelInfo
	case "warn", "warning":
		level = LevelWarn
	case "error":
		level = LevelError
	default:
		level = LevelInfo
	}
}

// Enabled reports whether a log directory has been configured.
func Enabled() bool {
	stateMu.RLock()
	defer stateMu.RUnlock()
	return logDir != ""
}

// Get returns (or creates) the logger for a category. While logging is
// disabled, or if the category file cannot be opened, it returns a no-op
// logger rather than an error: logging must never break the caller.
func Get(category Category) *Logger {
	stateMu.RLock()
	dir := logDir
	if l, ok := loggers[category]; ok {
		stateMu.RUnlock()
		return l
	}
	stateMu.RUnlock()

	if dir == "" {
		return &Logger{category: category}
	}

	stateMu.Lock()
	defer stateMu.Unlock()

	// Double-check after acquiring the write lock.
	if l, ok := loggers[category]; ok {
		return l
	}

	path := filepath.Join(dir, string(category)+".log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] could not open %s: %v\n", path, err)
		return &Logger{category: category}
	}

	l := &Logger{category: category, file: file}
	loggers[category] = l
	return l
}

// CloseAll closes every open category file. Call at shutdown.
func CloseAll() {
	stateMu.Lock()
	defer stateMu.Unlock()

	for _, l := range loggers {
		l.mu.Lock()
		if l.file != nil {
			l.file.Close()
			l.file = nil
		}
		l.mu.Unlock()
	}
	loggers = make(map[Category]*Logger)
}

func currentLevel() int {
	stateMu.RLock()
	defer stateMu.RUnlock()
	return level
}

func (l *Logger) write(lvl int, lvlName, msg string, fields map[string]any) {
	if l.file == nil || lvl < currentLevel() {
		return
	}

	e := entry{
		Timestamp: time.Now().Format(time.RFC3339Nano),
		Level:     lvlName,
		Category:  string(l.category),
		Message:   msg,
		Fields:    fields,
	}
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Write(data)
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...any) {
	l.write(LevelDebug, "debug", fmt.Sprintf(format, args...), nil)
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...any) {
	l.write(LevelInfo, "info", fmt.Sprintf(format, args...), nil)
}

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...any) {
	l.write(LevelWarn, "warn", fmt.Sprintf(format, args...), nil)
}

// Error logs an error message.
func (l *Logger) Error(format string, args ...any) {
	l.write(LevelError, "error", fmt.Sprintf(format, args...), nil)
}

// WithFields logs a message with structured key-value fields attached.
func (l *Logger) WithFields(lvlName, msg string, fields map[string]any) {
	var lvl int
	switch lvlName {
	case "debug":
		lvl = LevelDebug
	case "warn":
		lvl = LevelWarn
	case "error":
		lvl = LevelError
	default:
		lvl = LevelInfo
		lvlName = "info"
	}
	l.write(lvl, lvlName, msg, fields)
}

// =============================================================================
// CONVENIENCE FUNCTIONS - quick logging without getting a logger first
// =============================================================================

// Store logs to the store category.
func Store(format string, args ...any) {
	Get(CategoryStore).Info(format, args...)
}

// StoreDebug logs debug to the store category.
func StoreDebug(format string, args ...any) {
	Get(CategoryStore).Debug(format, args...)
}

// Match logs to the match category.
func Match(format string, args ...any) {
	Get(CategoryMatch).Info(format, args...)
}

// MatchDebug logs debug to the match category.
func MatchDebug(format string, args ...any) {
	Get(CategoryMatch).Debug(format, args...)
}

// Merge logs to the merge category.
func Merge(format string, args ...any) {
	Get(CategoryMerge).Info(format, args...)
}

// MergeDebug logs debug to the merge category.
func MergeDebug(format string, args ...any) {
	Get(CategoryMerge).Debug(format, args...)
}

// Feedback logs to the feedback category.
func Feedback(format string, args ...any) {
	Get(CategoryFeedback).Info(format, args...)
}

// FeedbackDebug logs debug to the feedback category.
func FeedbackDebug(format string, args ...any) {
	Get(CategoryFeedback).Debug(format, args...)
}

// Exchange logs to the exchange category.
func Exchange(format string, args ...any) {
	Get(CategoryExchange).Info(format, args...)
}

// ExchangeDebug logs debug to the exchange category.
func ExchangeDebug(format string, args ...any) {
	Get(CategoryExchange).Debug(format, args...)
}

// Generation logs to the generation category.
func Generation(format string, args ...any) {
	Get(CategoryGeneration).Info(format, args...)
}

// GenerationDebug logs debug to the generation category.
func GenerationDebug(format string, args ...any) {
	Get(CategoryGeneration).Debug(format, args...)
}

// General logs to the general category.
func General(format string, args ...any) {
	Get(CategoryGeneral).Info(format, args...)
}

// =============================================================================
// TIMING HELPERS
// =============================================================================

// Timer measures the duration of one operation.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning when the duration exceeds threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
