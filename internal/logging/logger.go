// Package logging provides config-driven categorized file-based logging for
// vigil. Logs are written to the configured log directory with separate files
// per category. When debug_mode is off, only warn and error entries are
// written; the daemon never logs payload content at info level.
package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category represents a log category/system.
type Category string

const (
	CategoryBoot       Category = "boot"       // startup and shutdown
	CategoryTick       Category = "tick"       // heartbeat scheduler
	CategoryGate       Category = "gate"       // dispatch tier decisions
	CategoryOutbox     Category = "outbox"     // queue claim/consume lifecycle
	CategoryStore      Category = "store"      // memory store operations
	CategoryWatch      Category = "watch"      // filesystem watcher
	CategoryInterpret  Category = "interpret"  // directive parsing and execution
	CategoryCapability Category = "capability" // external endpoint calls
)

// Settings mirrors config.LoggingConfig so this package does not depend on
// the config package (which logs through it during load).
type Settings struct {
	DebugMode  bool
	Level      string
	JSONFormat bool
	Categories map[string]bool
	Dir        string
}

// Entry is the structured JSON form of a log line.
type Entry struct {
	Timestamp int64                  `json:"ts"` // Unix milliseconds
	Category  string                 `json:"cat"`
	Level     string                 `json:"lvl"`
	Message   string                 `json:"msg"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Logger wraps a standard logger with category and file output.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

// Log levels.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	settings  Settings
	settingsMu sync.RWMutex
	logLevel  int
)

// Initialize configures the logging system. Call once at startup before any
// component logs. Safe to call again (e.g. on config reload).
func Initialize(s Settings) error {
	settingsMu.Lock()
	settings = s
	switch s.Level {
	case "debug":
		logLevel = LevelDebug
	case "warn", "warning":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}
	settingsMu.Unlock()

	if s.Dir == "" {
		return nil
	}
	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	Boot("=== vigil logging initialized ===")
	Boot("logs directory: %s debug=%v level=%s", s.Dir, s.DebugMode, s.Level)
	return nil
}

// IsCategoryEnabled returns whether a specific category writes to disk.
func IsCategoryEnabled(category Category) bool {
	settingsMu.RLock()
	defer settingsMu.RUnlock()

	if settings.Dir == "" {
		return false
	}
	if settings.Categories == nil {
		return true
	}
	enabled, exists := settings.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category. Returns a no-op
// logger when the category is disabled or no log directory is configured.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
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

	if l, ok := loggers[category]; ok {
		return l
	}

	// Date prefix keeps rotation a matter of deleting old files.
	settingsMu.RLock()
	dir := settings.Dir
	settingsMu.RUnlock()

	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(dir, fmt.Sprintf("%s_%s.log", date, category))

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] could not open log file %s: %v\n", logPath, err)
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

func (l *Logger) write(level int, name, format string, args ...interface{}) {
	if l.logger == nil || logLevel > level {
		return
	}
	settingsMu.RLock()
	debug := settings.DebugMode
	jsonFmt := settings.JSONFormat
	settingsMu.RUnlock()

	// Without debug mode, keep disk quiet below warn.
	if !debug && level < LevelWarn {
		return
	}

	msg := fmt.Sprintf(format, args...)
	if jsonFmt {
		entry := Entry{
			Timestamp: time.Now().UnixMilli(),
			Category:  string(l.category),
			Level:     name,
			Message:   msg,
		}
		if data, err := json.Marshal(entry); err == nil {
			l.logger.Printf("%s", data)
			return
		}
	}
	l.logger.Printf("[%s] %s", name, msg)
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.write(LevelDebug, "DEBUG", format, args...)
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	l.write(LevelInfo, "INFO", format, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.write(LevelWarn, "WARN", format, args...)
}

// Error logs an error message. Errors are always written when a file exists.
func (l *Logger) Error(format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	settingsMu.RLock()
	jsonFmt := settings.JSONFormat
	settingsMu.RUnlock()
	if jsonFmt {
		entry := Entry{
			Timestamp: time.Now().UnixMilli(),
			Category:  string(l.category),
			Level:     "ERROR",
			Message:   msg,
		}
		if data, err := json.Marshal(entry); err == nil {
			l.logger.Printf("%s", data)
			return
		}
	}
	l.logger.Printf("[ERROR] %s", msg)
}

// CloseAll closes all open log files (call at shutdown).
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

// Convenience functions. No-ops when the category is disabled.

// Boot logs to the boot category.
func Boot(format string, args ...interface{}) { Get(CategoryBoot).Info(format, args...) }

// Tick logs to the tick category.
func Tick(format string, args ...interface{}) { Get(CategoryTick).Info(format, args...) }

// TickDebug logs debug to the tick category.
func TickDebug(format string, args ...interface{}) { Get(CategoryTick).Debug(format, args...) }

// GateLog logs to the gate category.
func GateLog(format string, args ...interface{}) { Get(CategoryGate).Info(format, args...) }

// GateDebug logs debug to the gate category.
func GateDebug(format string, args ...interface{}) { Get(CategoryGate).Debug(format, args...) }

// Outbox logs to the outbox category.
func Outbox(format string, args ...interface{}) { Get(CategoryOutbox).Info(format, args...) }

// OutboxDebug logs debug to the outbox category.
func OutboxDebug(format string, args ...interface{}) { Get(CategoryOutbox).Debug(format, args...) }

// Store logs to the store category.
func Store(format string, args ...interface{}) { Get(CategoryStore).Info(format, args...) }

// StoreDebug logs debug to the store category.
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }

// Watch logs to the watch category.
func Watch(format string, args ...interface{}) { Get(CategoryWatch).Info(format, args...) }

// Interpret logs to the interpret category.
func Interpret(format string, args ...interface{}) { Get(CategoryInterpret).Info(format, args...) }

// Capability logs to the capability category.
func Capability(format string, args ...interface{}) { Get(CategoryCapability).Info(format, args...) }

// Timer helps measure operation duration.
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
