package logging

import (
	"encoding/json"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/slyt3/guardstats/internal/assert"
)

const (
	levelDebug = iota
	levelInfo
	levelWarn
	levelError
	levelCritical
)

const maxMessageLen = 2048

// Fields captures structured context for JSON log entries.
// Query text is never logged; use Count/Path/Category for correlation.
type Fields struct {
	Component string `json:"component,omitempty"`
	RunID     string `json:"run_id,omitempty"`
	Category  string `json:"category,omitempty"`
	RiskLevel string `json:"risk_level,omitempty"`
	Outcome   string `json:"outcome,omitempty"`
	Action    string `json:"action,omitempty"`
	Path      string `json:"path,omitempty"`
	Backend   string `json:"backend,omitempty"`
	Count     int    `json:"count,omitempty"`
	Error     string `json:"error,omitempty"`
}

type entry struct {
	Timestamp string `json:"ts"`
	Level     string `json:"level"`
	Message   string `json:"msg"`
	Fields
}

var (
	mu       sync.Mutex
	logger   = log.New(os.Stderr, "", 0)
	minLevel = levelInfo
	envOnce  sync.Once
)

// SetOutput redirects log output. Intended for tests and the CLI quiet mode.
func SetOutput(w io.Writer) {
	if err := assert.NotNil(w, "log writer"); err != nil {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	logger.SetOutput(w)
}

// SetLevel overrides the minimum level. Unknown names fall back to info.
// An explicit call wins over GUARDSTATS_LOG_LEVEL.
func SetLevel(level string) {
	envOnce.Do(func() {})
	mu.Lock()
	defer mu.Unlock()
	minLevel = levelValue(strings.ToLower(level))
}

// Debug logs a debug-level message.
func Debug(msg string, fields Fields) { logWithLevel("debug", msg, fields) }

// Info logs an info-level message. Default level when GUARDSTATS_LOG_LEVEL is unset.
func Info(msg string, fields Fields) { logWithLevel("info", msg, fields) }

// Warn logs recoverable problems: dropped records, degraded persistence.
func Warn(msg string, fields Fields) { logWithLevel("warn", msg, fields) }

// Error logs failures that need attention but do not stop the process.
func Error(msg string, fields Fields) { logWithLevel("error", msg, fields) }

// Critical logs failures that may lose analytics data.
func Critical(msg string, fields Fields) { logWithLevel("critical", msg, fields) }

func logWithLevel(level, msg string, fields Fields) {
	if err := assert.Check(msg != "", "log message must not be empty"); err != nil {
		return
	}
	if err := assert.Check(len(msg) <= maxMessageLen, "log message too large: %d", len(msg)); err != nil {
		return
	}
	if !shouldLog(level) {
		return
	}

	out := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Message:   msg,
		Fields:    fields,
	}
	payload, err := json.Marshal(out)

	mu.Lock()
	defer mu.Unlock()
	if err != nil {
		logger.Printf("{\"level\":\"error\",\"msg\":\"log_marshal_failed\",\"error\":%q}", err.Error())
		return
	}
	logger.Print(string(payload))
}

func shouldLog(level string) bool {
	envOnce.Do(func() {
		if env := os.Getenv("GUARDSTATS_LOG_LEVEL"); env != "" {
			mu.Lock()
			minLevel = levelValue(strings.ToLower(env))
			mu.Unlock()
		}
	})
	mu.Lock()
	defer mu.Unlock()
	return levelValue(level) >= minLevel
}

func levelValue(level string) int {
	switch level {
	case "debug":
		return levelDebug
	case "info":
		return levelInfo
	case "warn", "warning":
		return levelWarn
	case "error":
		return levelError
	case "critical":
		return levelCritical
	default:
		return levelInfo
	}
}
