// Package logging provides the leveled, printf-style logger used across sqlconv.
// Output is plain text by default and can be switched to one JSON object per line.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// Level is a log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the upper-case level name.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	}
	return "UNKNOWN"
}

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// ParseLevel parses a level name case-insensitively. "warning" is accepted as WARN.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("invalid log level %q (valid: debug, info, warn, error)", s)
}

var (
	mu       sync.Mutex
	level    = LevelInfo
	out      io.Writer = os.Stderr
	jsonMode bool
	jsonLog  *slog.Logger
)

// SetLevel sets the minimum level that is written.
func SetLevel(l Level) {
	mu.Lock()
	level = l
	mu.Unlock()
}

// GetLevel returns the current minimum level.
func GetLevel() Level {
	mu.Lock()
	defer mu.Unlock()
	return level
}

// SetOutput redirects log output. A nil writer restores stderr.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if w == nil {
		w = os.Stderr
	}
	out = w
	if jsonMode {
		jsonLog = newJSONLogger(out)
	}
}

// SetFormat selects "json" or "text" output. Unknown values fall back to text.
func SetFormat(format string) {
	mu.Lock()
	defer mu.Unlock()
	jsonMode = strings.EqualFold(format, "json")
	if jsonMode {
		jsonLog = newJSONLogger(out)
	} else {
		jsonLog = nil
	}
}

func newJSONLogger(w io.Writer) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) > 0 {
				return a
			}
			switch a.Key {
			case slog.TimeKey:
				a.Key = "ts"
				a.Value = slog.StringValue(a.Value.Time().UTC().Format(time.RFC3339Nano))
			case slog.LevelKey:
				a.Value = slog.StringValue(strings.ToLower(a.Value.String()))
			}
			return a
		},
	})
	return slog.New(h)
}

func logf(l Level, format string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if l < level {
		return
	}
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	if jsonMode && jsonLog != nil {
		jsonLog.Log(context.Background(), l.slogLevel(), msg)
		return
	}
	fmt.Fprintf(out, "%s [%s] %s\n", time.Now().Format("2006-01-02 15:04:05"), l, msg)
}

// Debug logs at DEBUG level.
func Debug(format string, args ...interface{}) { logf(LevelDebug, format, args...) }

// Info logs at INFO level.
func Info(format string, args ...interface{}) { logf(LevelInfo, format, args...) }

// Warn logs at WARN level.
func Warn(format string, args ...interface{}) { logf(LevelWarn, format, args...) }

// Error logs at ERROR level.
func Error(format string, args ...interface{}) { logf(LevelError, format, args...) }
