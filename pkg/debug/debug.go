// Package debug sets up the process logger and provides category-based
// debug logging for restgate.
//
// Two orthogonal controls:
//   - Categories (WHAT to debug): RESTGATE_DEBUG env or logging.debug config
//   - Levels (HOW MUCH detail): RESTGATE_LOG_LEVEL env or logging.level config
//
// Usage:
//
//	debug.Log("tickets", "ticket redeemed", "subject", sub)
//	if debug.TraceIsEnabled("auth") { /* expensive formatting */ }
//
// Categories: auth, tickets, keys, transport, config, all.
// Levels: ERROR, WARN, INFO, DEBUG, TRACE.
package debug

import (
	"context"
	"io"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strings"
)

// LevelTrace is below slog.LevelDebug. At TRACE, credential extraction
// details (never the credentials themselves) are logged.
const LevelTrace = slog.LevelDebug - 4

// Environment variables read by Init.
const (
	EnvCategories = "RESTGATE_DEBUG"
	EnvLevel      = "RESTGATE_LOG_LEVEL"
)

// categories holds the set of enabled debug categories.
// Access is read-only after Init(), so no synchronization needed.
var categories map[string]bool

func init() {
	// Usable before Init so that config loading can already log.
	categories = parseCategories(os.Getenv(EnvCategories))
}

// Options configures the process logger.
type Options struct {
	Categories string
	Level      string
	// Format is "text" (default) or "json".
	Format string
	// Output defaults to os.Stderr.
	Output io.Writer
}

// Init configures categories and installs the default slog handler.
// Environment overrides the passed options.
func Init(opts Options) {
	cats := os.Getenv(EnvCategories)
	if cats == "" {
		cats = opts.Categories
	}
	categories = parseCategories(cats)

	level := os.Getenv(EnvLevel)
	if level == "" {
		level = opts.Level
	}

	slog.SetDefault(slog.New(NewHandler(opts.Format, opts.Output, ParseLevel(level))))
}

// NewHandler builds a slog handler for the given format.
func NewHandler(format string, w io.Writer, level slog.Level) slog.Handler {
	if w == nil {
		w = os.Stderr
	}
	ho := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, ho)
	}
	return slog.NewTextHandler(w, ho)
}

// Enabled reports whether debug output is active for the given category.
func Enabled(category string) bool {
	return categories["all"] || categories[category]
}

// Log emits a debug message for the given category.
// If the category is not enabled, this is a no-op.
func Log(category string, msg string, args ...any) {
	if !Enabled(category) {
		return
	}
	slog.Debug(msg, append([]any{"debug", category}, args...)...)
}

// Trace emits a trace-level message for the given category.
// Only visible when RESTGATE_LOG_LEVEL=TRACE.
func Trace(category string, msg string, args ...any) {
	if !TraceIsEnabled(category) {
		return
	}
	slog.Log(context.Background(), LevelTrace, msg, append([]any{"debug", category}, args...)...)
}

// TraceIsEnabled reports whether TRACE level is active for the given category.
func TraceIsEnabled(category string) bool {
	if !Enabled(category) {
		return false
	}
	return slog.Default().Enabled(context.Background(), LevelTrace)
}

// ParseLevel converts a level string to a slog.Level.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return LevelTrace
	case "DEBUG":
		return slog.LevelDebug
	case "INFO", "":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ValidLevel reports whether s names a known level.
func ValidLevel(s string) bool {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE", "DEBUG", "INFO", "", "WARN", "WARNING", "ERROR":
		return true
	}
	return false
}

// Categories returns the enabled categories, sorted.
func Categories() []string {
	return slices.Sorted(maps.Keys(categories))
}

// Redact shortens a secret for logging, keeping only a short prefix.
func Redact(s string) string {
	const keep = 6
	if len(s) <= keep {
		return "***"
	}
	return s[:keep] + "***"
}

func parseCategories(s string) map[string]bool {
	m := make(map[string]bool)
	if s == "" {
		return m
	}
	for _, cat := range strings.Split(s, ",") {
		cat = strings.TrimSpace(strings.ToLower(cat))
		if cat != "" {
			m[cat] = true
		}
	}
	return m
}
