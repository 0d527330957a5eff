package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var (
	disabled atomic.Bool
	level    = new(slog.LevelVar)
	logger   atomic.Pointer[slog.Logger]
)

func init() {
	logger.Store(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}

// Options selects where and how logs are written.
type Options struct {
	Level  string
	Format string // "text" or "json"
	File   string // truncated on Setup; empty writes to Writer
	Writer io.Writer
}

// Setup installs the process logger. When a file is configured it is
// truncated first; the returned closer releases it.
func Setup(opts Options) (io.Closer, error) {
	if err := SetLevel(opts.Level); err != nil {
		return nil, err
	}

	var out io.Writer = os.Stdout
	if opts.Writer != nil {
		out = opts.Writer
	}
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
		closer = f
	}

	hopts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch strings.ToLower(opts.Format) {
	case "", "text":
		h = slog.NewTextHandler(out, hopts)
	case "json":
		h = slog.NewJSONHandler(out, hopts)
	default:
		closer.Close()
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	l := slog.New(h)
	logger.Store(l)
	slog.SetDefault(l)
	return closer, nil
}

// ParseLevel maps a level name to a slog level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug", "trace":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// SetLevel changes the level of the process logger at runtime.
func SetLevel(s string) error {
	l, err := ParseLevel(s)
	if err != nil {
		return err
	}
	level.Set(l)
	return nil
}

// Level returns the current level.
func Level() slog.Level {
	return level.Level()
}

// Logger returns the process logger.
func Logger() *slog.Logger {
	return logger.Load()
}

// With returns the process logger tagged with a component name.
func With(component string) *slog.Logger {
	return Logger().With("component", component)
}

// Disable turns off the package-level helpers
func Disable() {
	disabled.Store(true)
}

// Enable turns the package-level helpers back on
func Enable() {
	disabled.Store(false)
}

// Info logs an info message
func Info(v ...any) {
	if !disabled.Load() {
		Logger().Info(fmt.Sprint(v...))
	}
}

// Infof logs a formatted info message
func Infof(format string, v ...any) {
	if !disabled.Load() {
		Logger().Info(fmt.Sprintf(format, v...))
	}
}

// Error logs an error message
func Error(v ...any) {
	if !disabled.Load() {
		Logger().Error(fmt.Sprint(v...))
	}
}

// Errorf logs a formatted error message
func Errorf(format string, v ...any) {
	if !disabled.Load() {
		Logger().Error(fmt.Sprintf(format, v...))
	}
}

// Warnf logs a formatted warning message
func Warnf(format string, v ...any) {
	if !disabled.Load() {
		Logger().Warn(fmt.Sprintf(format, v...))
	}
}

// Debugf logs a formatted debug message
func Debugf(format string, v ...any) {
	if !disabled.Load() {
		Logger().Debug(fmt.Sprintf(format, v...))
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
