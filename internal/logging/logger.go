// Package logging provides structured logging for caresync.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents a log level.
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// ParseLevel maps a config string ("debug", "warning", ...) to a LogLevel.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config describes the log sink.
type Config struct {
	Level       LogLevel
	Format      string // "json" or "text"
	File        string // empty logs to Output only
	MaxSizeMB   int
	MaxBackups  int
	MaxAgeDays  int
	ServiceName string
	Version     string
}

// Logger writes structured entries through log/slog.
type Logger struct {
	out      io.Writer
	minLevel LogLevel
	slog     *slog.Logger
	closer   io.Closer
}

var (
	// global logger instance
	global *Logger
	mu     sync.RWMutex
	once   sync.Once
)

// New builds a logger writing to out. A non-empty cfg.File adds a rotating file sink.
func New(out io.Writer, cfg Config) *Logger {
	if cfg.Level == "" {
		cfg.Level = LevelInfo
	}
	w := out
	var closer io.Closer
	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		closer = rotator
		if out != nil {
			w = io.MultiWriter(out, rotator)
		} else {
			w = rotator
		}
	}
	if w == nil {
		w = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: cfg.Level.slogLevel()}
	var h slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}

	sl := slog.New(h)
	if cfg.ServiceName != "" {
		sl = sl.With(slog.String("service", cfg.ServiceName))
	}
	if cfg.Version != "" {
		sl = sl.With(slog.String("version", cfg.Version))
	}

	return &Logger{out: w, minLevel: cfg.Level, slog: sl, closer: closer}
}

// Init initializes the global logger with a JSON handler. Only the first call has effect.
func Init(out io.Writer, minLevel LogLevel) {
	once.Do(func() {
		mu.Lock()
		global = New(out, Config{Level: minLevel, Format: "json"})
		mu.Unlock()
	})
}

// Setup replaces the global logger from configuration and makes it the slog default.
// The returned closer releases the rotating file, if any.
func Setup(cfg Config) io.Closer {
	l := New(os.Stderr, cfg)
	once.Do(func() {})
	mu.Lock()
	global = l
	mu.Unlock()
	slog.SetDefault(l.slog)
	return l
}

// Get returns the global logger instance.
func Get() *Logger {
	mu.RLock()
	l := global
	mu.RUnlock()
	if l == nil {
		Init(os.Stdout, LevelInfo)
		mu.RLock()
		l = global
		mu.RUnlock()
	}
	return l
}

// Close releases the rotating file sink.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// Slog exposes the underlying slog.Logger for libraries that take one.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// log writes a log entry at the specified level.
func (l *Logger) log(level LogLevel, message string, err error, context map[string]interface{}) {
	lvl := level.slogLevel()
	if !l.slog.Enabled(bgCtx, lvl) {
		return
	}

	attrs := make([]slog.Attr, 0, len(context)+1)
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	keys := make([]string, 0, len(context))
	for k := range context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, context[k]))
	}

	l.slog.LogAttrs(bgCtx, lvl, message, attrs...)
}

var bgCtx = context.Background()

// Debug logs a debug message.
func (l *Logger) Debug(message string, context ...map[string]interface{}) {
	l.log(LevelDebug, message, nil, l.getContext(context...))
}

// Info logs an info message.
func (l *Logger) Info(message string, context ...map[string]interface{}) {
	l.log(LevelInfo, message, nil, l.getContext(context...))
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, context ...map[string]interface{}) {
	l.log(LevelWarn, message, nil, l.getContext(context...))
}

// Error logs an error message.
func (l *Logger) Error(message string, err error, context ...map[string]interface{}) {
	l.log(LevelError, message, err, l.getContext(context...))
}

// ErrorWithCode logs an error tagged with an application error code.
func (l *Logger) ErrorWithCode(message, code string, err error, context ...map[string]interface{}) {
	ctx := l.getContext(context...)
	merged := make(map[string]interface{}, len(ctx)+1)
	for k, v := range ctx {
		merged[k] = v
	}
	merged["error_code"] = code
	l.log(LevelError, message, err, merged)
}

// getContext merges multiple context maps.
func (l *Logger) getContext(context ...map[string]interface{}) map[string]interface{} {
	if len(context) == 0 {
		return nil
	}
	if len(context) == 1 {
		return context[0]
	}
	merged := make(map[string]interface{})
	for _, c := range context {
		for k, v := range c {
			merged[k] = v
		}
	}
	return merged
}

// Convenience functions using global logger

func Debug(message string, context ...map[string]interface{}) {
	Get().Debug(message, context...)
}

func Info(message string, context ...map[string]interface{}) {
	Get().Info(message, context...)
}

func Warn(message string, context ...map[string]interface{}) {
	Get().Warn(message, context...)
}

func Error(message string, err error, context ...map[string]interface{}) {
	Get().Error(message, err, context...)
}

func ErrorWithCode(message, code string, err error, context ...map[string]interface{}) {
	Get().ErrorWithCode(message, code, err, context...)
}
