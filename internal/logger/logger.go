// Package logger provides the process-wide structured logger: JSON output
// in production, human-readable text in development, verbosity selected by
// LOG_LEVEL.
package logger

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

var global = slog.Default()

type contextKey string

const (
	ContextKeyServer contextKey = "server"
	ContextKeyTool   contextKey = "tool"
)

// Init configures the global logger. jsonOutput selects slog.JSONHandler
// (production) vs slog.TextHandler (development); levelName is one of
// ERROR|WARN|INFO|DEBUG, defaulting to INFO.
func Init(jsonOutput bool, levelName string) {
	level := parseLevel(levelName)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if jsonOutput {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	global = slog.New(handler)
	slog.SetDefault(global)
}

// InitFromEnv configures the logger from LOG_LEVEL and ENV: JSON output
// unless ENV is "development".
func InitFromEnv() {
	jsonOutput := os.Getenv("ENV") != "development"
	Init(jsonOutput, os.Getenv("LOG_LEVEL"))
}

func parseLevel(name string) slog.Level {
	switch strings.ToUpper(name) {
	case "ERROR":
		return slog.LevelError
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "DEBUG":
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// Slog returns the process-wide structured logger.
func Slog() *slog.Logger { return global }

// WithContext attaches request-scoped fields (server, tool) carried on ctx.
func WithContext(ctx context.Context) *slog.Logger {
	l := global
	if server, ok := ctx.Value(ContextKeyServer).(string); ok && server != "" {
		l = l.With("server", server)
	}
	if tool, ok := ctx.Value(ContextKeyTool).(string); ok && tool != "" {
		l = l.With("tool", tool)
	}
	return l
}

func Info(msg string, args ...any)  { global.Info(msg, args...) }
func Warn(msg string, args ...any)  { global.Warn(msg, args...) }
func Error(msg string, args ...any) { global.Error(msg, args...) }
func Debug(msg string, args ...any) { global.Debug(msg, args...) }
