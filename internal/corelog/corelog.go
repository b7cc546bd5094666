// Package corelog adapts log/slog to the orchestrator.Logger interface.
package corelog

import (
	"log/slog"
	"os"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/orchestrator"
)

// SlogLogger wraps a *slog.Logger so it satisfies orchestrator.Logger.
type SlogLogger struct {
	l *slog.Logger
}

// New builds a JSON slog.Logger writing to stderr at the given level name
// ("debug", "info", "warn", "error"; defaults to "info").
func New(levelName string) *SlogLogger {
	return &SlogLogger{l: slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(levelName)}))}
}

// Wrap adapts an existing *slog.Logger.
func Wrap(l *slog.Logger) *SlogLogger {
	return &SlogLogger{l: l}
}

func parseLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (s *SlogLogger) Debug(msg string, args ...interface{}) { s.l.Debug(msg, args...) }
func (s *SlogLogger) Info(msg string, args ...interface{})  { s.l.Info(msg, args...) }
func (s *SlogLogger) Warn(msg string, args ...interface{})  { s.l.Warn(msg, args...) }
func (s *SlogLogger) Error(msg string, args ...interface{}) { s.l.Error(msg, args...) }

// With returns a logger scoped with the given key/value pairs, e.g. a
// session ID attached to every subsequent line.
func (s *SlogLogger) With(args ...interface{}) *SlogLogger {
	return &SlogLogger{l: s.l.With(args...)}
}

var _ orchestrator.Logger = (*SlogLogger)(nil)
