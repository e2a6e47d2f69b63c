package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
)

// Logger defines logging methods used by the library. Implementations should be cheap.
// Default is FmtLogger which writes to stdout/stderr using fmt.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// FmtLogger is a minimal logger that prints messages with level prefixes.
// Debug/Info go to stdout; Warn/Error go to stderr.
type FmtLogger struct{}

// NewFmtLogger creates a new FmtLogger.
func NewFmtLogger() *FmtLogger { return &FmtLogger{} }

func (FmtLogger) Debugf(format string, args ...any) { fmt.Printf("[DEBUG] "+format+"\n", args...) }
func (FmtLogger) Infof(format string, args ...any)  { fmt.Printf("[INFO]  "+format+"\n", args...) }
func (FmtLogger) Warnf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "[WARN]  "+format+"\n", args...)
}
func (FmtLogger) Errorf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "[ERROR] "+format+"\n", args...)
}

// SlogLogger forwards to a structured slog.Logger. The formatted message is
// logged as the record message.
type SlogLogger struct{ l *slog.Logger }

// NewSlogLogger wraps l; a nil l uses slog.Default().
func NewSlogLogger(l *slog.Logger) *SlogLogger {
	if l == nil {
		l = slog.Default()
	}
	return &SlogLogger{l: l}
}

func (s *SlogLogger) log(level slog.Level, format string, args ...any) {
	ctx := context.Background()
	if !s.l.Enabled(ctx, level) {
		return
	}
	s.l.Log(ctx, level, fmt.Sprintf(format, args...))
}

func (s *SlogLogger) Debugf(format string, args ...any) { s.log(slog.LevelDebug, format, args...) }
func (s *SlogLogger) Infof(format string, args ...any)  { s.log(slog.LevelInfo, format, args...) }
func (s *SlogLogger) Warnf(format string, args ...any)  { s.log(slog.LevelWarn, format, args...) }
func (s *SlogLogger) Errorf(format string, args ...any) { s.log(slog.LevelError, format, args...) }
