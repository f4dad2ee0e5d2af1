package relay

import (
	"log/slog"

	"go.uber.org/zap"
)

// Logger is the interface for structured logging.
// It is designed to be compatible with *slog.Logger from the standard library.
// Applications can provide their own implementation or use the default slog logger.
type Logger interface {
	// Debug logs a debug-level message with optional key-value pairs.
	Debug(msg string, args ...any)
	// Info logs an info-level message with optional key-value pairs.
	Info(msg string, args ...any)
	// Warn logs a warning-level message with optional key-value pairs.
	Warn(msg string, args ...any)
	// Error logs an error-level message with optional key-value pairs.
	Error(msg string, args ...any)
}

// defaultLogger returns the default slog logger from the standard library.
func defaultLogger() Logger {
	return slog.Default()
}

// zapLogger adapts a zap logger to Logger. Key-value pairs are passed to
// the sugared *w methods, with error values replaced by their message so
// entries carry no errorVerbose stack traces.
type zapLogger struct {
	s *zap.SugaredLogger
}

// NewZapLogger wraps l so it can be passed to LoggerOption or
// ServerLoggerOption.
func NewZapLogger(l *zap.Logger) Logger {
	return &zapLogger{s: l.Sugar()}
}

func (l *zapLogger) Debug(msg string, args ...any) { l.s.Debugw(msg, errorMessages(args)...) }
func (l *zapLogger) Info(msg string, args ...any)  { l.s.Infow(msg, errorMessages(args)...) }
func (l *zapLogger) Warn(msg string, args ...any)  { l.s.Warnw(msg, errorMessages(args)...) }
func (l *zapLogger) Error(msg string, args ...any) { l.s.Errorw(msg, errorMessages(args)...) }

func errorMessages(args []any) []any {
	out := args
	copied := false
	for i, arg := range args {
		err, ok := arg.(error)
		if !ok || err == nil {
			continue
		}
		if !copied {
			out = append([]any(nil), args...)
			copied = true
		}
		out[i] = err.Error()
	}
	return out
}
