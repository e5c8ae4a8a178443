package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger adapts a zap production logger to the Logger interface.
type ZapLogger struct {
	log *zap.Logger
}

// NewZapLogger builds a production zap logger at the given level. Unknown
// levels fall back to info.
func NewZapLogger(level string) *ZapLogger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))
	log, _ := cfg.Build(zap.AddCallerSkip(1))
	return &ZapLogger{log: log}
}

// Wrap adapts an existing zap logger, for callers that already configured one.
func Wrap(log *zap.Logger) *ZapLogger {
	return &ZapLogger{log: log}
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func (z *ZapLogger) Debug(msg string, fields map[string]any) { z.log.Debug(msg, zfields(fields)...) }
func (z *ZapLogger) Info(msg string, fields map[string]any)  { z.log.Info(msg, zfields(fields)...) }
func (z *ZapLogger) Warn(msg string, fields map[string]any)  { z.log.Warn(msg, zfields(fields)...) }
func (z *ZapLogger) Error(msg string, fields map[string]any) { z.log.Error(msg, zfields(fields)...) }

// Sync flushes buffered log entries.
func (z *ZapLogger) Sync() error {
	return z.log.Sync()
}

func zfields(m map[string]any) []zap.Field {
	out := make([]zap.Field, 0, len(m))
	for k, v := range m {
		out = append(out, zap.Any(k, v))
	}
	return out
}
