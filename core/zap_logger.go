package core

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger backs Logger with go.uber.org/zap for production deployments
// (METAMCP_LOG_FORMAT=json). It is selected by NewConfig whenever the
// format is "json"; local development keeps SimpleLogger's text output.
type ZapLogger struct {
	base      *zap.Logger
	component string
}

// NewZapLogger builds a ZapLogger at the given level ("debug".."error").
func NewZapLogger(level string) (*ZapLogger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parseZapLevel(level))
	base, err := cfg.Build()
	if err != nil {
		return nil, NewError("NewZapLogger", "config", err)
	}
	return &ZapLogger{base: base}, nil
}

func parseZapLevel(level string) zapcore.Level {
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

func (l *ZapLogger) WithComponent(component string) Logger {
	return &ZapLogger{base: l.base, component: component}
}

func (l *ZapLogger) fields(fields map[string]interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(fields)+1)
	if l.component != "" {
		out = append(out, zap.String("component", l.component))
	}
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}

func (l *ZapLogger) Info(msg string, fields map[string]interface{}) {
	l.base.Info(msg, l.fields(fields)...)
}
func (l *ZapLogger) Warn(msg string, fields map[string]interface{}) {
	l.base.Warn(msg, l.fields(fields)...)
}
func (l *ZapLogger) Error(msg string, fields map[string]interface{}) {
	l.base.Error(msg, l.fields(fields)...)
}
func (l *ZapLogger) Debug(msg string, fields map[string]interface{}) {
	l.base.Debug(msg, l.fields(fields)...)
}

func (l *ZapLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Info(msg, withTraceField(ctx, fields))
}
func (l *ZapLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Warn(msg, withTraceField(ctx, fields))
}
func (l *ZapLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Error(msg, withTraceField(ctx, fields))
}
func (l *ZapLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Debug(msg, withTraceField(ctx, fields))
}

// Sync flushes any buffered log entries, to be called before process exit.
func (l *ZapLogger) Sync() error {
	return l.base.Sync()
}
