package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// SimpleLogger is a self-contained Logger implementation: JSON lines in
// production-like environments, human-readable text for local dev.
type SimpleLogger struct {
	level     string
	format    string
	component string
	output    io.Writer
	mu        sync.RWMutex
}

var levelRank = map[string]int{"DEBUG": 0, "INFO": 1, "WARN": 2, "ERROR": 3}

// NewDefaultLogger builds a SimpleLogger from a level ("debug".."error")
// and format ("text" or "json"), defaulting output to stdout.
func NewDefaultLogger(level, format string) *SimpleLogger {
	if format != "json" {
		format = "text"
	}
	return &SimpleLogger{
		level:  strings.ToUpper(level),
		format: format,
		output: os.Stdout,
	}
}

// NewSimpleLogger builds a SimpleLogger writing to a given output, useful
// for tests that want to capture log lines.
func NewSimpleLogger(level, format string, output io.Writer) *SimpleLogger {
	l := NewDefaultLogger(level, format)
	l.output = output
	return l
}

func (l *SimpleLogger) WithComponent(component string) Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return &SimpleLogger{
		level:     l.level,
		format:    l.format,
		component: component,
		output:    l.output,
	}
}

func (l *SimpleLogger) Info(msg string, fields map[string]interface{})  { l.log("INFO", msg, fields) }
func (l *SimpleLogger) Warn(msg string, fields map[string]interface{})  { l.log("WARN", msg, fields) }
func (l *SimpleLogger) Error(msg string, fields map[string]interface{}) { l.log("ERROR", msg, fields) }
func (l *SimpleLogger) Debug(msg string, fields map[string]interface{}) { l.log("DEBUG", msg, fields) }

func (l *SimpleLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log("INFO", msg, withTraceField(ctx, fields))
}
func (l *SimpleLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log("WARN", msg, withTraceField(ctx, fields))
}
func (l *SimpleLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log("ERROR", msg, withTraceField(ctx, fields))
}
func (l *SimpleLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log("DEBUG", msg, withTraceField(ctx, fields))
}

type sessionIDKey struct{}

// ContextWithSessionID stashes a session id so loggers can correlate log
// lines with the session a request belongs to.
func ContextWithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

func withTraceField(ctx context.Context, fields map[string]interface{}) map[string]interface{} {
	sessionID, ok := ctx.Value(sessionIDKey{}).(string)
	if !ok || sessionID == "" {
		return fields
	}
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["session_id"] = sessionID
	return out
}

func (l *SimpleLogger) log(level, msg string, fields map[string]interface{}) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if rank, ok := levelRank[level]; ok {
		if cur, ok := levelRank[l.level]; ok && rank < cur {
			return
		}
	}

	ts := time.Now().Format(time.RFC3339)
	if l.format == "json" {
		l.logJSON(ts, level, msg, fields)
		return
	}
	l.logText(ts, level, msg, fields)
}

func (l *SimpleLogger) logJSON(ts, level, msg string, fields map[string]interface{}) {
	entry := map[string]interface{}{
		"timestamp": ts,
		"level":     level,
		"component": l.component,
		"message":   msg,
	}
	for k, v := range fields {
		if k != "timestamp" && k != "level" && k != "component" && k != "message" {
			entry[k] = v
		}
	}
	if data, err := json.Marshal(entry); err == nil {
		fmt.Fprintln(l.output, string(data))
	}
}

func (l *SimpleLogger) logText(ts, level, msg string, fields map[string]interface{}) {
	var b strings.Builder
	if len(fields) > 0 {
		b.WriteString(" ")
		for _, k := range []string{"session_id", "role", "tool", "error"} {
			if v, ok := fields[k]; ok {
				fmt.Fprintf(&b, "%s=%v ", k, v)
			}
		}
		for k, v := range fields {
			switch k {
			case "session_id", "role", "tool", "error":
				continue
			}
			fmt.Fprintf(&b, "%s=%v ", k, v)
		}
	}
	comp := l.component
	if comp == "" {
		comp = "broker"
	}
	fmt.Fprintf(l.output, "%s [%s] [%s] %s%s\n", ts, level, comp, msg, b.String())
}

// SetOutput redirects log output; used by tests to capture log lines.
func (l *SimpleLogger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}
