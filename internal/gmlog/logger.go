// Package gmlog provides the structured logger used across every
// component: JSON in Kubernetes, human-readable text for local
// development, with rate-limited error output and context-correlated
// variants for the workflow engine and API surface.
package gmlog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/flowmesh-dev/conductor/internal/gmcore"
)

// Logger is a self-contained, production-ready structured logger. It
// implements gmcore.ComponentAwareLogger.
type Logger struct {
	level       string
	debug       bool
	serviceName string
	component   string
	format      string
	output      io.Writer
	mu          sync.RWMutex

	errorLimiter *RateLimiter
}

var _ gmcore.ComponentAwareLogger = (*Logger)(nil)

// New creates a logger for serviceName. Configuration priority: explicit
// env vars (CONDUCTOR_LOG_LEVEL, CONDUCTOR_LOG_FORMAT, CONDUCTOR_DEBUG),
// then Kubernetes auto-detection, then defaults.
func New(serviceName string) *Logger {
	level := os.Getenv("CONDUCTOR_LOG_LEVEL")
	if level == "" {
		level = "INFO"
	}

	debug := os.Getenv("CONDUCTOR_DEBUG") == "true" || strings.ToUpper(level) == "DEBUG"

	format := "text"
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		format = "json"
	}
	if envFormat := os.Getenv("CONDUCTOR_LOG_FORMAT"); envFormat != "" {
		format = envFormat
	}

	return &Logger{
		level:        strings.ToUpper(level),
		debug:        debug,
		serviceName:  serviceName,
		component:    serviceName,
		format:       format,
		output:       os.Stdout,
		errorLimiter: NewRateLimiter(time.Second),
	}
}

// WithComponent returns a logger sharing this logger's configuration but
// tagging every line with a different component identifier, e.g.
// "component/lock", "component/workflow".
func (l *Logger) WithComponent(component string) gmcore.Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return &Logger{
		level:        l.level,
		debug:        l.debug,
		serviceName:  l.serviceName,
		component:    component,
		format:       l.format,
		output:       l.output,
		errorLimiter: l.errorLimiter,
	}
}

func (l *Logger) Info(msg string, fields map[string]interface{})  { l.log("INFO", msg, fields) }
func (l *Logger) Warn(msg string, fields map[string]interface{})  { l.log("WARN", msg, fields) }
func (l *Logger) Debug(msg string, fields map[string]interface{}) {
	if !l.debug {
		return
	}
	l.log("DEBUG", msg, fields)
}

func (l *Logger) Error(msg string, fields map[string]interface{}) {
	if l.errorLimiter != nil && !l.errorLimiter.Allow() {
		return
	}
	l.log("ERROR", msg, fields)
}

// contextKey values the API surface and workflow engine thread through
// a context so every log line within a request or workflow advance
// carries correlation identifiers without explicit field plumbing.
type contextKey string

const (
	ctxKeyTraceID     contextKey = "trace_id"
	ctxKeyWorkflowID  contextKey = "workflow_id"
	ctxKeyCorrelation contextKey = "correlation_id"
)

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyTraceID, id)
}

func WithWorkflowID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyWorkflowID, id)
}

func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyCorrelation, id)
}

func contextFields(ctx context.Context) map[string]interface{} {
	fields := map[string]interface{}{}
	if v, ok := ctx.Value(ctxKeyTraceID).(string); ok && v != "" {
		fields["trace_id"] = v
	}
	if v, ok := ctx.Value(ctxKeyWorkflowID).(string); ok && v != "" {
		fields["workflow_id"] = v
	}
	if v, ok := ctx.Value(ctxKeyCorrelation).(string); ok && v != "" {
		fields["correlation_id"] = v
	}
	return fields
}

func mergeFields(base map[string]interface{}, extra map[string]interface{}) map[string]interface{} {
	if len(extra) == 0 {
		return base
	}
	for k, v := range extra {
		base[k] = v
	}
	return base
}

func (l *Logger) InfoContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log("INFO", msg, mergeFields(contextFields(ctx), fields))
}
func (l *Logger) WarnContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log("WARN", msg, mergeFields(contextFields(ctx), fields))
}
func (l *Logger) DebugContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if !l.debug {
		return
	}
	l.log("DEBUG", msg, mergeFields(contextFields(ctx), fields))
}
func (l *Logger) ErrorContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if l.errorLimiter != nil && !l.errorLimiter.Allow() {
		return
	}
	l.log("ERROR", msg, mergeFields(contextFields(ctx), fields))
}

func (l *Logger) log(level, msg string, fields map[string]interface{}) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.shouldLog(level) {
		return
	}

	timestamp := time.Now().Format(time.RFC3339)

	if l.format == "json" {
		l.logJSON(timestamp, level, msg, fields)
	} else {
		l.logText(timestamp, level, msg, fields)
	}

	l.emitLogMetric(level)
}

func (l *Logger) logJSON(timestamp, level, msg string, fields map[string]interface{}) {
	entry := map[string]interface{}{
		"timestamp": timestamp,
		"level":     level,
		"service":   l.serviceName,
		"component": l.component,
		"message":   msg,
	}
	for k, v := range fields {
		if _, reserved := entry[k]; !reserved {
			entry[k] = v
		}
	}
	if data, err := json.Marshal(entry); err == nil {
		fmt.Fprintln(l.output, string(data))
	}
}

func (l *Logger) logText(timestamp, level, msg string, fields map[string]interface{}) {
	var b strings.Builder
	if len(fields) > 0 {
		b.WriteString(" ")
		if err, ok := fields["error"]; ok {
			fmt.Fprintf(&b, "error=%q ", fmt.Sprintf("%v", err))
			delete(fields, "error")
		}
		if wf, ok := fields["workflow_id"]; ok {
			fmt.Fprintf(&b, "workflow_id=%v ", wf)
			delete(fields, "workflow_id")
		}
		for k, v := range fields {
			fmt.Fprintf(&b, "%s=%v ", k, v)
		}
	}
	fmt.Fprintf(l.output, "%s [%s] [%s:%s] %s%s\n", timestamp, level, l.serviceName, l.component, msg, b.String())
}

func (l *Logger) shouldLog(level string) bool {
	levels := map[string]int{"DEBUG": 0, "INFO": 1, "WARN": 2, "ERROR": 3}
	cur, ok1 := levels[l.level]
	msgLevel, ok2 := levels[level]
	if !ok1 || !ok2 {
		return true
	}
	return msgLevel >= cur
}

func (l *Logger) emitLogMetric(level string) {
	gmcore.GlobalMetrics().Counter("conductor_log_lines_total", 1, map[string]string{
		"level":     level,
		"component": l.component,
	})
}

// SetOutput redirects log output; used by tests.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}

// SetLevel updates the minimum level logged at runtime.
func (l *Logger) SetLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = strings.ToUpper(level)
	l.debug = l.level == "DEBUG"
}
