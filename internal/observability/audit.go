package observability

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Audit event types.
const (
	AuditTypeTool       = "tool"
	AuditTypeCredential = "credential"
	AuditTypeConfig     = "config"
)

// AuditEvent represents a structured event for the audit log
type AuditEvent struct {
	Type      string         `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Actor     string         `json:"actor,omitempty"` // session key, provider or "cli"
	Action    string         `json:"action"`          // e.g. "execute:web_fetch", "refresh"
	Status    string         `json:"status"`          // "success", "failure"
	Metadata  map[string]any `json:"metadata,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
}

// AuditLogger appends audit events as JSON lines.
type AuditLogger struct {
	logger zerolog.Logger
	mu     sync.Mutex
	file   *os.File
}

var (
	auditMu   sync.RWMutex
	auditInst = &AuditLogger{logger: zerolog.Nop()}
)

// GetAuditLogger returns the process audit logger. Events are discarded until
// InitAuditLogger is called.
func GetAuditLogger() *AuditLogger {
	auditMu.RLock()
	defer auditMu.RUnlock()
	return auditInst
}

// InitAuditLogger directs audit events to the file at path.
func InitAuditLogger(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}

	auditMu.Lock()
	auditInst = &AuditLogger{
		logger: zerolog.New(file).With().Timestamp().Logger(),
		file:   file,
	}
	auditMu.Unlock()
	return nil
}

// Record emits an audit event to the log file and, when ctx carries a span,
// as a span event.
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		event.TraceID = span.SpanContext().TraceID().String()
		span.AddEvent(event.Action, trace.WithAttributes(
			attribute.String("audit.type", event.Type),
			attribute.String("audit.status", event.Status),
			attribute.String("audit.actor", event.Actor),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Str("type", event.Type).
		Str("actor", event.Actor).
		Str("action", event.Action).
		Str("status", event.Status).
		Time("at", event.Timestamp)
	if event.TraceID != "" {
		entry = entry.Str("trace_id", event.TraceID)
	}
	if event.Metadata != nil {
		entry = entry.Interface("metadata", event.Metadata)
	}
	entry.Msg("")
}

// Close closes the audit logger's file handle
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		err := a.file.Close()
		a.file = nil
		a.logger = zerolog.Nop()
		return err
	}
	return nil
}

// RecordToolAudit records one tool execution. Arguments are never logged.
func RecordToolAudit(ctx context.Context, toolName, actor string, success bool, duration time.Duration) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     AuditTypeTool,
		Actor:    actor,
		Action:   "execute:" + toolName,
		Status:   auditStatus(success),
		Metadata: map[string]any{"duration_ms": duration.Milliseconds()},
	})
}

// RecordCredentialAudit records a credential change for provider.
func RecordCredentialAudit(ctx context.Context, action, provider string, success bool) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:   AuditTypeCredential,
		Actor:  provider,
		Action: action,
		Status: auditStatus(success),
	})
}

// RecordConfigAudit records a configuration change made by actor.
func RecordConfigAudit(ctx context.Context, action, actor string, metadata map[string]any) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     AuditTypeConfig,
		Actor:    actor,
		Action:   action,
		Status:   "success",
		Metadata: metadata,
	})
}

func auditStatus(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
