// Package alert delivers operator alerts for conditions that need a human:
// exhausted retries, stuck versions, orphaned reuse references.
package alert

import (
	"context"
	"log/slog"
	"time"

	"docdelta/internal/model"
)

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const (
	TypeJobLastAttempt = "job_last_attempt"
	TypeJobExhausted   = "job_retries_exhausted"
	TypeRecoveryFailed = "recovery_failed"
	TypeStuckVersions  = "stuck_versions"
	TypeOrphanedReuse  = "orphaned_reuse"
	TypeDispatchFailed = "dispatch_failed"
)

type Alert struct {
	ID         string         `json:"id"`
	Severity   Severity       `json:"severity"`
	Type       string         `json:"type"`
	Message    string         `json:"message"`
	Fields     map[string]any `json:"fields,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Alerter sends alerts. Delivery is best effort: implementations log their
// own failures and never block the caller's primary operation.
type Alerter interface {
	SendAlert(ctx context.Context, severity Severity, alertType, message string, fields map[string]any)
}

// LogSink writes alerts to the structured log.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) SendAlert(ctx context.Context, severity Severity, alertType, message string, fields map[string]any) {
	attrs := make([]any, 0, 2*len(fields)+4)
	attrs = append(attrs, "severity", string(severity), "type", alertType)
	for k, v := range fields {
		attrs = append(attrs, k, v)
	}
	level := slog.LevelWarn
	if severity == SeverityCritical {
		level = slog.LevelError
	}
	s.logger.Log(ctx, level, "alert: "+message, attrs...)
}

// Multi fans an alert out to every sink.
type Multi []Alerter

func (m Multi) SendAlert(ctx context.Context, severity Severity, alertType, message string, fields map[string]any) {
	for _, a := range m {
		if a != nil {
			a.SendAlert(ctx, severity, alertType, message, fields)
		}
	}
}

// Nop drops every alert.
type Nop struct{}

func (Nop) SendAlert(context.Context, Severity, string, string, map[string]any) {}

// JobFields is the standard alert context for a job.
func JobFields(job *model.Job) map[string]any {
	fields := map[string]any{
		"job_id":      job.ID,
		"kind":        string(job.Kind),
		"version_id":  job.VersionID,
		"retry_count": job.RetryCount,
		"max_retries": job.MaxRetries,
	}
	if job.ChunkID != nil {
		fields["chunk_id"] = *job.ChunkID
	}
	if job.LastError != "" {
		fields["last_error"] = job.LastError
	}
	return fields
}
