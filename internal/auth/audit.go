package auth

import (
	"context"
	"log/slog"

	"github.com/vendrman/api/internal/metrics"
	"github.com/vendrman/api/internal/repository"
)

// AuditEvent describes one security-relevant occurrence in an auth flow.
type AuditEvent struct {
	EventType       string
	Success         bool
	UserID          string
	EmailNormalized string
	IPAddress       string
	RequestID       string
	Metadata        map[string]any
}

// auditInserter is the persistence half of the audit trail.
type auditInserter interface {
	Insert(ctx context.Context, event *repository.AuditEvent) error
}

// AuditLogger records auth events twice: a structured log line that always
// lands, and a database row on a best-effort basis. A failed insert is logged
// and counted but never fails the calling operation.
type AuditLogger struct {
	repo   auditInserter
	logger *slog.Logger
}

// NewAuditLogger creates an AuditLogger. A nil repo disables persistence and
// keeps only the log line.
func NewAuditLogger(repo auditInserter, logger *slog.Logger) *AuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLogger{repo: repo, logger: logger}
}

// Log emits the event.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) {
	a.logger.InfoContext(ctx, "auth audit event",
		"type", "auth_audit",
		"event_type", event.EventType,
		"event_success", event.Success,
		"user_id", event.UserID,
		"email_normalized", event.EmailNormalized,
		"ip_address", event.IPAddress,
		"request_id", event.RequestID,
	)

	metrics.RecordAuthOperation(event.EventType, event.Success)

	if a.repo == nil {
		return
	}

	row := &repository.AuditEvent{
		EventType: event.EventType,
		Success:   event.Success,
		Metadata:  event.Metadata,
	}
	if event.UserID != "" {
		row.UserID = &event.UserID
	}
	if event.EmailNormalized != "" {
		row.EmailNormalized = &event.EmailNormalized
	}
	if event.IPAddress != "" {
		row.IPAddress = &event.IPAddress
	}
	if event.RequestID != "" {
		row.RequestID = &event.RequestID
	}

	if err := a.repo.Insert(ctx, row); err != nil {
		metrics.AuthAuditInsertFailures.Inc()
		a.logger.WarnContext(ctx, "failed to persist auth audit event",
			"event_type", event.EventType,
			"error", err,
		)
	}
}
