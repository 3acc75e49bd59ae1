package auth

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/vendrman/api/internal/repository"
)

type recordingInserter struct {
	events []*repository.AuditEvent
	err    error
}

func (r *recordingInserter) Insert(ctx context.Context, event *repository.AuditEvent) error {
	r.events = append(r.events, event)
	return r.err
}

func TestAuditLogPersistsEvent(t *testing.T) {
	inserter := &recordingInserter{}
	var buf bytes.Buffer
	audit := NewAuditLogger(inserter, slog.New(slog.NewJSONHandler(&buf, nil)))

	audit.Log(context.Background(), AuditEvent{
		EventType:       "login_success",
		Success:         true,
		UserID:          "user-1",
		EmailNormalized: "ada@example.com",
		IPAddress:       "10.0.0.1",
		RequestID:       "req-1",
		Metadata:        map[string]any{"mfa_enabled": false},
	})

	if len(inserter.events) != 1 {
		t.Fatalf("expected one persisted event, got %d", len(inserter.events))
	}
	row := inserter.events[0]
	if row.EventType != "login_success" || !row.Success {
		t.Errorf("event fields mismatch: %+v", row)
	}
	if row.UserID == nil || *row.UserID != "user-1" {
		t.Error("user ID should be set")
	}
	if row.IPAddress == nil || *row.IPAddress != "10.0.0.1" {
		t.Error("IP should be set")
	}

	if !strings.Contains(buf.String(), "auth_audit") {
		t.Error("a structured log line should always be emitted")
	}
}

func TestAuditLogEmptyFieldsBecomeNull(t *testing.T) {
	inserter := &recordingInserter{}
	audit := NewAuditLogger(inserter, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	audit.Log(context.Background(), AuditEvent{EventType: "login_failed", Success: false})

	row := inserter.events[0]
	if row.UserID != nil || row.EmailNormalized != nil || row.IPAddress != nil || row.RequestID != nil {
		t.Errorf("empty attribution should persist as NULL: %+v", row)
	}
}

func TestAuditLogSurvivesInsertFailure(t *testing.T) {
	inserter := &recordingInserter{err: errors.New("db down")}
	var buf bytes.Buffer
	audit := NewAuditLogger(inserter, slog.New(slog.NewJSONHandler(&buf, nil)))

	// Must not panic or propagate the failure.
	audit.Log(context.Background(), AuditEvent{EventType: "signup_success", Success: true})

	if !strings.Contains(buf.String(), "failed to persist auth audit event") {
		t.Error("insert failures should be logged")
	}
}

func TestAuditLogNilRepoSkipsPersistence(t *testing.T) {
	audit := NewAuditLogger(nil, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	audit.Log(context.Background(), AuditEvent{EventType: "logout", Success: true})
}
