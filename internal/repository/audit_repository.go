package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// AuditRepository handles persistence of security audit events. Rows are
// append-only: nothing in the service updates or deletes them.
type AuditRepository struct {
	db *sqlx.DB
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *sqlx.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Insert writes one audit event row.
func (r *AuditRepository) Insert(ctx context.Context, event *AuditEvent) error {
	query := `
		INSERT INTO auth_audit_events (id, event_type, success, user_id, email_normalized, ip_address, request_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	metadata := event.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to encode audit metadata: %w", err)
	}

	_, err = r.db.ExecContext(ctx, query,
		event.ID,
		event.EventType,
		event.Success,
		event.UserID,
		event.EmailNormalized,
		event.IPAddress,
		event.RequestID,
		metadataJSON,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}

	return nil
}

// ListRecentByUser returns the most recent events for one account, newest
// first. Used by the admin surface, not by the auth flows themselves.
func (r *AuditRepository) ListRecentByUser(ctx context.Context, userID string, limit int) ([]AuditEvent, error) {
	query := `
		SELECT id, event_type, success, user_id, email_normalized, ip_address, request_id, metadata, created_at
		FROM auth_audit_events
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var (
			event       AuditEvent
			metadataRaw []byte
		)
		if err := rows.Scan(
			&event.ID,
			&event.EventType,
			&event.Success,
			&event.UserID,
			&event.EmailNormalized,
			&event.IPAddress,
			&event.RequestID,
			&metadataRaw,
			&event.CreatedAt,
		); err != nil {
			return nil, err
		}
		if len(metadataRaw) > 0 {
			if err := json.Unmarshal(metadataRaw, &event.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode audit metadata: %w", err)
			}
		}
		events = append(events, event)
	}

	return events, rows.Err()
}
