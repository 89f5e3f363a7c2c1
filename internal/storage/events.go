package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// CreateWebhookEvent appends an unprocessed delivery record and returns its id.
func (s *Store) CreateWebhookEvent(ctx context.Context, repositoryID, eventType, deliveryID string, payload []byte) (string, error) {
	id := uuid.NewString()
	query := `
		INSERT INTO webhook_events (id, repository_id, event_type, delivery_id, payload, processed, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)
	`
	if _, err := s.db.ExecContext(ctx, query, id, repositoryID, eventType, deliveryID, string(payload), s.now()); err != nil {
		return "", fmt.Errorf("failed to record webhook event: %w", err)
	}
	return id, nil
}

// MarkWebhookEventProcessed marks a delivery processed, attaching the outcome
// report and an optional aggregated processing error.
func (s *Store) MarkWebhookEventProcessed(ctx context.Context, id string, report []byte, processingError string) error {
	now := s.now()
	var rep sql.NullString
	if len(report) > 0 {
		rep = sql.NullString{String: string(report), Valid: true}
	}
	query := `
		UPDATE webhook_events
		SET processed = 1, processed_at = ?, processing_error = ?, report = ?, updated_at = ?
		WHERE id = ?
	`
	return s.execOne(ctx, query, now, nullString(processingError), rep, now, id)
}

// GetWebhookEvent returns a delivery record.
func (s *Store) GetWebhookEvent(ctx context.Context, id string) (*WebhookEvent, error) {
	var ev WebhookEvent
	if err := s.db.GetContext(ctx, &ev, `SELECT * FROM webhook_events WHERE id = ?`, id); err != nil {
		return nil, notFound(err)
	}
	return &ev, nil
}

// EventFilter selects deliveries for ListWebhookEvents.
type EventFilter string

const (
	EventsUnprocessed EventFilter = "unprocessed"
	EventsFailed      EventFilter = "failed" // processed with at least one failed step
	EventsAll         EventFilter = "all"
)

// ParseEventFilter maps a query value onto a filter; empty means unprocessed.
func ParseEventFilter(s string) (EventFilter, error) {
	switch f := EventFilter(s); f {
	case "":
		return EventsUnprocessed, nil
	case EventsUnprocessed, EventsFailed, EventsAll:
		return f, nil
	default:
		return "", fmt.Errorf("unknown event filter %q", s)
	}
}

// ListWebhookEvents returns up to limit deliveries matching filter. Unprocessed
// deliveries come oldest first, the others newest first.
func (s *Store) ListWebhookEvents(ctx context.Context, filter EventFilter, limit int) ([]WebhookEvent, error) {
	if limit <= 0 {
		limit = 10
	}

	var query string
	switch filter {
	case EventsUnprocessed:
		query = `SELECT * FROM webhook_events WHERE processed = 0 ORDER BY created_at ASC LIMIT ?`
	case EventsFailed:
		query = `SELECT * FROM webhook_events
			WHERE processed = 1 AND processing_error IS NOT NULL AND processing_error != ''
			ORDER BY created_at DESC LIMIT ?`
	case EventsAll:
		query = `SELECT * FROM webhook_events ORDER BY created_at DESC LIMIT ?`
	default:
		return nil, fmt.Errorf("unknown event filter %q", filter)
	}

	var events []WebhookEvent
	err := s.db.SelectContext(ctx, &events, query, limit)
	return events, err
}

// ListUnprocessedWebhookEvents returns the oldest unprocessed deliveries.
func (s *Store) ListUnprocessedWebhookEvents(ctx context.Context, limit int) ([]WebhookEvent, error) {
	return s.ListWebhookEvents(ctx, EventsUnprocessed, limit)
}

// CleanupProcessedEvents removes processed deliveries older than daysToKeep.
func (s *Store) CleanupProcessedEvents(ctx context.Context, daysToKeep int) (int64, error) {
	cutoff := s.now().AddDate(0, 0, -daysToKeep)
	query := `DELETE FROM webhook_events WHERE processed = 1 AND created_at < ?`
	result, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
