package store

import (
	"context"
	"fmt"

	"ecom-events/internal/models"
)

// ClaimEvent records eventID as processed by group. The insert is the
// serialization point between concurrent deliveries of the same event: the
// loser blocks on the primary key until the winner commits, then inserts
// nothing.
func (t *sqlTx) ClaimEvent(ctx context.Context, group, eventID, eventType string) (bool, error) {
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO processed_events (consumer_group, event_id, event_type)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (consumer_group, event_id) DO NOTHING`,
		group, eventID, eventType)
	if err != nil {
		return false, fmt.Errorf("failed to claim event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListProcessedEvents returns the most recent ledger rows, optionally for one group
func (s *Store) ListProcessedEvents(ctx context.Context, group string, limit int) ([]models.ProcessedEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	var events []models.ProcessedEvent
	var err error
	if group == "" {
		err = s.db.SelectContext(ctx, &events,
			`SELECT consumer_group, event_id, event_type, processed_at
			 FROM processed_events ORDER BY processed_at DESC LIMIT $1`, limit)
	} else {
		err = s.db.SelectContext(ctx, &events,
			`SELECT consumer_group, event_id, event_type, processed_at
			 FROM processed_events WHERE consumer_group = $1 ORDER BY processed_at DESC LIMIT $2`, group, limit)
	}
	return events, err
}
