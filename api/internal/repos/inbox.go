package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"dinehub-restaurant-platform/api/internal/models"
)

type InboxRepo struct {
	pool *pgxpool.Pool
}

func NewInboxRepo(pool *pgxpool.Pool) *InboxRepo {
	return &InboxRepo{pool: pool}
}

// MarkApplied records that the named consumer finished applying the event.
// The (consumer, event_id) pair is unique; re-recording is a no-op so the
// write itself is idempotent.
func (r *InboxRepo) MarkApplied(ctx context.Context, consumer string, eventID uuid.UUID, eventName string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO consumer_inbox (consumer, event_id, event_name, processed_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (consumer, event_id) DO NOTHING
	`, consumer, eventID, eventName)
	return err
}

// HasApplied reports whether the consumer already applied the event.
func (r *InboxRepo) HasApplied(ctx context.Context, consumer string, eventID uuid.UUID) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM consumer_inbox WHERE consumer = $1 AND event_id = $2
		)
	`, consumer, eventID).Scan(&exists)
	return exists, err
}

// DeleteAppliedBefore prunes inbox records alongside the event retention
// pass; a record without its event row serves no dedup purpose.
func (r *InboxRepo) DeleteAppliedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM consumer_inbox WHERE processed_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *InboxRepo) ListByEvent(ctx context.Context, eventID uuid.UUID) ([]models.ConsumerInboxRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT consumer, event_id, event_name, processed_at
		FROM consumer_inbox
		WHERE event_id = $1
		ORDER BY processed_at ASC
	`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.ConsumerInboxRecord
	for rows.Next() {
		var record models.ConsumerInboxRecord
		var processedAt time.Time
		if err := rows.Scan(&record.Consumer, &record.EventID, &record.EventName, &processedAt); err != nil {
			return nil, err
		}
		record.ProcessedAt = processedAt
		records = append(records, record)
	}
	return records, rows.Err()
}
