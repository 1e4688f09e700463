package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"dinehub-restaurant-platform/api/internal/models"
	"dinehub-restaurant-platform/shared/lifecycle"
)

const eventColumns = `event_id, tenant_id, event_name, aggregate_type, aggregate_id, payload, version,
	occurred_at, processed_at, last_attempt_at, next_attempt_at, status, retries, last_error, claimed_by`

type EventsRepo struct {
	pool       *pgxpool.Pool
	maxRetries int
}

func NewEventsRepo(pool *pgxpool.Pool, maxRetries int) *EventsRepo {
	if maxRetries <= 0 {
		maxRetries = lifecycle.MaxRetries
	}
	return &EventsRepo{pool: pool, maxRetries: maxRetries}
}

// Append inserts a fresh pending row. The caller owns the payload envelope;
// this layer only fills identity and lifecycle defaults.
func (r *EventsRepo) Append(ctx context.Context, event models.StoredEvent) (models.StoredEvent, error) {
	return r.AppendTx(ctx, r.pool, event)
}

func (r *EventsRepo) AppendTx(ctx context.Context, db DBTX, event models.StoredEvent) (models.StoredEvent, error) {
	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}
	if event.Status == "" {
		event.Status = lifecycle.EventStatusPending
	}
	if event.Version == 0 {
		event.Version = 1
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	err := db.QueryRow(ctx, `
		INSERT INTO domain_events (
			event_id, tenant_id, event_name, aggregate_type, aggregate_id, payload, version,
			occurred_at, status, retries
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0)
		RETURNING `+eventColumns+`
	`, event.EventID, event.TenantID, event.EventName, event.AggregateType, event.AggregateID,
		event.Payload, event.Version, event.OccurredAt, event.Status).
		Scan(scanTargets(&event)...)
	return event, err
}

// ClaimPendingBatch atomically moves up to limit ready rows into processing
// and returns them. Fresh pending rows come first by occurrence time, then
// the retry backlog ordered by last attempt; rows whose backoff window has
// not elapsed or whose retry budget is spent are never selected. The
// conditional UPDATE plus SKIP LOCKED makes concurrent claimers safe.
func (r *EventsRepo) ClaimPendingBatch(ctx context.Context, owner string, limit int) ([]models.StoredEvent, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.pool.Query(ctx, `
		WITH candidates AS (
			SELECT event_id
			FROM domain_events
			WHERE status = $1
			   OR (status = $2 AND retries < $3 AND next_attempt_at <= now())
			ORDER BY (status <> $1),
				CASE WHEN status = $1 THEN occurred_at ELSE last_attempt_at END ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $4
		)
		UPDATE domain_events e
		SET status = $5, claimed_by = $6
		FROM candidates c
		WHERE e.event_id = c.event_id
		RETURNING `+prefixedEventColumns("e")+`
	`, lifecycle.EventStatusPending, lifecycle.EventStatusFailed, r.maxRetries, limit,
		lifecycle.EventStatusProcessing, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]models.StoredEvent, 0, limit)
	for rows.Next() {
		var event models.StoredEvent
		if err := rows.Scan(scanTargets(&event)...); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// MarkProcessed is valid only from processing; processed is terminal.
func (r *EventsRepo) MarkProcessed(ctx context.Context, eventID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE domain_events
		SET status = $2, processed_at = now(), claimed_by = NULL, last_error = NULL
		WHERE event_id = $1 AND status = $3
	`, eventID, lifecycle.EventStatusProcessed, lifecycle.EventStatusProcessing)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// MarkFailed increments the retry count, stamps the attempt time, and
// schedules the next attempt at now + 2^retries seconds. Once the retry
// budget is spent the row keeps status failed but is never claimed again.
func (r *EventsRepo) MarkFailed(ctx context.Context, eventID uuid.UUID, lastErr string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE domain_events
		SET status = $2,
			retries = retries + 1,
			last_attempt_at = now(),
			next_attempt_at = now() + make_interval(secs => power(2, retries + 1)),
			last_error = $3,
			claimed_by = NULL
		WHERE event_id = $1 AND status = $4
	`, eventID, lifecycle.EventStatusFailed, lastErr, lifecycle.EventStatusProcessing)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ReleaseProcessing returns a claimed row to pending without touching the
// retry count. Recovery helper for shutdown paths; a crash mid-claim still
// leaves a stale processing row, which this store cannot distinguish from a
// live one.
func (r *EventsRepo) ReleaseProcessing(ctx context.Context, eventID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE domain_events
		SET status = $2, claimed_by = NULL
		WHERE event_id = $1 AND status = $3
	`, eventID, lifecycle.EventStatusPending, lifecycle.EventStatusProcessing)
	return err
}

func (r *EventsRepo) GetByID(ctx context.Context, eventID uuid.UUID) (models.StoredEvent, error) {
	var event models.StoredEvent
	err := r.pool.QueryRow(ctx, `
		SELECT `+eventColumns+`
		FROM domain_events
		WHERE event_id = $1
	`, eventID).Scan(scanTargets(&event)...)
	return event, err
}

func (r *EventsRepo) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT status, count(*) FROM domain_events GROUP BY status
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64, 4)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

func (r *EventsRepo) CountDeadLettered(ctx context.Context) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `
		SELECT count(*) FROM domain_events
		WHERE status = $1 AND retries >= $2
	`, lifecycle.EventStatusFailed, r.maxRetries).Scan(&count)
	return count, err
}

// DeleteProcessedBefore prunes terminal rows older than the cutoff.
// Dead-lettered rows are kept; they need an operator decision.
func (r *EventsRepo) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM domain_events
		WHERE status = $1 AND processed_at < $2
	`, lifecycle.EventStatusProcessed, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanTargets(event *models.StoredEvent) []any {
	return []any{
		&event.EventID, &event.TenantID, &event.EventName, &event.AggregateType, &event.AggregateID,
		&event.Payload, &event.Version, &event.OccurredAt, &event.ProcessedAt, &event.LastAttemptAt,
		&event.NextAttemptAt, &event.Status, &event.Retries, &event.LastError, &event.ClaimedBy,
	}
}

func prefixedEventColumns(alias string) string {
	return alias + `.event_id, ` + alias + `.tenant_id, ` + alias + `.event_name, ` +
		alias + `.aggregate_type, ` + alias + `.aggregate_id, ` + alias + `.payload, ` +
		alias + `.version, ` + alias + `.occurred_at, ` + alias + `.processed_at, ` +
		alias + `.last_attempt_at, ` + alias + `.next_attempt_at, ` + alias + `.status, ` +
		alias + `.retries, ` + alias + `.last_error, ` + alias + `.claimed_by`
}
