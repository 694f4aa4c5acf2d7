package delivery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps the delivery log in the hookrelay.deliveries table
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Create(ctx context.Context, rec *Record) error {
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	return s.pool.QueryRow(ctx, `
		INSERT INTO hookrelay.deliveries(subscription_id, tenant_id, event, payload, attempt, status)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6)
		RETURNING id, created_at, updated_at`,
		rec.SubscriptionID, rec.TenantID, rec.Event, string(rec.Payload), rec.Attempt, string(rec.Status),
	).Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt)
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	return scanRecord(s.pool.QueryRow(ctx, selectRecords+` WHERE id = $1`, id))
}

// MarkDelivered is the terminal success transition; GREATEST keeps the
// attempt counter monotonic if a stale executor run lands late.
func (s *PostgresStore) MarkDelivered(ctx context.Context, id string, attempt, responseStatus int) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE hookrelay.deliveries
		SET status = 'delivered', attempt = GREATEST(attempt, $2), response_status = $3,
		    last_error = NULL, next_attempt_at = NULL, delivered_at = now(), updated_at = now()
		WHERE id = $1`,
		id, attempt, responseStatus,
	)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkRetrying(ctx context.Context, id string, attempt, responseStatus int, errMsg string, nextAttemptAt time.Time) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE hookrelay.deliveries
		SET status = 'retrying', attempt = GREATEST(attempt, $2), response_status = NULLIF($3, 0),
		    last_error = $4, next_attempt_at = $5, updated_at = now()
		WHERE id = $1`,
		id, attempt, responseStatus, errMsg, nextAttemptAt,
	)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id string, attempt, responseStatus int, errMsg string) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE hookrelay.deliveries
		SET status = 'failed', attempt = GREATEST(attempt, $2), response_status = NULLIF($3, 0),
		    last_error = $4, next_attempt_at = NULL, updated_at = now()
		WHERE id = $1`,
		id, attempt, responseStatus, errMsg,
	)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]*Record, error) {
	args := []any{}
	where := "1=1"
	argn := 0
	if f.TenantID != "" {
		argn++
		where += fmt.Sprintf(" AND tenant_id = $%d", argn)
		args = append(args, f.TenantID)
	}
	if f.SubscriptionID != "" {
		argn++
		where += fmt.Sprintf(" AND subscription_id = $%d", argn)
		args = append(args, f.SubscriptionID)
	}
	if f.Event != "" {
		argn++
		where += fmt.Sprintf(" AND event = $%d", argn)
		args = append(args, f.Event)
	}
	if f.Status != "" {
		argn++
		where += fmt.Sprintf(" AND status = $%d", argn)
		args = append(args, string(f.Status))
	}
	limit := 50
	if f.Limit > 0 {
		limit = f.Limit
	}
	argn++
	args = append(args, limit)

	q := fmt.Sprintf(`%s WHERE %s ORDER BY created_at DESC LIMIT $%d`, selectRecords, where, argn)
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *PostgresStore) ListStalledRetries(ctx context.Context, asOf time.Time, limit int) ([]*Record, error) {
	rows, err := s.pool.Query(ctx,
		selectRecords+` WHERE status = 'retrying' AND next_attempt_at <= $1 ORDER BY next_attempt_at ASC LIMIT $2`,
		asOf, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

const selectRecords = `
	SELECT id, subscription_id, tenant_id, event, payload::text, attempt, status,
	       response_status, last_error, next_attempt_at, delivered_at, created_at, updated_at
	FROM hookrelay.deliveries`

func scanRecord(row pgx.Row) (*Record, error) {
	rec := &Record{}
	var (
		payload    string
		status     string
		respStatus sql.NullInt32
		lastErr    sql.NullString
		nextAt     sql.NullTime
		deliv      sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.SubscriptionID, &rec.TenantID, &rec.Event, &payload,
		&rec.Attempt, &status, &respStatus, &lastErr, &nextAt, &deliv, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Payload = []byte(payload)
	rec.Status = Status(status)
	if respStatus.Valid {
		rec.ResponseStatus = int(respStatus.Int32)
	}
	if lastErr.Valid {
		rec.Error = lastErr.String
	}
	if nextAt.Valid {
		t := nextAt.Time
		rec.NextAttemptAt = &t
	}
	if deliv.Valid {
		t := deliv.Time
		rec.DeliveredAt = &t
	}
	return rec, nil
}

func scanRecords(rows pgx.Rows) ([]*Record, error) {
	out := []*Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
