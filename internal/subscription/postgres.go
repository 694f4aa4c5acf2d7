package subscription

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRegistry stores subscriptions in the hookrelay.subscriptions table
type PostgresRegistry struct {
	pool *pgxpool.Pool
}

func NewPostgresRegistry(pool *pgxpool.Pool) *PostgresRegistry {
	return &PostgresRegistry{pool: pool}
}

func (r *PostgresRegistry) Create(ctx context.Context, sub *Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	if sub.Secret == "" {
		secret, err := GenerateSecret(32)
		if err != nil {
			return err
		}
		sub.Secret = secret
	}
	return r.pool.QueryRow(ctx, `
		INSERT INTO hookrelay.subscriptions(tenant_id, name, url, secret, events, active, max_attempts)
		VALUES ($1, $2, $3, $4, $5, true, $6)
		RETURNING id, active, created_at`,
		sub.TenantID, sub.Name, sub.URL, sub.Secret, sub.Events, sub.MaxAttempts,
	).Scan(&sub.ID, &sub.Active, &sub.CreatedAt)
}

func (r *PostgresRegistry) Get(ctx context.Context, tenantID, id string) (*Subscription, error) {
	sub := &Subscription{}
	err := r.pool.QueryRow(ctx, `
		SELECT id, tenant_id, name, url, events, active, max_attempts, created_at
		FROM hookrelay.subscriptions
		WHERE id = $1 AND tenant_id = $2`,
		id, tenantID,
	).Scan(&sub.ID, &sub.TenantID, &sub.Name, &sub.URL, &sub.Events, &sub.Active, &sub.MaxAttempts, &sub.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (r *PostgresRegistry) List(ctx context.Context, tenantID string) ([]*Subscription, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, tenant_id, name, url, events, active, max_attempts, created_at
		FROM hookrelay.subscriptions
		WHERE tenant_id = $1
		ORDER BY created_at ASC`,
		tenantID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

func (r *PostgresRegistry) FindActiveByEvent(ctx context.Context, tenantID, event string) ([]*Subscription, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, tenant_id, name, url, secret, events, active, max_attempts, created_at
		FROM hookrelay.subscriptions
		WHERE tenant_id = $1 AND active AND $2 = ANY(events)`,
		tenantID, event,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*Subscription{}
	for rows.Next() {
		sub := &Subscription{}
		if err := rows.Scan(&sub.ID, &sub.TenantID, &sub.Name, &sub.URL, &sub.Secret,
			&sub.Events, &sub.Active, &sub.MaxAttempts, &sub.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (r *PostgresRegistry) Revoke(ctx context.Context, tenantID, id string) error {
	ct, err := r.pool.Exec(ctx, `
		UPDATE hookrelay.subscriptions SET active = false
		WHERE id = $1 AND tenant_id = $2`,
		id, tenantID,
	)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the subscription. Historical delivery attempts are kept;
// there is deliberately no cascade.
func (r *PostgresRegistry) Delete(ctx context.Context, tenantID, id string) error {
	ct, err := r.pool.Exec(ctx, `
		DELETE FROM hookrelay.subscriptions
		WHERE id = $1 AND tenant_id = $2`,
		id, tenantID,
	)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSubscriptions(rows pgx.Rows) ([]*Subscription, error) {
	out := []*Subscription{}
	for rows.Next() {
		sub := &Subscription{}
		if err := rows.Scan(&sub.ID, &sub.TenantID, &sub.Name, &sub.URL,
			&sub.Events, &sub.Active, &sub.MaxAttempts, &sub.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}
