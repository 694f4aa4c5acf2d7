package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps idempotency records in hookrelay.idempotency_keys.
// The unique constraint on (tenant_id, key) is what makes PutIfAbsent
// atomic under concurrent duplicates.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Get(ctx context.Context, tenantID, key string) (*Record, error) {
	rec := &Record{}
	var statusCode sql.NullInt32
	var responseBody []byte

	err := s.pool.QueryRow(ctx, `
		SELECT key, tenant_id, request_hash, method, path, status_code, response_body, expires_at, created_at
		FROM hookrelay.idempotency_keys
		WHERE tenant_id = $1 AND key = $2 AND expires_at > now()`,
		tenantID, key,
	).Scan(&rec.Key, &rec.TenantID, &rec.RequestHash, &rec.Method, &rec.Path,
		&statusCode, &responseBody, &rec.ExpiresAt, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if statusCode.Valid {
		rec.StatusCode = int(statusCode.Int32)
		rec.ResponseBody = responseBody
	}
	return rec, nil
}

// PutIfAbsent claims the key. An expired row the purge job has not
// collected yet is not a live duplicate; the claim reclaims it in
// place and clears its cached response.
func (s *PostgresStore) PutIfAbsent(ctx context.Context, rec *Record) error {
	ct, err := s.pool.Exec(ctx, `
		INSERT INTO hookrelay.idempotency_keys(key, tenant_id, request_hash, method, path, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, key) DO UPDATE
		SET request_hash  = EXCLUDED.request_hash,
		    method        = EXCLUDED.method,
		    path          = EXCLUDED.path,
		    status_code   = NULL,
		    response_body = NULL,
		    expires_at    = EXCLUDED.expires_at,
		    created_at    = now()
		WHERE idempotency_keys.expires_at <= now()`,
		rec.Key, rec.TenantID, rec.RequestHash, rec.Method, rec.Path, rec.ExpiresAt,
	)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrDuplicateKey
	}
	return nil
}

func (s *PostgresStore) Complete(ctx context.Context, tenantID, key string, statusCode int, responseBody []byte) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE hookrelay.idempotency_keys
		SET status_code = $3, response_body = $4
		WHERE tenant_id = $1 AND key = $2`,
		tenantID, key, statusCode, responseBody,
	)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteExpired(ctx context.Context, asOf time.Time) (int64, error) {
	ct, err := s.pool.Exec(ctx, `
		DELETE FROM hookrelay.idempotency_keys WHERE expires_at <= $1`, asOf)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}
