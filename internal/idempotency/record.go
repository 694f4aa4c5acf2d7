package idempotency

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound means no record exists for the (tenant, key) pair
	ErrNotFound = errors.New("idempotency record not found")
	// ErrDuplicateKey means create-if-absent lost the race: a record
	// for the (tenant, key) pair already exists
	ErrDuplicateKey = errors.New("idempotency key already exists")
)

// Record tracks one use of an idempotency key. It is created at most
// once per (tenant, key) pair and mutated exactly once, when the
// guarded handler completes and its response is cached.
type Record struct {
	Key          string    `json:"key"`
	TenantID     string    `json:"tenant_id"`
	RequestHash  string    `json:"request_hash"`
	Method       string    `json:"method"`
	Path         string    `json:"path"`
	StatusCode   int       `json:"status_code,omitempty"`
	ResponseBody []byte    `json:"response_body,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// Completed reports whether the first request with this key has
// finished and its response is available for replay.
func (r *Record) Completed() bool {
	return r.StatusCode != 0
}

// Store persists idempotency records. PutIfAbsent is the atomic
// create-if-absent primitive: exactly one of N concurrent calls for
// the same (tenant, key) succeeds, the rest get ErrDuplicateKey.
// A record past its ExpiresAt is treated as absent everywhere: Get
// reports ErrNotFound and PutIfAbsent may reclaim it, whether or not
// DeleteExpired has collected it yet.
type Store interface {
	Get(ctx context.Context, tenantID, key string) (*Record, error)
	PutIfAbsent(ctx context.Context, rec *Record) error
	Complete(ctx context.Context, tenantID, key string, statusCode int, responseBody []byte) error
	DeleteExpired(ctx context.Context, asOf time.Time) (int64, error)
}
