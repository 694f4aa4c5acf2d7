// Package delivery implements outbound webhook delivery: the durable delivery
// log, the per-attempt executor with exponential backoff, and the dispatcher
// that fans an event out to matching subscriptions.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusRetrying  Status = "retrying"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further attempts will be made for this status
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

var ErrNotFound = errors.New("delivery record not found")

// Record is the durable log entry for one (subscription, event) dispatch.
// It is created once with attempt=0/pending and mutated in place by each
// executor run. Attempt never decreases; NextAttemptAt is set only while
// retrying and cleared on a terminal transition.
type Record struct {
	ID             string          `json:"id"`
	SubscriptionID string          `json:"subscription_id"`
	TenantID       string          `json:"tenant_id"`
	Event          string          `json:"event"`
	Payload        json.RawMessage `json:"payload"`
	Attempt        int             `json:"attempt"`
	Status         Status          `json:"status"`
	ResponseStatus int             `json:"response_status,omitempty"` // 0 when the transport failed
	Error          string          `json:"error,omitempty"`
	NextAttemptAt  *time.Time      `json:"next_attempt_at,omitempty"`
	DeliveredAt    *time.Time      `json:"delivered_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Filter narrows a delivery log query. Zero values match everything.
type Filter struct {
	TenantID       string
	SubscriptionID string
	Event          string
	Status         Status
	Limit          int
}

// Store is the durable delivery log
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	MarkDelivered(ctx context.Context, id string, attempt, responseStatus int) error
	MarkRetrying(ctx context.Context, id string, attempt, responseStatus int, errMsg string, nextAttemptAt time.Time) error
	MarkFailed(ctx context.Context, id string, attempt, responseStatus int, errMsg string) error
	List(ctx context.Context, f Filter) ([]*Record, error)
	// ListStalledRetries returns retrying records whose NextAttemptAt has
	// already passed, e.g. because a restart dropped the pending timer.
	ListStalledRetries(ctx context.Context, asOf time.Time, limit int) ([]*Record, error)
}

// Task carries everything one executor run needs to attempt a delivery.
// MaxAttempts of 0 means the process default applies.
type Task struct {
	RecordID       string          `json:"record_id"`
	SubscriptionID string          `json:"subscription_id"`
	TenantID       string          `json:"tenant_id"`
	URL            string          `json:"url"`
	Secret         string          `json:"-"`
	Event          string          `json:"event"`
	Data           json.RawMessage `json:"data"`
	MaxAttempts    int             `json:"max_attempts"`
}

// Envelope is the wire body of a webhook POST
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}
