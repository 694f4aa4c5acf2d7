// Package subscription holds tenant-owned webhook subscriptions: which URLs
// want which events, signed with which secret.
package subscription

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	ErrNotFound = errors.New("subscription not found")
	// ErrInvalid wraps every validation rejection so callers can tell
	// a bad subscription apart from a store failure
	ErrInvalid = errors.New("invalid subscription")
)

// Subscription registers a tenant-owned URL for one or more named events.
// Secret is write-once: it is returned exactly once from Create and redacted
// on every read path afterwards.
type Subscription struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Name        string    `json:"name"`
	URL         string    `json:"url"`
	Secret      string    `json:"secret,omitempty"`
	Events      []string  `json:"events"`
	Active      bool      `json:"active"`
	MaxAttempts int       `json:"max_attempts"` // 0 means use the process default
	CreatedAt   time.Time `json:"created_at"`
}

// Matches reports whether the subscription wants the given event
func (s *Subscription) Matches(event string) bool {
	for _, e := range s.Events {
		if e == event {
			return true
		}
	}
	return false
}

// Redacted returns a copy with the secret stripped
func (s *Subscription) Redacted() *Subscription {
	out := *s
	out.Secret = ""
	out.Events = append([]string(nil), s.Events...)
	return &out
}

// Registry is the durable store of subscriptions. Lookups never error on an
// empty result; they return an empty slice.
type Registry interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, tenantID, id string) (*Subscription, error)
	List(ctx context.Context, tenantID string) ([]*Subscription, error)
	FindActiveByEvent(ctx context.Context, tenantID, event string) ([]*Subscription, error)
	Revoke(ctx context.Context, tenantID, id string) error
	Delete(ctx context.Context, tenantID, id string) error
}

// Validate rejects configuration errors at creation time so they never
// surface at delivery time. Every rejection wraps ErrInvalid.
func (s *Subscription) Validate() error {
	if s.TenantID == "" {
		return fmt.Errorf("%w: tenant_id is required", ErrInvalid)
	}
	if s.URL == "" {
		return fmt.Errorf("%w: url is required", ErrInvalid)
	}
	if _, err := url.ParseRequestURI(s.URL); err != nil {
		return fmt.Errorf("%w: bad url: %v", ErrInvalid, err)
	}
	if len(s.Events) == 0 {
		return fmt.Errorf("%w: at least one event is required", ErrInvalid)
	}
	for _, e := range s.Events {
		if e == "" {
			return fmt.Errorf("%w: event names must be non-empty", ErrInvalid)
		}
	}
	if s.MaxAttempts < 0 {
		return fmt.Errorf("%w: max_attempts must be non-negative", ErrInvalid)
	}
	return nil
}

// GenerateSecret returns a random base64-encoded string of n bytes of entropy
func GenerateSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
