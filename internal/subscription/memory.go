package subscription

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRegistry is an in-memory Registry, used in tests and single-process
// deployments without Postgres.
type MemoryRegistry struct {
	mu   sync.RWMutex
	subs map[string]*Subscription // keyed by id
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{subs: make(map[string]*Subscription)}
}

func (r *MemoryRegistry) Create(_ context.Context, sub *Subscription) error {
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
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	sub.Active = true
	sub.CreatedAt = time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *sub
	cp.Events = append([]string(nil), sub.Events...)
	r.subs[sub.ID] = &cp
	return nil
}

func (r *MemoryRegistry) Get(_ context.Context, tenantID, id string) (*Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[id]
	if !ok || sub.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return sub.Redacted(), nil
}

func (r *MemoryRegistry) List(_ context.Context, tenantID string) ([]*Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []*Subscription{}
	for _, sub := range r.subs {
		if sub.TenantID == tenantID {
			out = append(out, sub.Redacted())
		}
	}
	return out, nil
}

func (r *MemoryRegistry) FindActiveByEvent(_ context.Context, tenantID, event string) ([]*Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []*Subscription{}
	for _, sub := range r.subs {
		if sub.TenantID == tenantID && sub.Active && sub.Matches(event) {
			// Delivery needs the secret for signing, so no redaction here
			cp := *sub
			cp.Events = append([]string(nil), sub.Events...)
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *MemoryRegistry) Revoke(_ context.Context, tenantID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok || sub.TenantID != tenantID {
		return ErrNotFound
	}
	sub.Active = false
	return nil
}

func (r *MemoryRegistry) Delete(_ context.Context, tenantID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok || sub.TenantID != tenantID {
		return ErrNotFound
	}
	delete(r.subs, id)
	return nil
}
