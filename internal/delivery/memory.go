package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory delivery log for tests and single-process use
type MemoryStore struct {
	mu   sync.RWMutex
	recs map[string]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]*Record)}
}

func (s *MemoryStore) Create(_ context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if rec.Status == "" {
		rec.Status = StatusPending
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.recs[rec.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) MarkDelivered(_ context.Context, id string, attempt, responseStatus int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return ErrNotFound
	}
	if attempt < rec.Attempt {
		return fmt.Errorf("attempt %d would decrease stored attempt %d", attempt, rec.Attempt)
	}
	now := time.Now().UTC()
	rec.Attempt = attempt
	rec.Status = StatusDelivered
	rec.ResponseStatus = responseStatus
	rec.Error = ""
	rec.NextAttemptAt = nil
	rec.DeliveredAt = &now
	rec.UpdatedAt = now
	return nil
}

func (s *MemoryStore) MarkRetrying(_ context.Context, id string, attempt, responseStatus int, errMsg string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return ErrNotFound
	}
	if attempt < rec.Attempt {
		return fmt.Errorf("attempt %d would decrease stored attempt %d", attempt, rec.Attempt)
	}
	rec.Attempt = attempt
	rec.Status = StatusRetrying
	rec.ResponseStatus = responseStatus
	rec.Error = errMsg
	at := nextAttemptAt
	rec.NextAttemptAt = &at
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, id string, attempt, responseStatus int, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return ErrNotFound
	}
	if attempt < rec.Attempt {
		return fmt.Errorf("attempt %d would decrease stored attempt %d", attempt, rec.Attempt)
	}
	rec.Attempt = attempt
	rec.Status = StatusFailed
	rec.ResponseStatus = responseStatus
	rec.Error = errMsg
	rec.NextAttemptAt = nil
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*Record{}
	for _, rec := range s.recs {
		if f.TenantID != "" && rec.TenantID != f.TenantID {
			continue
		}
		if f.SubscriptionID != "" && rec.SubscriptionID != f.SubscriptionID {
			continue
		}
		if f.Event != "" && rec.Event != f.Event {
			continue
		}
		if f.Status != "" && rec.Status != f.Status {
			continue
		}
		cp := *rec
		out = append(out, &cp)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) ListStalledRetries(_ context.Context, asOf time.Time, limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*Record{}
	for _, rec := range s.recs {
		if rec.Status != StatusRetrying || rec.NextAttemptAt == nil {
			continue
		}
		if rec.NextAttemptAt.After(asOf) {
			continue
		}
		cp := *rec
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
