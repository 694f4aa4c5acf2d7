package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a mutex-guarded in-memory Store. It backs tests and
// doubles as the process-local fallback when Postgres is unreachable.
type MemoryStore struct {
	mu   sync.Mutex
	recs map[string]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]*Record)}
}

func storeKey(tenantID, key string) string {
	return tenantID + "\x00" + key
}

func (s *MemoryStore) Get(ctx context.Context, tenantID, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[storeKey(tenantID, key)]
	if !ok {
		return nil, ErrNotFound
	}
	if !rec.ExpiresAt.IsZero() && time.Now().After(rec.ExpiresAt) {
		delete(s.recs, storeKey(tenantID, key))
		return nil, ErrNotFound
	}
	out := *rec
	return &out, nil
}

func (s *MemoryStore) PutIfAbsent(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := storeKey(rec.TenantID, rec.Key)
	if existing, ok := s.recs[k]; ok {
		if existing.ExpiresAt.IsZero() || time.Now().Before(existing.ExpiresAt) {
			return ErrDuplicateKey
		}
		// expired entry, let the new record take its place
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	cp := *rec
	s.recs[k] = &cp
	return nil
}

func (s *MemoryStore) Complete(ctx context.Context, tenantID, key string, statusCode int, responseBody []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[storeKey(tenantID, key)]
	if !ok {
		return ErrNotFound
	}
	rec.StatusCode = statusCode
	rec.ResponseBody = append([]byte(nil), responseBody...)
	return nil
}

func (s *MemoryStore) DeleteExpired(ctx context.Context, asOf time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for k, rec := range s.recs {
		if !rec.ExpiresAt.IsZero() && rec.ExpiresAt.Before(asOf) {
			delete(s.recs, k)
			n++
		}
	}
	return n, nil
}
