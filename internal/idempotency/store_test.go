package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStoreCreateIfAbsent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rec := &Record{Key: "k1", TenantID: "tn-1", RequestHash: "h", ExpiresAt: time.Now().Add(time.Hour)}
	if err := store.PutIfAbsent(ctx, rec); err != nil {
		t.Fatalf("PutIfAbsent() error: %v", err)
	}

	dup := &Record{Key: "k1", TenantID: "tn-1", RequestHash: "other", ExpiresAt: time.Now().Add(time.Hour)}
	if err := store.PutIfAbsent(ctx, dup); !errors.Is(err, ErrDuplicateKey) {
		t.Errorf("PutIfAbsent() duplicate error = %v, want ErrDuplicateKey", err)
	}

	// same key, different tenant namespace
	other := &Record{Key: "k1", TenantID: "tn-2", RequestHash: "h", ExpiresAt: time.Now().Add(time.Hour)}
	if err := store.PutIfAbsent(ctx, other); err != nil {
		t.Errorf("PutIfAbsent() across tenants error: %v", err)
	}
}

func TestMemoryStoreCompleteAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rec := &Record{Key: "k1", TenantID: "tn-1", RequestHash: "h", ExpiresAt: time.Now().Add(time.Hour)}
	if err := store.PutIfAbsent(ctx, rec); err != nil {
		t.Fatal(err)
	}

	got, err := store.Get(ctx, "tn-1", "k1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Completed() {
		t.Error("fresh record must not report completed")
	}

	if err := store.Complete(ctx, "tn-1", "k1", 201, []byte(`{"id":"x"}`)); err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	got, err = store.Get(ctx, "tn-1", "k1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Completed() || got.StatusCode != 201 || string(got.ResponseBody) != `{"id":"x"}` {
		t.Errorf("completed record = %+v, want cached 201 response", got)
	}

	if err := store.Complete(ctx, "tn-1", "missing", 200, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("Complete() on missing key error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	expired := &Record{Key: "old", TenantID: "tn", RequestHash: "h", ExpiresAt: time.Now().Add(-time.Minute)}
	live := &Record{Key: "new", TenantID: "tn", RequestHash: "h", ExpiresAt: time.Now().Add(time.Hour)}
	if err := store.PutIfAbsent(ctx, expired); err != nil {
		t.Fatal(err)
	}
	if err := store.PutIfAbsent(ctx, live); err != nil {
		t.Fatal(err)
	}

	if err := store.Complete(ctx, "tn", "old", 201, []byte(`stale`)); err != nil {
		t.Fatal(err)
	}

	// an expired entry does not block a new claim on the same key, and
	// the reclaim drops its stale cached response
	fresh := &Record{Key: "old", TenantID: "tn", RequestHash: "h2", ExpiresAt: time.Now().Add(time.Hour)}
	if err := store.PutIfAbsent(ctx, fresh); err != nil {
		t.Errorf("PutIfAbsent() over expired entry error: %v", err)
	}
	got, err := store.Get(ctx, "tn", "old")
	if err != nil {
		t.Fatal(err)
	}
	if got.Completed() || got.RequestHash != "h2" {
		t.Errorf("reclaimed record = %+v, want a fresh uncompleted claim", got)
	}

	gone := &Record{Key: "gone", TenantID: "tn", RequestHash: "h", ExpiresAt: time.Now().Add(-time.Minute)}
	if err := store.PutIfAbsent(ctx, gone); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(ctx, "tn", "gone"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() expired record error = %v, want ErrNotFound", err)
	}

	n, err := store.DeleteExpired(ctx, time.Now())
	if err != nil {
		t.Fatalf("DeleteExpired() error: %v", err)
	}
	if n != 0 {
		t.Errorf("DeleteExpired() = %d, want 0 (expired entry already replaced)", n)
	}

	n, err = store.DeleteExpired(ctx, time.Now().Add(2*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("DeleteExpired() = %d, want 2", n)
	}
}
