package delivery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opswell/hookrelay/internal/subscription"
)

func TestReconcilerRestartsStalledDelivery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := subscription.NewMemoryRegistry()
	sub := createSub(t, reg, "tn-1", srv.URL, "e")

	store := NewMemoryStore()
	sched := NewManualScheduler()
	exec := NewExecutor(store, nil, sched, testDeliveryCfg(3, time.Second), nil)

	// A retry that was scheduled before a restart and never fired
	rec := &Record{SubscriptionID: sub.ID, TenantID: "tn-1", Event: "e", Payload: json.RawMessage(`{}`)}
	if err := store.Create(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkRetrying(context.Background(), rec.ID, 1, 500, "boom", time.Now().UTC().Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}

	rc := NewReconciler(store, reg, exec, nil)
	restarted, err := rc.Sweep(context.Background(), 10)
	if err != nil {
		t.Fatalf("Sweep() error: %v", err)
	}
	if restarted != 1 {
		t.Fatalf("Sweep() restarted %d, want 1", restarted)
	}

	waitFor(t, 2*time.Second, func() bool {
		got := mustGet(t, store, rec.ID)
		return got.Status == StatusDelivered
	})
	got := mustGet(t, store, rec.ID)
	if got.Attempt != 2 {
		t.Errorf("attempt = %d, want 2 (chain resumed, not restarted from 1)", got.Attempt)
	}
}

func TestReconcilerDetachesFromSweepContext(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := subscription.NewMemoryRegistry()
	sub := createSub(t, reg, "tn-1", srv.URL, "e")

	store := NewMemoryStore()
	exec := NewExecutor(store, nil, NewManualScheduler(), testDeliveryCfg(3, time.Second), nil)

	rec := &Record{SubscriptionID: sub.ID, TenantID: "tn-1", Event: "e", Payload: json.RawMessage(`{}`)}
	if err := store.Create(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkRetrying(context.Background(), rec.ID, 1, 500, "boom", time.Now().UTC().Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}

	// The production caller runs Sweep under a deadline and cancels it
	// as soon as Sweep returns. Restarted chains must survive that.
	ctx, cancel := context.WithCancel(context.Background())
	rc := NewReconciler(store, reg, exec, nil)
	restarted, err := rc.Sweep(ctx, 10)
	cancel()
	if err != nil {
		t.Fatalf("Sweep() error: %v", err)
	}
	if restarted != 1 {
		t.Fatalf("Sweep() restarted %d, want 1", restarted)
	}

	waitFor(t, 2*time.Second, func() bool {
		got := mustGet(t, store, rec.ID)
		return got.Status.Terminal()
	})
	got := mustGet(t, store, rec.ID)
	if got.Status != StatusDelivered {
		t.Fatalf("status = %s (err %q), want delivered despite the cancelled sweep context", got.Status, got.Error)
	}
	if hits.Load() != 1 {
		t.Errorf("receiver saw %d requests, want 1", hits.Load())
	}
}

func TestReconcilerFailsOrphanedDelivery(t *testing.T) {
	reg := subscription.NewMemoryRegistry()
	store := NewMemoryStore()
	sched := NewManualScheduler()
	exec := NewExecutor(store, nil, sched, testDeliveryCfg(3, time.Second), nil)

	// Subscription was deleted after this retry was recorded
	rec := &Record{SubscriptionID: "gone", TenantID: "tn-1", Event: "e", Payload: json.RawMessage(`{}`)}
	if err := store.Create(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkRetrying(context.Background(), rec.ID, 2, 500, "boom", time.Now().UTC().Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}

	rc := NewReconciler(store, reg, exec, nil)
	restarted, err := rc.Sweep(context.Background(), 10)
	if err != nil {
		t.Fatalf("Sweep() error: %v", err)
	}
	if restarted != 0 {
		t.Errorf("Sweep() restarted %d, want 0", restarted)
	}

	got := mustGet(t, store, rec.ID)
	if got.Status != StatusFailed {
		t.Errorf("status = %s, want failed for orphaned delivery", got.Status)
	}
}

func TestReconcilerSkipsFutureRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := subscription.NewMemoryRegistry()
	sub := createSub(t, reg, "tn-1", srv.URL, "e")

	store := NewMemoryStore()
	exec := NewExecutor(store, nil, NewManualScheduler(), testDeliveryCfg(3, time.Second), nil)

	rec := &Record{SubscriptionID: sub.ID, TenantID: "tn-1", Event: "e", Payload: json.RawMessage(`{}`)}
	if err := store.Create(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkRetrying(context.Background(), rec.ID, 1, 500, "boom", time.Now().UTC().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	rc := NewReconciler(store, reg, exec, nil)
	restarted, err := rc.Sweep(context.Background(), 10)
	if err != nil {
		t.Fatalf("Sweep() error: %v", err)
	}
	if restarted != 0 {
		t.Errorf("Sweep() restarted %d, want 0 (retry timer is still in the future)", restarted)
	}
}
