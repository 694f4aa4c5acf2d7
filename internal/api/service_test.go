package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opswell/hookrelay/internal/config"
	"github.com/opswell/hookrelay/internal/delivery"
	"github.com/opswell/hookrelay/internal/idempotency"
	"github.com/opswell/hookrelay/internal/subscription"
)

func newTestServer(t *testing.T) (*httptest.Server, *delivery.MemoryStore, subscription.Registry) {
	t.Helper()
	reg := subscription.NewMemoryRegistry()
	store := delivery.NewMemoryStore()
	exec := delivery.NewExecutor(store, nil, delivery.NewManualScheduler(), testDeliveryCfg(), nil)
	disp := delivery.NewDispatcher(reg, store, exec, nil)
	guard := idempotency.NewGuard(idempotency.NewMemoryStore(), idempotency.Hasher{},
		func(r *http.Request) string { return r.Header.Get("X-Tenant-ID") }, time.Hour, nil)

	mux := http.NewServeMux()
	NewService(reg, store, disp, guard, nil).Routes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, store, reg
}

func testDeliveryCfg() config.Delivery {
	return config.Delivery{
		MaxAttempts:     3,
		BaseDelay:       time.Second,
		HTTPTimeout:     2 * time.Second,
		SignatureHeader: "X-OpsWell-Signature",
		TimestampHeader: "X-OpsWell-Timestamp",
	}
}

func do(t *testing.T, method, url, tenant, key, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if tenant != "" {
		req.Header.Set("X-Tenant-ID", tenant)
	}
	if key != "" {
		req.Header.Set(idempotency.Header, key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, b
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestSubscriptionLifecycle(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, body := do(t, "POST", srv.URL+"/v1/subscriptions", "tn-1", "",
		`{"name":"ops","url":"https://example.com/hook","events":["workorder.created"]}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201 (%s)", resp.StatusCode, body)
	}
	var created subscription.Subscription
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatal(err)
	}
	if created.ID == "" || created.Secret == "" {
		t.Error("create must return the generated id and the one-time secret")
	}

	resp, body = do(t, "GET", srv.URL+"/v1/subscriptions/"+created.ID, "tn-1", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want 200", resp.StatusCode)
	}
	var fetched subscription.Subscription
	if err := json.Unmarshal(body, &fetched); err != nil {
		t.Fatal(err)
	}
	if fetched.Secret != "" {
		t.Error("get must not return the signing secret")
	}

	// other tenants cannot see it
	resp, _ = do(t, "GET", srv.URL+"/v1/subscriptions/"+created.ID, "tn-2", "", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("cross-tenant get status = %d, want 404", resp.StatusCode)
	}

	resp, _ = do(t, "POST", srv.URL+"/v1/subscriptions/"+created.ID+"/revoke", "tn-1", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("revoke status = %d, want 200", resp.StatusCode)
	}

	resp, _ = do(t, "DELETE", srv.URL+"/v1/subscriptions/"+created.ID, "tn-1", "", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}
	resp, _ = do(t, "GET", srv.URL+"/v1/subscriptions/"+created.ID, "tn-1", "", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", resp.StatusCode)
	}
}

func TestCreateSubscriptionValidation(t *testing.T) {
	srv, _, _ := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"missing url", `{"events":["e"]}`},
		{"bad url", `{"url":"not a url","events":["e"]}`},
		{"no events", `{"url":"https://example.com"}`},
		{"not json", `{{{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := do(t, "POST", srv.URL+"/v1/subscriptions", "tn-1", "", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

// downRegistry fails writes the way an unreachable pool would
type downRegistry struct {
	subscription.Registry
}

func (downRegistry) Create(context.Context, *subscription.Subscription) error {
	return errors.New("acquire connection: dial tcp 10.0.0.5:5432: connection refused")
}

func TestCreateSubscriptionStoreError(t *testing.T) {
	reg := downRegistry{subscription.NewMemoryRegistry()}
	store := delivery.NewMemoryStore()
	exec := delivery.NewExecutor(store, nil, delivery.NewManualScheduler(), testDeliveryCfg(), nil)
	disp := delivery.NewDispatcher(reg, store, exec, nil)
	mux := http.NewServeMux()
	NewService(reg, store, disp, nil, nil).Routes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, _ := do(t, "POST", srv.URL+"/v1/subscriptions", "tn-1", "", `{"url":"https://example.com/h","events":["e"]}`)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("store failure status = %d, want 500 (a valid request is not a client error)", resp.StatusCode)
	}
}

func TestPublishEventEndToEnd(t *testing.T) {
	var hits atomic.Int32
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer receiver.Close()

	srv, store, _ := newTestServer(t)

	resp, _ := do(t, "POST", srv.URL+"/v1/subscriptions", "tn-1", "",
		`{"url":"`+receiver.URL+`","events":["workorder.created"]}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create subscription status = %d", resp.StatusCode)
	}

	resp, body := do(t, "POST", srv.URL+"/v1/events", "tn-1", "",
		`{"event":"workorder.created","data":{"id":7}}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("publish status = %d, want 202 (%s)", resp.StatusCode, body)
	}
	var pub struct {
		Fanout int `json:"fanout_count"`
	}
	if err := json.Unmarshal(body, &pub); err != nil {
		t.Fatal(err)
	}
	if pub.Fanout != 1 {
		t.Fatalf("fanout_count = %d, want 1", pub.Fanout)
	}

	waitFor(t, 2*time.Second, func() bool { return hits.Load() == 1 })

	// the delivery log is the confirmation surface
	waitFor(t, 2*time.Second, func() bool {
		resp, body := do(t, "GET", srv.URL+"/v1/deliveries?status=delivered", "tn-1", "", "")
		if resp.StatusCode != http.StatusOK {
			return false
		}
		var out struct {
			Deliveries []*delivery.Record `json:"deliveries"`
		}
		return json.Unmarshal(body, &out) == nil && len(out.Deliveries) == 1
	})

	recs, err := store.List(context.Background(), delivery.Filter{TenantID: "tn-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("store holds %d records, want 1", len(recs))
	}

	resp, body = do(t, "GET", srv.URL+"/v1/deliveries/"+recs[0].ID, "tn-1", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("get delivery status = %d, want 200", resp.StatusCode)
	}
	resp, _ = do(t, "GET", srv.URL+"/v1/deliveries/"+recs[0].ID, "tn-2", "", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("cross-tenant get delivery status = %d, want 404", resp.StatusCode)
	}
}

func TestPublishEventIdempotency(t *testing.T) {
	var hits atomic.Int32
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer receiver.Close()

	srv, _, _ := newTestServer(t)
	do(t, "POST", srv.URL+"/v1/subscriptions", "tn-1", "",
		`{"url":"`+receiver.URL+`","events":["e"]}`)

	body := `{"event":"e","data":{"n":1}}`
	first, firstBody := do(t, "POST", srv.URL+"/v1/events", "tn-1", "abc", body)
	if first.StatusCode != http.StatusAccepted {
		t.Fatalf("first publish status = %d", first.StatusCode)
	}
	waitFor(t, 2*time.Second, func() bool { return hits.Load() == 1 })

	// same key, same body: replayed without a second fanout
	second, secondBody := do(t, "POST", srv.URL+"/v1/events", "tn-1", "abc", body)
	if second.StatusCode != http.StatusAccepted {
		t.Errorf("replay status = %d, want 202", second.StatusCode)
	}
	if string(secondBody) != string(firstBody) {
		t.Errorf("replay body = %s, want byte-identical %s", secondBody, firstBody)
	}
	if second.Header.Get(idempotency.ReplayHeader) != "true" {
		t.Error("replay missing the replay marker header")
	}

	// same key, different body: conflict
	conflict, conflictBody := do(t, "POST", srv.URL+"/v1/events", "tn-1", "abc",
		`{"event":"e","data":{"n":2}}`)
	if conflict.StatusCode != http.StatusConflict {
		t.Errorf("conflict status = %d, want 409 (%s)", conflict.StatusCode, conflictBody)
	}

	time.Sleep(50 * time.Millisecond)
	if got := hits.Load(); got != 1 {
		t.Errorf("receiver saw %d deliveries, want 1 (no duplicate fanout)", got)
	}
}

func TestPublishEventNoSubscribers(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, body := do(t, "POST", srv.URL+"/v1/events", "tn-1", "",
		`{"event":"nobody.cares","data":{}}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var pub struct {
		Fanout int `json:"fanout_count"`
	}
	if err := json.Unmarshal(body, &pub); err != nil {
		t.Fatal(err)
	}
	if pub.Fanout != 0 {
		t.Errorf("fanout_count = %d, want 0", pub.Fanout)
	}
}

func TestTenantRequired(t *testing.T) {
	srv, _, _ := newTestServer(t)

	paths := []struct {
		method, path string
	}{
		{"POST", "/v1/subscriptions"},
		{"GET", "/v1/subscriptions"},
		{"POST", "/v1/events"},
		{"GET", "/v1/deliveries"},
	}
	for _, p := range paths {
		resp, _ := do(t, p.method, srv.URL+p.path, "", "", `{}`)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s %s status = %d, want 401", p.method, p.path, resp.StatusCode)
		}
	}
}
