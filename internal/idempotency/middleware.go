package idempotency

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/opswell/hookrelay/internal/logging"
	"github.com/opswell/hookrelay/internal/metrics"
)

// Header carries the caller-supplied idempotency key. Requests without
// it bypass the guard entirely.
const Header = "Idempotency-Key"

// ReplayHeader marks responses served from the cache instead of a
// fresh handler run.
const ReplayHeader = "X-Idempotent-Replay"

const (
	codeConflict = "idempotency_conflict"
	codeInFlight = "duplicate_in_flight"
)

// TenantResolver extracts the tenant namespace for a request. The
// guard never parses auth itself; the resolver is injected so the
// same middleware serves header-based and token-based tenancy.
type TenantResolver func(*http.Request) string

// Guard is the inbound idempotency middleware. It runs a small state
// machine per (tenant, key): Unseen requests claim the key via the
// store's create-if-absent and proceed; InFlight and Conflicting
// duplicates are rejected; Completed duplicates get the cached
// response replayed verbatim.
//
// When the durable store is unreachable the guard degrades to a
// process-local map keyed by the idempotency key alone. That path is
// best effort: no cross-process coordination, no tenant isolation.
type Guard struct {
	durable  Store
	fallback *MemoryStore
	hasher   Hasher
	tenant   TenantResolver
	ttl      time.Duration
	logger   *logging.Logger
}

func NewGuard(durable Store, hasher Hasher, tenant TenantResolver, ttl time.Duration, logger *logging.Logger) *Guard {
	if logger == nil {
		logger = logging.New("hookrelay")
	}
	if tenant == nil {
		tenant = func(*http.Request) string { return "" }
	}
	return &Guard{
		durable:  durable,
		fallback: NewMemoryStore(),
		hasher:   hasher,
		tenant:   tenant,
		ttl:      ttl,
		logger:   logger,
	}
}

// Wrap guards a mutating handler. Non-mutating methods and requests
// without an Idempotency-Key header pass straight through.
func (g *Guard) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(Header)
		if key == "" || r.Method == http.MethodGet || r.Method == http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "could not read request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		tenantID := g.tenant(r)
		hash := g.hasher.Hash(r, body)

		if done := g.run(w, r, next, g.durable, tenantID, key, hash); done {
			metrics.IdempotencyFallbackActive.Set(0)
			return
		}

		// durable store unreachable: availability over strict
		// correctness, namespace collapses to the key alone
		metrics.IdempotencyFallbackActive.Set(1)
		g.logger.WithContext(r.Context()).WithTenant(tenantID).WithKey(key).
			Warn("idempotency store unavailable, degrading to in-memory fallback")
		if done := g.run(w, r, next, g.fallback, "", key, hash); !done {
			writeError(w, http.StatusServiceUnavailable, "store_unavailable", "idempotency store error")
		}
	})
}

// run executes the guard state machine against one store. It returns
// false only when the store itself failed, which tells Wrap to retry
// on the fallback.
func (g *Guard) run(w http.ResponseWriter, r *http.Request, next http.Handler, store Store, tenantID, key, hash string) bool {
	ctx := r.Context()

	rec, err := store.Get(ctx, tenantID, key)
	switch {
	case err == nil:
		g.reject(w, r, rec, tenantID, key, hash)
		return true

	case errors.Is(err, ErrNotFound):
		claim := &Record{
			Key:         key,
			TenantID:    tenantID,
			RequestHash: hash,
			Method:      r.Method,
			Path:        r.URL.Path,
			ExpiresAt:   time.Now().UTC().Add(g.ttl),
		}
		err := store.PutIfAbsent(ctx, claim)
		if errors.Is(err, ErrDuplicateKey) {
			// lost the race to a concurrent duplicate
			rec, err := store.Get(ctx, tenantID, key)
			if err != nil {
				return false
			}
			g.reject(w, r, rec, tenantID, key, hash)
			return true
		}
		if err != nil {
			return false
		}

	default:
		return false
	}

	metrics.RecordIdempotency("first")
	rw := &recorder{ResponseWriter: w, status: http.StatusOK}
	next.ServeHTTP(rw, r)

	if err := store.Complete(ctx, tenantID, key, rw.status, rw.body.Bytes()); err != nil {
		// the response already went out; the worst case is one extra
		// in-flight rejection until the record expires
		g.logger.WithContext(ctx).WithTenant(tenantID).WithKey(key).WithError(err).
			Error("failed to cache idempotent response")
	}
	return true
}

// reject handles every duplicate branch: replay, conflict, in-flight
func (g *Guard) reject(w http.ResponseWriter, r *http.Request, rec *Record, tenantID, key, hash string) {
	if rec.RequestHash != hash {
		metrics.RecordIdempotency("conflict")
		g.logger.WithContext(r.Context()).WithTenant(tenantID).WithKey(key).
			Warn("idempotency key reused with a different request")
		writeError(w, http.StatusConflict, codeConflict, "idempotency key was used with a different request payload")
		return
	}
	if rec.Completed() {
		metrics.RecordIdempotency("replay")
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set(ReplayHeader, "true")
		w.WriteHeader(rec.StatusCode)
		w.Write(rec.ResponseBody)
		return
	}
	metrics.RecordIdempotency("in_flight")
	writeError(w, http.StatusConflict, codeInFlight, "a request with this idempotency key is still being processed")
}

// recorder tees the handler's response so it can be cached for replay
type recorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (r *recorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(p []byte) (int, error) {
	r.body.Write(p)
	return r.ResponseWriter.Write(p)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"code": code, "error": message})
}
