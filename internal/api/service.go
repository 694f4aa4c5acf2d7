package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/attribute"

	"github.com/opswell/hookrelay/internal/delivery"
	"github.com/opswell/hookrelay/internal/idempotency"
	"github.com/opswell/hookrelay/internal/logging"
	"github.com/opswell/hookrelay/internal/subscription"
	"github.com/opswell/hookrelay/internal/tenant"
	"github.com/opswell/hookrelay/internal/tracing"
)

// Service exposes the subscription registry, event dispatch, and the
// delivery log over HTTP.
type Service struct {
	reg    subscription.Registry
	store  delivery.Store
	disp   *delivery.Dispatcher
	guard  *idempotency.Guard
	logger *logging.Logger
}

func NewService(reg subscription.Registry, store delivery.Store, disp *delivery.Dispatcher, guard *idempotency.Guard, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.New("hookrelay")
	}
	return &Service{reg: reg, store: store, disp: disp, guard: guard, logger: logger}
}

// Routes registers all handlers on mux. Mutating routes go through the
// idempotency guard.
func (s *Service) Routes(mux *http.ServeMux) {
	guarded := func(h http.HandlerFunc) http.Handler {
		if s.guard == nil {
			return h
		}
		return s.guard.Wrap(h)
	}

	mux.HandleFunc("GET /v1/ping", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"message": "pong"})
	})

	mux.Handle("POST /v1/subscriptions", guarded(s.createSubscription))
	mux.HandleFunc("GET /v1/subscriptions", s.listSubscriptions)
	mux.HandleFunc("GET /v1/subscriptions/{id}", s.getSubscription)
	mux.Handle("POST /v1/subscriptions/{id}/revoke", guarded(s.revokeSubscription))
	mux.HandleFunc("DELETE /v1/subscriptions/{id}", s.deleteSubscription)

	mux.Handle("POST /v1/events", guarded(s.publishEvent))

	mux.HandleFunc("GET /v1/deliveries", s.listDeliveries)
	mux.HandleFunc("GET /v1/deliveries/{id}", s.getDelivery)
}

type createSubscriptionRequest struct {
	Name        string   `json:"name"`
	URL         string   `json:"url"`
	Secret      string   `json:"secret,omitempty"`
	Events      []string `json:"events"`
	MaxAttempts int      `json:"max_attempts,omitempty"`
}

func (s *Service) createSubscription(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}

	var req createSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	sub := &subscription.Subscription{
		TenantID:    tenantID,
		Name:        req.Name,
		URL:         req.URL,
		Secret:      req.Secret,
		Events:      req.Events,
		MaxAttempts: req.MaxAttempts,
	}
	if err := s.reg.Create(r.Context(), sub); err != nil {
		if errors.Is(err, subscription.ErrInvalid) {
			writeErr(w, http.StatusBadRequest, err.Error())
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.WithContext(r.Context()).WithTenant(tenantID).WithSubscription(sub.ID).
		Info("subscription created")
	// the secret is returned exactly once, at creation
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Service) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	subs, err := s.reg.List(r.Context(), tenantID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if subs == nil {
		subs = []*subscription.Subscription{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": subs})
}

func (s *Service) getSubscription(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	sub, err := s.reg.Get(r.Context(), tenantID, r.PathValue("id"))
	if errors.Is(err, subscription.ErrNotFound) {
		writeErr(w, http.StatusNotFound, "subscription not found")
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Service) revokeSubscription(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if err := s.reg.Revoke(r.Context(), tenantID, id); err != nil {
		if errors.Is(err, subscription.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "subscription not found")
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.WithContext(r.Context()).WithTenant(tenantID).WithSubscription(id).
		Info("subscription revoked")
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "active": false})
}

func (s *Service) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	if err := s.reg.Delete(r.Context(), tenantID, r.PathValue("id")); err != nil {
		if errors.Is(err, subscription.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "subscription not found")
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type publishEventRequest struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (s *Service) publishEvent(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}

	var req publishEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Event == "" || len(req.Data) == 0 {
		writeErr(w, http.StatusBadRequest, "event and data are required")
		return
	}

	ctx, span := tracing.StartSpan(r.Context(), "api.PublishEvent",
		attribute.String("tenant_id", tenantID),
		attribute.String("event", req.Event),
	)
	defer span.End()

	fanout, err := s.disp.Dispatch(ctx, tenantID, req.Event, req.Data)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	span.SetAttributes(attribute.Int("fanout_count", fanout))

	// deliveries run in the background; callers poll /v1/deliveries
	writeJSON(w, http.StatusAccepted, map[string]any{
		"event":        req.Event,
		"fanout_count": fanout,
	})
}

func (s *Service) listDeliveries(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	filter := delivery.Filter{
		TenantID:       tenantID,
		SubscriptionID: q.Get("subscription_id"),
		Event:          q.Get("event"),
		Status:         delivery.Status(q.Get("status")),
		Limit:          10,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeErr(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}

	recs, err := s.store.List(r.Context(), filter)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []*delivery.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": recs})
}

func (s *Service) getDelivery(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	rec, err := s.store.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, delivery.ErrNotFound) {
		writeErr(w, http.StatusNotFound, "delivery not found")
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rec.TenantID != tenantID {
		writeErr(w, http.StatusNotFound, "delivery not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func requireTenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	if tenantID, ok := tenant.FromContext(r.Context()); ok {
		return tenantID, true
	}
	if tenantID := r.Header.Get(tenant.HeaderName); tenantID != "" {
		return tenantID, true
	}
	writeErr(w, http.StatusUnauthorized, "tenant identity is required")
	return "", false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
