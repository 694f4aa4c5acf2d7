package delivery

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel/attribute"

	"github.com/opswell/hookrelay/internal/logging"
	"github.com/opswell/hookrelay/internal/metrics"
	"github.com/opswell/hookrelay/internal/subscription"
	"github.com/opswell/hookrelay/internal/tracing"
)

// Dispatcher fans an event out to every matching active subscription. Each
// match gets one pending delivery record and one concurrent executor run;
// Dispatch returns as soon as the runs are started (fire-and-forget). Callers
// that need delivery confirmation query the delivery log instead.
type Dispatcher struct {
	reg    subscription.Registry
	store  Store
	exec   *Executor
	logger *logging.Logger
}

func NewDispatcher(reg subscription.Registry, store Store, exec *Executor, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.New("hookrelay")
	}
	return &Dispatcher{reg: reg, store: store, exec: exec, logger: logger}
}

// Dispatch resolves subscriptions for (tenantID, event) and starts one
// delivery chain per match. Returns the count of chains actually
// started; a match whose delivery record cannot be created is logged
// and skipped. Zero matches is a silent no-op, not an error.
func (d *Dispatcher) Dispatch(ctx context.Context, tenantID, event string, data json.RawMessage) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "dispatch.event",
		attribute.String("tenant_id", tenantID),
		attribute.String("event", event),
	)
	defer span.End()

	subs, err := d.reg.FindActiveByEvent(ctx, tenantID, event)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return 0, err
	}
	span.SetAttributes(attribute.Int("subscribers_count", len(subs)))
	metrics.EventsDispatchedTotal.WithLabelValues(tenantID).Inc()

	fanout := 0
	for _, sub := range subs {
		rec := &Record{
			SubscriptionID: sub.ID,
			TenantID:       tenantID,
			Event:          event,
			Payload:        data,
			Attempt:        0,
			Status:         StatusPending,
		}
		if err := d.store.Create(ctx, rec); err != nil {
			// Chains already started keep running; one bad record
			// must not abort the rest of the fanout.
			tracing.SetSpanError(ctx, err)
			d.logger.WithContext(ctx).
				WithTenant(tenantID).
				WithEvent(event).
				WithSubscription(sub.ID).
				WithError(err).
				Error("delivery record create failed, skipping subscriber")
			continue
		}
		task := Task{
			RecordID:       rec.ID,
			SubscriptionID: sub.ID,
			TenantID:       tenantID,
			URL:            sub.URL,
			Secret:         sub.Secret,
			Event:          event,
			Data:           data,
			MaxAttempts:    sub.MaxAttempts,
		}
		// Chains are independent; one slow subscriber never blocks another.
		// The chain must outlive the dispatching request, hence WithoutCancel.
		go d.exec.Run(context.WithoutCancel(ctx), task, 1)
		fanout++
	}

	d.logger.WithContext(ctx).
		WithTenant(tenantID).
		WithEvent(event).
		WithField("fanout", fanout).
		Info("event dispatched")
	return fanout, nil
}
