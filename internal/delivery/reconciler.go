package delivery

import (
	"context"
	"time"

	"github.com/opswell/hookrelay/internal/logging"
	"github.com/opswell/hookrelay/internal/subscription"
)

// Reconciler re-enters delivery chains whose scheduled retry never fired.
// Retries live on in-process timers, so a restart silently drops them; the
// delivery log still says retrying with a next_attempt_at in the past. The
// sweep picks those up and hands them back to the executor.
type Reconciler struct {
	store  Store
	reg    subscription.Registry
	exec   *Executor
	logger *logging.Logger
}

func NewReconciler(store Store, reg subscription.Registry, exec *Executor, logger *logging.Logger) *Reconciler {
	if logger == nil {
		logger = logging.New("hookrelay")
	}
	return &Reconciler{store: store, reg: reg, exec: exec, logger: logger}
}

// Sweep restarts every stalled retrying record and returns how many it
// restarted. Records whose subscription has been revoked or deleted are
// marked failed; nothing can sign for them anymore.
func (r *Reconciler) Sweep(ctx context.Context, limit int) (int, error) {
	recs, err := r.store.ListStalledRetries(ctx, time.Now().UTC(), limit)
	if err != nil {
		return 0, err
	}

	restarted := 0
	for _, rec := range recs {
		sub, err := r.findSubscription(ctx, rec)
		if err != nil {
			return restarted, err
		}
		if sub == nil {
			if err := r.store.MarkFailed(ctx, rec.ID, rec.Attempt, rec.ResponseStatus, "subscription no longer active"); err != nil {
				r.logger.WithContext(ctx).WithAttempt(rec.ID).WithError(err).Error("reconcile: mark failed")
			}
			continue
		}
		task := Task{
			RecordID:       rec.ID,
			SubscriptionID: sub.ID,
			TenantID:       rec.TenantID,
			URL:            sub.URL,
			Secret:         sub.Secret,
			Event:          rec.Event,
			Data:           rec.Payload,
			MaxAttempts:    sub.MaxAttempts,
		}
		next := rec.Attempt + 1
		r.logger.WithContext(ctx).
			WithTenant(rec.TenantID).
			WithSubscription(sub.ID).
			WithAttempt(rec.ID).
			WithField("attempt", next).
			Info("reconcile: restarting stalled delivery")
		// The sweep runs under its caller's deadline; the restarted
		// chain must outlive it, hence WithoutCancel.
		go r.exec.Run(context.WithoutCancel(ctx), task, next)
		restarted++
	}
	return restarted, nil
}

func (r *Reconciler) findSubscription(ctx context.Context, rec *Record) (*subscription.Subscription, error) {
	subs, err := r.reg.FindActiveByEvent(ctx, rec.TenantID, rec.Event)
	if err != nil {
		return nil, err
	}
	for _, sub := range subs {
		if sub.ID == rec.SubscriptionID {
			return sub, nil
		}
	}
	return nil, nil
}
