package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/opswell/hookrelay/internal/config"
	"github.com/opswell/hookrelay/internal/logging"
	"github.com/opswell/hookrelay/internal/metrics"
	"github.com/opswell/hookrelay/internal/signature"
	"github.com/opswell/hookrelay/internal/tracing"
)

// DeadLetterPublisher publishes the dead-letter envelope for deliveries that
// exhausted their attempts. *nsq.Producer satisfies it.
type DeadLetterPublisher interface {
	Publish(topic string, body []byte) error
}

// Executor performs exactly one delivery attempt and decides what happens
// next: terminal success, terminal failure, or a scheduled retry.
type Executor struct {
	store    Store
	client   *http.Client
	sched    Scheduler
	cfg      config.Delivery
	logger   *logging.Logger
	dlq      DeadLetterPublisher
	dlqTopic string
}

func NewExecutor(store Store, client *http.Client, sched Scheduler, cfg config.Delivery, logger *logging.Logger) *Executor {
	if client == nil {
		client = &http.Client{Timeout: cfg.HTTPTimeout}
	}
	if logger == nil {
		logger = logging.New("hookrelay")
	}
	return &Executor{
		store:  store,
		client: client,
		sched:  sched,
		cfg:    cfg,
		logger: logger,
	}
}

// WithDeadLetter enables DLQ publishing for exhausted deliveries
func (e *Executor) WithDeadLetter(pub DeadLetterPublisher, topic string) *Executor {
	e.dlq = pub
	e.dlqTopic = topic
	return e
}

// Run performs delivery attempt number attempt for the task. On a retryable
// failure it schedules itself again for attempt+1 after the backoff delay;
// errors never propagate to the dispatch caller, only to the delivery log.
func (e *Executor) Run(ctx context.Context, task Task, attempt int) {
	ctx, span := tracing.StartSpan(ctx, "delivery.attempt",
		attribute.String("record_id", task.RecordID),
		attribute.String("subscription_id", task.SubscriptionID),
		attribute.String("event", task.Event),
		attribute.Int("attempt", attempt),
	)
	defer span.End()

	body, err := json.Marshal(Envelope{Event: task.Event, Data: task.Data})
	if err != nil {
		// Payload came out of json.RawMessage, so this only fires on invalid raw bytes
		tracing.SetSpanError(ctx, err)
		e.fail(ctx, task, attempt, 0, "payload marshal: "+err.Error())
		return
	}

	// Fresh timestamp per attempt; the receiver verifies against the one it got
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig := signature.Sign(task.Secret, ts, body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, task.URL, bytes.NewReader(body))
	if err != nil {
		tracing.SetSpanError(ctx, err)
		e.fail(ctx, task, attempt, 0, "build request: "+err.Error())
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(e.cfg.TimestampHeader, ts)
	req.Header.Set(e.cfg.SignatureHeader, sig)
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}

	start := time.Now()
	resp, doErr := e.client.Do(req)
	latency := time.Since(start)
	status := 0
	if doErr == nil {
		status = resp.StatusCode
		_ = resp.Body.Close()
	}

	span.SetAttributes(
		attribute.Int("http.status_code", status),
		attribute.Int64("http.latency_ms", latency.Milliseconds()),
	)

	if doErr == nil && status >= 200 && status < 300 {
		tracing.AddSpanEvent(ctx, "delivery.success")
		if err := e.store.MarkDelivered(ctx, task.RecordID, attempt, status); err != nil {
			e.logger.WithContext(ctx).WithAttempt(task.RecordID).WithError(err).Error("delivery log update failed")
			tracing.SetSpanError(ctx, err)
		}
		metrics.RecordDelivery(string(StatusDelivered), task.TenantID, latency, status)
		return
	}

	errMsg := errString(doErr)
	reason := classifyReason(doErr, status)
	span.SetAttributes(attribute.String("failure_reason", reason))
	metrics.RecordDelivery(string(StatusFailed), task.TenantID, latency, status)

	maxAttempts := task.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = e.cfg.MaxAttempts
	}

	if attempt >= maxAttempts {
		tracing.AddSpanEvent(ctx, "delivery.exhausted", attribute.Int("attempt", attempt))
		e.fail(ctx, task, attempt, status, errMsg)
		return
	}

	// Backoff doubles per attempt: retry k waits BaseDelay * 2^(k-1)
	delay := e.cfg.BaseDelay * time.Duration(1<<(attempt-1))
	nextAt := time.Now().UTC().Add(delay)
	if err := e.store.MarkRetrying(ctx, task.RecordID, attempt, status, errMsg, nextAt); err != nil {
		e.logger.WithContext(ctx).WithAttempt(task.RecordID).WithError(err).Error("delivery log update failed")
		tracing.SetSpanError(ctx, err)
	}
	metrics.RecordRetry(reason)
	tracing.AddSpanEvent(ctx, "delivery.requeue",
		attribute.Int("next_attempt", attempt+1),
		attribute.String("delay", delay.String()),
	)
	e.logger.WithContext(ctx).
		WithTenant(task.TenantID).
		WithSubscription(task.SubscriptionID).
		WithAttempt(task.RecordID).
		WithFields(map[string]any{"attempt": attempt, "delay": delay.String(), "reason": reason}).
		Info("delivery retry scheduled")

	next := attempt + 1
	e.sched.AfterFunc(delay, func() {
		// Detached from the originating request; the chain outlives it
		e.Run(context.Background(), task, next)
	})
}

// fail records the terminal failure and emits the dead letter if configured
func (e *Executor) fail(ctx context.Context, task Task, attempt, status int, errMsg string) {
	if err := e.store.MarkFailed(ctx, task.RecordID, attempt, status, errMsg); err != nil {
		e.logger.WithContext(ctx).WithAttempt(task.RecordID).WithError(err).Error("delivery log update failed")
		tracing.SetSpanError(ctx, err)
	}
	e.logger.WithContext(ctx).
		WithTenant(task.TenantID).
		WithSubscription(task.SubscriptionID).
		WithAttempt(task.RecordID).
		WithFields(map[string]any{"attempt": attempt, "http_status": status, "error": errMsg}).
		Warn("delivery failed permanently")

	if e.dlq == nil || e.dlqTopic == "" {
		return
	}
	env := NewDeadLetter(task, attempt, status, errMsg, tracing.InjectCarrier(ctx))
	b, err := json.Marshal(env)
	if err != nil {
		e.logger.WithContext(ctx).WithAttempt(task.RecordID).WithError(err).Error("dead letter marshal failed")
		return
	}
	if err := e.dlq.Publish(e.dlqTopic, b); err != nil {
		e.logger.WithContext(ctx).WithAttempt(task.RecordID).WithError(err).Error("dead letter publish failed")
		tracing.SetSpanError(ctx, err)
		return
	}
	metrics.DLQTotal.Inc()
	tracing.AddSpanEvent(ctx, "dlq.published", attribute.String("topic", e.dlqTopic))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func classifyReason(doErr error, status int) string {
	if doErr != nil {
		errLower := strings.ToLower(doErr.Error())
		if strings.Contains(errLower, "timeout") || strings.Contains(errLower, "deadline exceeded") {
			return "timeout"
		}
		if strings.Contains(errLower, "connection refused") {
			return "connection_refused"
		}
		if strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns") {
			return "dns_error"
		}
		return "network"
	}
	if status >= 500 {
		return "http_5xx"
	}
	if status == 429 {
		return "http_429"
	}
	if status >= 400 {
		return "http_4xx"
	}
	return "other"
}
