package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMustRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	MustRegister(reg)

	// Registering twice with the same registry must panic (duplicate collectors)
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	MustRegister(reg)
}

func TestRecordDelivery(t *testing.T) {
	before := testutil.ToFloat64(DeliveriesTotal.WithLabelValues("delivered", "tn_1"))
	RecordDelivery("delivered", "tn_1", 120*time.Millisecond, 200)
	after := testutil.ToFloat64(DeliveriesTotal.WithLabelValues("delivered", "tn_1"))

	if after != before+1 {
		t.Errorf("deliveries counter = %v, want %v", after, before+1)
	}
}

func TestRecordRetry(t *testing.T) {
	before := testutil.ToFloat64(RetriesTotal.WithLabelValues("http_5xx"))
	RecordRetry("http_5xx")
	after := testutil.ToFloat64(RetriesTotal.WithLabelValues("http_5xx"))

	if after != before+1 {
		t.Errorf("retries counter = %v, want %v", after, before+1)
	}
}

func TestRecordIdempotency(t *testing.T) {
	outcomes := []string{"first", "replay", "conflict", "in_flight"}
	for _, outcome := range outcomes {
		before := testutil.ToFloat64(IdempotencyRequestsTotal.WithLabelValues(outcome))
		RecordIdempotency(outcome)
		after := testutil.ToFloat64(IdempotencyRequestsTotal.WithLabelValues(outcome))
		if after != before+1 {
			t.Errorf("idempotency counter[%s] = %v, want %v", outcome, after, before+1)
		}
	}
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, "2xx"},
		{201, "2xx"},
		{299, "2xx"},
		{301, "3xx"},
		{404, "4xx"},
		{429, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
		{0, "none"}, // transport error, no response
	}

	for _, tt := range tests {
		if got := statusClass(tt.status); got != tt.want {
			t.Errorf("statusClass(%d) = %q, want %q", tt.status, got, tt.want)
		}
	}
}
