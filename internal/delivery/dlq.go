package delivery

import (
	"encoding/json"
	"time"
)

const DLQType = "delivery.dlq"

// DeadLetter is the envelope published to the DLQ topic when a delivery chain
// exhausts its attempts. Consumers get the full snapshot needed to replay.
type DeadLetter struct {
	Type           string            `json:"type"`    // "delivery.dlq"
	Version        string            `json:"version"` // schema version
	At             string            `json:"at"`      // RFC3339 emission time
	Attempt        int               `json:"attempt"`
	HTTPStatus     int               `json:"http_status,omitempty"`
	LastError      string            `json:"last_error,omitempty"`
	RecordID       string            `json:"record_id"`
	SubscriptionID string            `json:"subscription_id"`
	TenantID       string            `json:"tenant_id"`
	URL            string            `json:"url"`
	Event          string            `json:"event"`
	Data           json.RawMessage   `json:"data,omitempty"`
	TraceHeaders   map[string]string `json:"trace_headers,omitempty"`
}

func NewDeadLetter(t Task, attempt, httpStatus int, lastErr string, traceHeaders map[string]string) DeadLetter {
	return DeadLetter{
		Type:           DLQType,
		Version:        "v1",
		At:             time.Now().UTC().Format(time.RFC3339Nano),
		Attempt:        attempt,
		HTTPStatus:     httpStatus,
		LastError:      lastErr,
		RecordID:       t.RecordID,
		SubscriptionID: t.SubscriptionID,
		TenantID:       t.TenantID,
		URL:            t.URL,
		Event:          t.Event,
		Data:           t.Data,
		TraceHeaders:   traceHeaders,
	}
}
