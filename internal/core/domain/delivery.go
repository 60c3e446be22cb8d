package domain

import (
	"encoding/json"
	"time"
)

// DeliveryRecord is the stored trace of one dispatched event.
type DeliveryRecord struct {
	ID              string          `json:"id"`
	WebhookID       WebhookID       `json:"webhook_id"`
	Method          Method          `json:"method"`
	RequestID       string          `json:"request_id,omitempty"`
	CreationPayload json.RawMessage `json:"creation_payload,omitempty"`
	RequestPayload  json.RawMessage `json:"request_payload,omitempty"`
	ReceivedAt      time.Time       `json:"received_at"`
}

// NewDeliveryRecord builds a record for a dispatched event.
func NewDeliveryRecord(id string, ev *DispatchEvent) *DeliveryRecord {
	return &DeliveryRecord{
		ID:              id,
		WebhookID:       ev.WebhookID,
		Method:          ev.Method,
		RequestID:       ev.RequestID,
		CreationPayload: ev.CreationPayload,
		RequestPayload:  ev.RequestPayload,
		ReceivedAt:      ev.ReceivedAt,
	}
}
