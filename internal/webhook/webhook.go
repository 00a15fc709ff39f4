// Package webhook ingests asynchronous gateway notifications exactly once.
package webhook

import (
	"encoding/json"
	"time"
)

// EventStatus tracks the processing lifecycle of an inbound webhook.
type EventStatus string

const (
	StatusReceived  EventStatus = "received"
	StatusProcessed EventStatus = "processed"
	StatusFailed    EventStatus = "failed"
	StatusSkipped   EventStatus = "skipped"
)

// MaxProcessingAttempts bounds the replay sweep so a poison event cannot be
// re-processed forever.
const MaxProcessingAttempts = 3

// Event is one inbound webhook delivery. The (GatewayName, EventID) pair is
// unique: redelivery of the same provider event maps onto the same row.
type Event struct {
	ID          string `json:"id"`
	GatewayName string `json:"gateway_name"`
	// EventID is the provider-scoped event id extracted from the payload.
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`

	Payload json.RawMessage `json:"payload"`

	Status             EventStatus `json:"status"`
	ProcessingAttempts int         `json:"processing_attempts"`
	LastError          string      `json:"last_error,omitempty"`

	// TransactionID links the event to the transaction it mutated, once known.
	TransactionID string `json:"transaction_id,omitempty"`

	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}
