package types

import (
	"encoding/json"
	"time"
)

// RawItem is a sensor reading as it was received by an intake path, before any
// normalization. It is treated as immutable once it has been enqueued.
type RawItem struct {
	// ID is assigned by the gateway when the item is ingested.
	ID string
	// Source identifies the intake that produced the item (e.g. "http", "mqtt:sensors/temp").
	Source string
	// Payload is the raw byte content of the reading.
	Payload []byte
	// IngestedAt is the time the gateway accepted the reading.
	IngestedAt time.Time
	// Metadata holds optional key-value pairs supplied by the intake.
	Metadata map[string]string
}

// OutboundRecord is the normalized record that is sent to the broker.
type OutboundRecord struct {
	ID          string            `json:"id"`
	DeviceID    string            `json:"deviceId"`
	DisplayName string            `json:"displayName"`
	Subject     string            `json:"subject"`
	Source      string            `json:"source"`
	Payload     json.RawMessage   `json:"payload"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"timeCreated"`
}

// Encode returns the JSON wire form of the record.
func (r OutboundRecord) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// Batch is an ordered group of records assembled for one send attempt.
type Batch []OutboundRecord

// IDs returns the record ids in batch order.
func (b Batch) IDs() []string {
	ids := make([]string, len(b))
	for i, r := range b {
		ids[i] = r.ID
	}
	return ids
}
