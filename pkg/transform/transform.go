package transform

import (
	"encoding/json"
	"time"

	"github.com/illmade-knight/go-edgegateway/pkg/sender"
	"github.com/illmade-knight/go-edgegateway/pkg/types"
)

// Func maps a raw item to the record sent to the broker.
type Func func(item types.RawItem) types.OutboundRecord

// Transformer stamps raw items with the gateway's device identity and a
// creation time. It holds no mutable state and performs no I/O.
type Transformer struct {
	cfg *sender.SenderConfig
	now func() time.Time
}

// NewTransformer creates a Transformer. A nil clock uses time.Now in UTC.
func NewTransformer(cfg *sender.SenderConfig, now func() time.Time) *Transformer {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Transformer{cfg: cfg, now: now}
}

// Transform is total: anything that passed intake validation yields a record.
// A JSON payload is embedded as-is; any other payload is carried as a JSON string.
func (t *Transformer) Transform(item types.RawItem) types.OutboundRecord {
	var payload json.RawMessage
	if json.Valid(item.Payload) {
		payload = append(payload, item.Payload...)
	} else {
		// Marshalling a string cannot fail.
		payload, _ = json.Marshal(string(item.Payload))
	}

	metadata := make(map[string]string, len(item.Metadata))
	for k, v := range item.Metadata {
		metadata[k] = v
	}

	return types.OutboundRecord{
		ID:          item.ID,
		DeviceID:    t.cfg.DeviceID,
		DisplayName: t.cfg.DisplayName,
		Subject:     t.cfg.Subject,
		Source:      item.Source,
		Payload:     payload,
		Metadata:    metadata,
		CreatedAt:   t.now(),
	}
}

// Func returns Transform as a Func value.
func (t *Transformer) Func() Func {
	return t.Transform
}
