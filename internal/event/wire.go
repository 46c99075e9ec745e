package event

import (
	"encoding/hex"
	"encoding/json"
	"time"
)

// Wire is the JSON form of an envelope sent to NATS and websocket clients.
type Wire struct {
	Sequence       int64           `json:"sequence"`
	IdempotencyKey string          `json:"idempotency_key"`
	EventType      EventType       `json:"event_type"`
	Market         string          `json:"market"`
	Version        uint64          `json:"version"`
	Timestamp      time.Time       `json:"timestamp"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	PrevHash       string          `json:"prev_hash"`
}

func (e *EventEnvelope) Wire() Wire {
	return Wire{
		Sequence:       e.Sequence,
		IdempotencyKey: e.IdempotencyKey,
		EventType:      e.EventType,
		Market:         e.Market,
		Version:        e.Version,
		Timestamp:      e.Timestamp,
		Payload:        e.Payload,
		StateHash:      hex.EncodeToString(e.StateHash[:]),
		PrevHash:       hex.EncodeToString(e.PrevHash[:]),
	}
}

// MarshalWire encodes the envelope with hex hashes.
func (e *EventEnvelope) MarshalWire() ([]byte, error) {
	return json.Marshal(e.Wire())
}
