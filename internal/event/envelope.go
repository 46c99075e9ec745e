package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeUpdated
	EventTypeLiquidated
	EventTypeAccountSettled
	EventTypePositionSettled
	EventTypeFeeClaimed
)

// EventEnvelope wraps every emitted event in the log and on the wire.
type EventEnvelope struct {
	// Per-process monotonic sequence assigned at emit
	Sequence int64 `json:"sequence"`

	// Stable dedup key derived from the event
	IdempotencyKey string `json:"idempotency_key"`

	EventType EventType `json:"event_type"`
	Market    string    `json:"market"`

	// Oracle version current when the event was produced
	Version uint64 `json:"version"`

	Timestamp time.Time `json:"timestamp"`

	// JSON-encoded event-specific data
	Payload json.RawMessage `json:"payload"`

	// Market state hash AFTER the commit that produced this event
	StateHash [32]byte `json:"-"`

	// Market state hash before that commit (chain integrity)
	PrevHash [32]byte `json:"-"`
}

// Event is the interface all event payloads must implement
type Event interface {
	IdempotencyKey() string
	EventType() EventType
	MarketID() string
	OracleVersion() uint64
}

// NewEnvelope encodes evt into an envelope.
func NewEnvelope(seq int64, evt Event, ts time.Time, stateHash, prevHash [32]byte) (*EventEnvelope, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", evt.EventType(), err)
	}
	return &EventEnvelope{
		Sequence:       seq,
		IdempotencyKey: evt.IdempotencyKey(),
		EventType:      evt.EventType(),
		Market:         evt.MarketID(),
		Version:        evt.OracleVersion(),
		Timestamp:      ts,
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}, nil
}

func (et EventType) String() string {
	switch et {
	case EventTypeUpdated:
		return "Updated"
	case EventTypeLiquidated:
		return "Liquidated"
	case EventTypeAccountSettled:
		return "AccountSettled"
	case EventTypePositionSettled:
		return "PositionSettled"
	case EventTypeFeeClaimed:
		return "FeeClaimed"
	default:
		return "Unknown"
	}
}

// Subject is the lowercase token used in NATS subjects and websocket filters.
func (et EventType) Subject() string {
	switch et {
	case EventTypeUpdated:
		return "updated"
	case EventTypeLiquidated:
		return "liquidated"
	case EventTypeAccountSettled:
		return "account_settled"
	case EventTypePositionSettled:
		return "position_settled"
	case EventTypeFeeClaimed:
		return "fee_claimed"
	default:
		return "unknown"
	}
}

func (et EventType) MarshalJSON() ([]byte, error) {
	return json.Marshal(et.String())
}

func (et *EventType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, ok := ParseEventType(s)
	if !ok {
		return fmt.Errorf("unknown event type %q", s)
	}
	*et = parsed
	return nil
}

// ParseEventType accepts either the display name or the subject token.
func ParseEventType(s string) (EventType, bool) {
	for et := EventTypeUpdated; et <= EventTypeFeeClaimed; et++ {
		if s == et.String() || s == et.Subject() {
			return et, true
		}
	}
	return EventTypeUnknown, false
}
