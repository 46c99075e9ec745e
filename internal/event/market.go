package event

import (
	"fmt"

	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"

	"github.com/google/uuid"
)

// Updated is emitted when an account changes its target position or collateral.
// Idempotency key: the command ID that produced it.
type Updated struct {
	ID              uuid.UUID       `json:"id"`
	Market          string          `json:"market"`
	Account         uuid.UUID       `json:"account"`
	Version         uint64          `json:"version"`
	Target          state.Position  `json:"target"`
	CollateralDelta fpmath.Fixed18  `json:"collateral_delta"`
	Fee             fpmath.UFixed18 `json:"fee"`
	Collateral      fpmath.Fixed18  `json:"collateral"` // after the update
}

func (u *Updated) IdempotencyKey() string { return u.ID.String() }
func (u *Updated) EventType() EventType   { return EventTypeUpdated }
func (u *Updated) MarketID() string       { return u.Market }
func (u *Updated) OracleVersion() uint64  { return u.Version }

// Liquidated is emitted when an account is force-closed.
type Liquidated struct {
	ID         uuid.UUID       `json:"id"`
	Market     string          `json:"market"`
	Account    uuid.UUID       `json:"account"`
	Liquidator uuid.UUID       `json:"liquidator"`
	Version    uint64          `json:"version"`
	Closed     state.Position  `json:"closed"` // target before the force-close
	Reward     fpmath.UFixed18 `json:"reward"`
	Collateral fpmath.Fixed18  `json:"collateral"` // after the reward is paid
}

func (l *Liquidated) IdempotencyKey() string { return l.ID.String() }
func (l *Liquidated) EventType() EventType   { return EventTypeLiquidated }
func (l *Liquidated) MarketID() string       { return l.Market }
func (l *Liquidated) OracleVersion() uint64  { return l.Version }

// PositionSettled is emitted for each stamped range of the market's global
// settlement. One global settle produces one or two of these.
type PositionSettled struct {
	Market      string          `json:"market"`
	FromVersion uint64          `json:"from_version"`
	ToVersion   uint64          `json:"to_version"`
	Position    state.Position  `json:"position"` // after the range
	Funding     fpmath.Fixed18  `json:"funding"`
	Fee         fpmath.UFixed18 `json:"fee"` // credited to the fee pools
}

// Ranges never repeat for a market, so the range is the key.
func (p *PositionSettled) IdempotencyKey() string {
	return fmt.Sprintf("position:%s:%d:%d", p.Market, p.FromVersion, p.ToVersion)
}
func (p *PositionSettled) EventType() EventType  { return EventTypePositionSettled }
func (p *PositionSettled) MarketID() string      { return p.Market }
func (p *PositionSettled) OracleVersion() uint64 { return p.ToVersion }

// AccountSettled is emitted for each range an account is settled over.
type AccountSettled struct {
	Market      string          `json:"market"`
	Account     uuid.UUID       `json:"account"`
	FromVersion uint64          `json:"from_version"`
	ToVersion   uint64          `json:"to_version"`
	Position    state.Position  `json:"position"` // settled position over the range
	Value       fpmath.Fixed18  `json:"value"`
	Reward      fpmath.UFixed18 `json:"reward"`
}

func (a *AccountSettled) IdempotencyKey() string {
	return fmt.Sprintf("account:%s:%s:%d:%d", a.Market, a.Account, a.FromVersion, a.ToVersion)
}
func (a *AccountSettled) EventType() EventType  { return EventTypeAccountSettled }
func (a *AccountSettled) MarketID() string      { return a.Market }
func (a *AccountSettled) OracleVersion() uint64 { return a.ToVersion }

// FeeClaimed is emitted when a fee pool is paid out.
type FeeClaimed struct {
	ID        uuid.UUID       `json:"id"`
	Market    string          `json:"market"`
	Kind      state.FeeKind   `json:"kind"`
	Recipient uuid.UUID       `json:"recipient"`
	Amount    fpmath.UFixed18 `json:"amount"`
	Version   uint64          `json:"version"`
}

func (f *FeeClaimed) IdempotencyKey() string { return f.ID.String() }
func (f *FeeClaimed) EventType() EventType   { return EventTypeFeeClaimed }
func (f *FeeClaimed) MarketID() string       { return f.Market }
func (f *FeeClaimed) OracleVersion() uint64  { return f.Version }
