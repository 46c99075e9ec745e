package query

import (
	"encoding/json"
	"time"

	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/state"

	"github.com/google/uuid"
)

// Amounts in every response are decimal strings.

// MarketSummary is one row of the market list.
type MarketSummary struct {
	Market        string          `json:"market"`
	LatestVersion uint64          `json:"latest_version"`
	OracleVersion uint64          `json:"oracle_version"`
	Maker         fpmath.UFixed18 `json:"maker"`
	Taker         fpmath.UFixed18 `json:"taker"`
}

// MarketResponse is a market's settled aggregate state.
type MarketResponse struct {
	Market        string                  `json:"market"`
	LatestVersion uint64                  `json:"latest_version"`
	Position      state.Position          `json:"position"`
	Next          state.Position          `json:"next"`
	Pre           state.PrePosition       `json:"pre"`
	Fee           state.Fee               `json:"fee"`
	Oracle        *oracle.Version         `json:"oracle,omitempty"`
	Parameter     state.MarketParameter   `json:"parameter"`
	Protocol      state.ProtocolParameter `json:"protocol"`
	PoolBalance   fpmath.Fixed18          `json:"pool_balance"`
	StateHash     string                  `json:"state_hash"`
	AsOfSequence  int64                   `json:"as_of_sequence"`
}

type VersionResponse struct {
	Market   string            `json:"market"`
	Number   uint64            `json:"number"`
	Value    state.Accumulator `json:"value"`
	Reward   state.Accumulator `json:"reward"`
	Position state.Position    `json:"position"`
}

// AccountResponse is one account's settled state in one market. Maintenance
// and MarginStatus are derived at query time from the current oracle price.
type AccountResponse struct {
	Market         string          `json:"market"`
	Account        uuid.UUID       `json:"account"`
	LatestVersion  uint64          `json:"latest_version"`
	Position       state.Position  `json:"position"`
	Next           state.Position  `json:"next"`
	PendingVersion uint64          `json:"pending_version"`
	Collateral     fpmath.Fixed18  `json:"collateral"`
	Reward         fpmath.UFixed18 `json:"reward"`
	Liquidation    bool            `json:"liquidation"`
	Maintenance    fpmath.UFixed18 `json:"maintenance"`
	MarginStatus   string          `json:"margin_status"`
	AsOfSequence   int64           `json:"as_of_sequence"`
}

// EventResponse is a persisted envelope with hex hashes.
type EventResponse struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Market         string          `json:"market"`
	Version        uint64          `json:"version"`
	Timestamp      time.Time       `json:"timestamp"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	PrevHash       string          `json:"prev_hash"`
}

// JournalHistoryEntry is one ledger entry touching a holder's wallet.
type JournalHistoryEntry struct {
	ID            int64           `json:"id"`
	JournalID     uuid.UUID       `json:"journal_id"`
	BatchID       uuid.UUID       `json:"batch_id"`
	DebitAccount  string          `json:"debit_account"`
	CreditAccount string          `json:"credit_account"`
	Asset         string          `json:"asset"`
	Amount        fpmath.UFixed18 `json:"amount"`
	JournalType   string          `json:"journal_type"`
	Timestamp     int64           `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy    bool              `json:"is_healthy"`
	LedgerError  string            `json:"ledger_error,omitempty"`
	Markets      []MarketIntegrity `json:"markets"`
	AsOfSequence int64             `json:"as_of_sequence"`
}

// MarketIntegrity is one market's chain tip and pool. UnclaimedFees is held
// in the pool, so a pool below it is unhealthy.
type MarketIntegrity struct {
	Market        string          `json:"market"`
	StateHash     string          `json:"state_hash"`
	PoolBalance   fpmath.Fixed18  `json:"pool_balance"`
	UnclaimedFees fpmath.UFixed18 `json:"unclaimed_fees"`
}
