package query

import (
	fpmath "PerpSettle/internal/math"

	"github.com/google/uuid"
)

// BalanceResponse is a holder's collateral across the wallet and every
// market it holds a record in.
type BalanceResponse struct {
	Account uuid.UUID `json:"account"`
	Asset   string    `json:"asset"`

	// Ledger balance, free to deposit into markets or withdraw.
	Wallet fpmath.Fixed18 `json:"wallet"`

	// Settled collateral per market; may be negative while under water.
	Markets []AccountResponse `json:"markets"`

	// Wallet plus market collateral.
	TotalCollateral fpmath.Fixed18 `json:"total_collateral"`

	AsOfSequence int64 `json:"as_of_sequence"`
}
