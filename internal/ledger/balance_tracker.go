package ledger

import (
	"fmt"

	fpmath "PerpSettle/internal/math"

	"github.com/google/uuid"
)

// BalanceTracker maintains in-memory account balances. Not safe for
// concurrent use; Ledger serializes access.
type BalanceTracker struct {
	balances map[AccountKey]fpmath.Fixed18
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]fpmath.Fixed18),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	amount := j.Amount.Fixed()
	bt.balances[j.DebitAccount] = bt.balances[j.DebitAccount].Add(amount)
	bt.balances[j.CreditAccount] = bt.balances[j.CreditAccount].Sub(amount)
}

// RevertJournal undoes ApplyJournal
func (bt *BalanceTracker) RevertJournal(j Journal) {
	amount := j.Amount.Fixed()
	bt.balances[j.DebitAccount] = bt.balances[j.DebitAccount].Sub(amount)
	bt.balances[j.CreditAccount] = bt.balances[j.CreditAccount].Add(amount)
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// RevertBatch undoes ApplyBatch in reverse order
func (bt *BalanceTracker) RevertBatch(batch *Batch) {
	for i := len(batch.Journals) - 1; i >= 0; i-- {
		bt.RevertJournal(batch.Journals[i])
	}
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) fpmath.Fixed18 {
	return bt.balances[key]
}

// GetWalletBalance returns a holder's free balance outside every market
func (bt *BalanceTracker) GetWalletBalance(userID uuid.UUID, assetID AssetID) fpmath.Fixed18 {
	return bt.GetBalance(NewUserAccountKey(userID, SubTypeWallet, assetID))
}

// GetMarketBalance returns the collateral held by a market
func (bt *BalanceTracker) GetMarketBalance(market string, assetID AssetID) fpmath.Fixed18 {
	return bt.GetBalance(NewMarketAccountKey(market, SubTypeMarketCollateral, assetID))
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]fpmath.Fixed18 {
	totals := make(map[AssetID]fpmath.Fixed18)

	for key, balance := range bt.balances {
		totals[key.AssetID] = totals[key.AssetID].Add(balance)
	}

	return totals
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance.IsNegative() {
		return fmt.Errorf("account %s has negative balance %s: %w", key.AccountPath(), balance, ErrInsufficientBalance)
	}
	return nil
}

// Snapshot returns a copy of all balances
func (bt *BalanceTracker) Snapshot() map[AccountKey]fpmath.Fixed18 {
	snapshot := make(map[AccountKey]fpmath.Fixed18, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}
