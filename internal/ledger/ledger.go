package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	fpmath "PerpSettle/internal/math"

	"github.com/google/uuid"
)

var ErrInsufficientBalance = errors.New("insufficient balance")

// Ledger moves collateral between holder wallets and market pools.
// Safe for concurrent use.
type Ledger struct {
	mu        sync.Mutex
	asset     AssetID
	tracker   *BalanceTracker
	validator *InvariantValidator
	journal   []Journal
	sink      chan<- Journal
	now       func() time.Time
}

func New(asset AssetID) *Ledger {
	tracker := NewBalanceTracker()
	return &Ledger{
		asset:     asset,
		tracker:   tracker,
		validator: NewInvariantValidator(tracker),
		now:       time.Now,
	}
}

func (l *Ledger) Asset() AssetID { return l.asset }

// WithSink forwards every applied entry to ch with a blocking send, so the
// journal writer sees entries in the order they were applied.
func (l *Ledger) WithSink(ch chan<- Journal) *Ledger {
	l.sink = ch
	return l
}

// Restore replays persisted entries without validation or forwarding.
func (l *Ledger) Restore(journals []Journal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, j := range journals {
		if j.AssetID != l.asset {
			return fmt.Errorf("journal %s: asset %d, ledger holds %d", j.JournalID, j.AssetID, l.asset)
		}
		l.tracker.ApplyJournal(j)
		l.journal = append(l.journal, j)
	}
	return nil
}

// apply runs the batch and rolls it back if check fails. Caller holds mu.
func (l *Ledger) apply(batch *Batch, check func() error) error {
	if err := l.tracker.ApplyBatch(batch); err != nil {
		return err
	}
	if err := check(); err != nil {
		l.tracker.RevertBatch(batch)
		return err
	}
	l.journal = append(l.journal, batch.Journals...)
	if l.sink != nil {
		for _, j := range batch.Journals {
			l.sink <- j
		}
	}
	return nil
}

// Fund deposits amount from outside the system into a holder's wallet.
func (l *Ledger) Fund(ctx context.Context, account uuid.UUID, amount fpmath.UFixed18) error {
	if amount.IsZero() {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	batch := NewTransferBatch(
		NewUserAccountKey(account, SubTypeWallet, l.asset),
		NewExternalAccountKey(SubTypeExternalDeposits, l.asset),
		amount, JournalTypeDeposit, l.now().UnixMicro(),
	)
	return l.apply(batch, func() error { return nil })
}

// Withdraw moves amount from a holder's wallet out of the system.
func (l *Ledger) Withdraw(ctx context.Context, account uuid.UUID, amount fpmath.UFixed18) error {
	if amount.IsZero() {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	batch := NewTransferBatch(
		NewExternalAccountKey(SubTypeExternalWithdrawals, l.asset),
		NewUserAccountKey(account, SubTypeWallet, l.asset),
		amount, JournalTypeWithdrawal, l.now().UnixMicro(),
	)
	return l.apply(batch, func() error {
		return l.validator.ValidateWalletNonNegative(account, l.asset)
	})
}

// Pull moves amount from the holder's wallet into the market pool.
func (l *Ledger) Pull(ctx context.Context, market string, account uuid.UUID, amount fpmath.UFixed18) error {
	if amount.IsZero() {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	batch := NewTransferBatch(
		NewMarketAccountKey(market, SubTypeMarketCollateral, l.asset),
		NewUserAccountKey(account, SubTypeWallet, l.asset),
		amount, JournalTypeCollateralIn, l.now().UnixMicro(),
	)
	if err := l.apply(batch, func() error {
		return l.validator.ValidateWalletNonNegative(account, l.asset)
	}); err != nil {
		return fmt.Errorf("pull %s from %s into %s: %w", amount, account, market, err)
	}
	return nil
}

// Push moves amount from the market pool to the holder's wallet.
func (l *Ledger) Push(ctx context.Context, market string, account uuid.UUID, amount fpmath.UFixed18) error {
	if amount.IsZero() {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	batch := NewTransferBatch(
		NewUserAccountKey(account, SubTypeWallet, l.asset),
		NewMarketAccountKey(market, SubTypeMarketCollateral, l.asset),
		amount, JournalTypeCollateralOut, l.now().UnixMicro(),
	)
	if err := l.apply(batch, func() error {
		return l.validator.ValidateMarketNonNegative(market, l.asset)
	}); err != nil {
		return fmt.Errorf("push %s from %s to %s: %w", amount, market, account, err)
	}
	return nil
}

func (l *Ledger) WalletBalance(account uuid.UUID) fpmath.Fixed18 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tracker.GetWalletBalance(account, l.asset)
}

func (l *Ledger) MarketBalance(market string) fpmath.Fixed18 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tracker.GetMarketBalance(market, l.asset)
}

// ValidateGlobalBalance verifies that every asset nets to zero.
func (l *Ledger) ValidateGlobalBalance() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.validator.ValidateGlobalBalance()
}

// Journal returns a copy of every applied entry in order.
func (l *Ledger) Journal() []Journal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Journal(nil), l.journal...)
}

// ForMarket binds the ledger to one market's pool.
func (l *Ledger) ForMarket(market string) *MarketLedger {
	return &MarketLedger{ledger: l, market: market}
}

// MarketLedger is the collateral ledger seen from one market.
type MarketLedger struct {
	ledger *Ledger
	market string
}

// Debit takes amount from the holder into the market.
func (m *MarketLedger) Debit(ctx context.Context, account uuid.UUID, amount fpmath.UFixed18) error {
	return m.ledger.Pull(ctx, m.market, account, amount)
}

// Credit pays amount from the market to the holder.
func (m *MarketLedger) Credit(ctx context.Context, account uuid.UUID, amount fpmath.UFixed18) error {
	return m.ledger.Push(ctx, m.market, account, amount)
}
