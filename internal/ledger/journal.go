package ledger

import (
	"fmt"

	fpmath "PerpSettle/internal/math"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeWithdrawal
	JournalTypeCollateralIn  // wallet -> market
	JournalTypeCollateralOut // market -> wallet
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeWithdrawal:
		return "withdrawal"
	case JournalTypeCollateralIn:
		return "collateral_in"
	case JournalTypeCollateralOut:
		return "collateral_out"
	default:
		return "unknown"
	}
}

// ParseJournalType is the inverse of JournalType.String.
func ParseJournalType(s string) (JournalType, error) {
	for jt := JournalTypeDeposit; jt <= JournalTypeCollateralOut; jt++ {
		if jt.String() == s {
			return jt, nil
		}
	}
	return 0, fmt.Errorf("unknown journal type %q", s)
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID       // Unique identifier
	BatchID       uuid.UUID       // Groups balanced entries
	DebitAccount  AccountKey      // Account receiving debit (balance increases)
	CreditAccount AccountKey      // Account receiving credit (balance decreases)
	AssetID       AssetID         // Asset being transferred
	Amount        fpmath.UFixed18 // ALWAYS positive
	JournalType   JournalType     // Entry type
	Timestamp     int64           // epoch microseconds
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	Timestamp int64
	Journals  []Journal
}

// NewTransferBatch builds a one-entry batch moving amount from credit to debit.
func NewTransferBatch(debit, credit AccountKey, amount fpmath.UFixed18, jt JournalType, timestamp int64) *Batch {
	batchID := uuid.New()
	return &Batch{
		BatchID:   batchID,
		Timestamp: timestamp,
		Journals: []Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			DebitAccount:  debit,
			CreditAccount: credit,
			AssetID:       debit.AssetID,
			Amount:        amount,
			JournalType:   jt,
			Timestamp:     timestamp,
		}},
	}
}

// Validate ensures the batch is well-formed. Each entry moves one positive
// amount between two accounts, so every entry is balanced by construction.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount.IsZero() {
			return fmt.Errorf("journal %s has non-positive amount: %s", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.AssetID != j.CreditAccount.AssetID {
			return fmt.Errorf("journal %s moves between assets", j.JournalID)
		}
	}

	return nil
}
