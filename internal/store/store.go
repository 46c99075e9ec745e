// Package store defines persistence for market state. Implementations include
// PostgreSQL (source of truth, in internal/persistence), a Redis read-through
// cache, and in-memory (for tests and development).
package store

import (
	"context"
	"errors"
	"fmt"

	"PerpSettle/internal/codec"
	"PerpSettle/internal/state"

	"github.com/google/uuid"
)

// ErrNotFound is returned for versions that were never stamped.
var ErrNotFound = errors.New("not found")

// Store is the per-market state repository. Missing globals, accounts and
// fees load as zero values; missing versions return ErrNotFound.
type Store interface {
	LoadGlobal(ctx context.Context, market string) (state.Global, error)
	LoadVersion(ctx context.Context, market string, number uint64) (state.Version, error)
	LoadAccount(ctx context.Context, market string, account uuid.UUID) (state.Account, error)
	LoadFee(ctx context.Context, market string) (state.Fee, error)

	// Commit writes every record in cs atomically.
	Commit(ctx context.Context, market string, cs *ChangeSet) error
}

// ChangeSet is the write set of one engine call.
type ChangeSet struct {
	Global   *state.Global
	Fee      *state.Fee
	Versions []state.Version
	Accounts map[uuid.UUID]state.Account
}

func NewChangeSet() *ChangeSet {
	return &ChangeSet{Accounts: make(map[uuid.UUID]state.Account)}
}

func (cs *ChangeSet) IsEmpty() bool {
	return cs.Global == nil && cs.Fee == nil && len(cs.Versions) == 0 && len(cs.Accounts) == 0
}

// Validate range-checks every record against the storage layout.
func (cs *ChangeSet) Validate() error {
	if cs.Global != nil {
		if err := codec.ValidateGlobal(*cs.Global); err != nil {
			return err
		}
	}
	if cs.Fee != nil {
		if err := codec.ValidateFee(*cs.Fee); err != nil {
			return err
		}
	}
	for _, v := range cs.Versions {
		if err := codec.ValidateVersion(v); err != nil {
			return err
		}
	}
	for id, a := range cs.Accounts {
		if err := codec.ValidateAccount(a); err != nil {
			return fmt.Errorf("account %s: %w", id, err)
		}
	}
	return nil
}
