package store

import (
	"context"
	"fmt"
	"sync"

	"PerpSettle/internal/state"

	"github.com/google/uuid"
)

type marketRecords struct {
	global   state.Global
	fee      state.Fee
	versions map[uint64]state.Version
	accounts map[uuid.UUID]state.Account
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu      sync.RWMutex
	markets map[string]*marketRecords
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{markets: make(map[string]*marketRecords)}
}

// records returns the market's records, creating them when create is set.
// Caller holds mu (write lock when create is set).
func (s *MemoryStore) records(market string, create bool) *marketRecords {
	r, ok := s.markets[market]
	if !ok && create {
		r = &marketRecords{
			versions: make(map[uint64]state.Version),
			accounts: make(map[uuid.UUID]state.Account),
		}
		s.markets[market] = r
	}
	return r
}

func (s *MemoryStore) LoadGlobal(_ context.Context, market string) (state.Global, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r := s.records(market, false); r != nil {
		return r.global, nil
	}
	return state.Global{}, nil
}

func (s *MemoryStore) LoadVersion(_ context.Context, market string, number uint64) (state.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r := s.records(market, false); r != nil {
		if v, ok := r.versions[number]; ok {
			return v, nil
		}
	}
	return state.Version{}, fmt.Errorf("%s version %d: %w", market, number, ErrNotFound)
}

func (s *MemoryStore) LoadAccount(_ context.Context, market string, account uuid.UUID) (state.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r := s.records(market, false); r != nil {
		return r.accounts[account], nil
	}
	return state.Account{}, nil
}

func (s *MemoryStore) LoadFee(_ context.Context, market string) (state.Fee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r := s.records(market, false); r != nil {
		return r.fee, nil
	}
	return state.Fee{}, nil
}

func (s *MemoryStore) Commit(_ context.Context, market string, cs *ChangeSet) error {
	if err := cs.Validate(); err != nil {
		return fmt.Errorf("commit %s: %w", market, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.records(market, true)
	if cs.Global != nil {
		r.global = *cs.Global
	}
	if cs.Fee != nil {
		r.fee = *cs.Fee
	}
	for _, v := range cs.Versions {
		r.versions[v.Number] = v
	}
	for id, a := range cs.Accounts {
		r.accounts[id] = a
	}
	return nil
}

// Accounts lists every account with a record in market.
func (s *MemoryStore) Accounts(market string) []uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r := s.records(market, false)
	if r == nil {
		return nil
	}
	ids := make([]uuid.UUID, 0, len(r.accounts))
	for id := range r.accounts {
		ids = append(ids, id)
	}
	return ids
}
