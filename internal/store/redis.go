package store

import (
	"context"
	"fmt"
	"time"

	"PerpSettle/internal/codec"
	"PerpSettle/internal/state"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for stamped versions, which never change once committed. Globals,
// accounts and fees are mutable and are always read from the primary: they
// are read without the market lock, so a cached copy could be back-filled
// after a newer commit and then fed into the next settlement.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// Commit writes to the primary, then caches the newly stamped versions. A
// failed cache write only costs a later miss.
func (s *CachedStore) Commit(ctx context.Context, market string, cs *ChangeSet) error {
	if err := s.primary.Commit(ctx, market, cs); err != nil {
		return err
	}
	for _, v := range cs.Versions {
		s.cacheVersion(ctx, market, v)
	}
	return nil
}

func (s *CachedStore) LoadVersion(ctx context.Context, market string, number uint64) (state.Version, error) {
	data, err := s.rdb.Get(ctx, versionKey(market, number)).Bytes()
	if err == nil {
		if v, err := codec.DecodeVersion(data); err == nil && v.Number == number {
			return v, nil
		}
	}

	v, err := s.primary.LoadVersion(ctx, market, number)
	if err != nil {
		return state.Version{}, err
	}
	s.cacheVersion(ctx, market, v)
	return v, nil
}

// --- Passthrough (mutable, not cached) ---

func (s *CachedStore) LoadGlobal(ctx context.Context, market string) (state.Global, error) {
	return s.primary.LoadGlobal(ctx, market)
}

func (s *CachedStore) LoadAccount(ctx context.Context, market string, account uuid.UUID) (state.Account, error) {
	return s.primary.LoadAccount(ctx, market, account)
}

func (s *CachedStore) LoadFee(ctx context.Context, market string) (state.Fee, error) {
	return s.primary.LoadFee(ctx, market)
}

// --- Cache helpers ---

func (s *CachedStore) cacheVersion(ctx context.Context, market string, v state.Version) {
	if data, err := codec.EncodeVersion(v); err == nil {
		s.rdb.Set(ctx, versionKey(market, v.Number), data, s.ttl)
	}
}

func versionKey(market string, n uint64) string {
	return fmt.Sprintf("perpsettle:version:%s:%d", market, n)
}
