package core

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"PerpSettle/internal/observability"

	"github.com/rs/zerolog"
)

// IdempotencyChecker deduplicates commands in two tiers: an in-memory LRU,
// then the persisted key table. Safe for concurrent use.
type IdempotencyChecker struct {
	mu       sync.Mutex
	lru      *IdempotencyLRU
	inflight map[string]struct{}

	dbChecker DBIdempotencyChecker
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// DBIdempotencyChecker is the persisted key table behind the LRU.
type DBIdempotencyChecker interface {
	IsDuplicate(ctx context.Context, command string, idempotencyKey string) (bool, error)
	Record(ctx context.Context, command string, idempotencyKey string) error
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics, logger zerolog.Logger) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		inflight:  make(map[string]struct{}),
		dbChecker: dbChecker,
		metrics:   metrics,
		logger:    logger,
	}
}

func compositeKey(command, key string) string {
	return fmt.Sprintf("%s:%s", command, key)
}

// Reserve claims a command key for one caller. It returns false when the key
// was already processed or another caller holds it; otherwise the caller
// must finish with MarkProcessed or Release.
func (ic *IdempotencyChecker) Reserve(ctx context.Context, command string, idempotencyKey string) bool {
	key := compositeKey(command, idempotencyKey)

	ic.mu.Lock()
	if ic.lru.Contains(key) {
		ic.mu.Unlock()
		ic.recordDuplicate(command, "lru")
		return false
	}
	if _, busy := ic.inflight[key]; busy {
		ic.mu.Unlock()
		ic.recordDuplicate(command, "inflight")
		return false
	}
	ic.inflight[key] = struct{}{}
	ic.mu.Unlock()

	if ic.dbChecker == nil {
		return true
	}
	isDup, err := ic.dbChecker.IsDuplicate(ctx, command, idempotencyKey)
	if err != nil {
		ic.logger.Warn().Err(err).Str("command", command).Msg("idempotency tier 2 lookup failed")
		return true
	}
	if isDup {
		ic.recordDuplicate(command, "postgres")
		ic.remember(key)
		return false
	}
	return true
}

// Release drops a reservation without recording the key, so a redelivery
// runs the command again.
func (ic *IdempotencyChecker) Release(command string, idempotencyKey string) {
	ic.mu.Lock()
	delete(ic.inflight, compositeKey(command, idempotencyKey))
	ic.mu.Unlock()
}

// MarkProcessed records a handled command in both tiers. A failed tier 2
// write is logged; the LRU still covers redeliveries within this process.
func (ic *IdempotencyChecker) MarkProcessed(ctx context.Context, command string, idempotencyKey string) {
	ic.remember(compositeKey(command, idempotencyKey))
	if ic.dbChecker == nil {
		return
	}
	if err := ic.dbChecker.Record(ctx, command, idempotencyKey); err != nil {
		ic.logger.Warn().Err(err).
			Str("command", command).
			Str("idempotency_key", idempotencyKey).
			Msg("idempotency key not persisted")
	}
}

// remember moves key into the LRU and ends any reservation on it.
func (ic *IdempotencyChecker) remember(key string) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	delete(ic.inflight, key)
	evicted := ic.lru.Evictions()
	ic.lru.Add(key)
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.lru.Size()))
		if n := ic.lru.Evictions() - evicted; n > 0 {
			ic.metrics.DedupLRUEvictions.Add(float64(n))
		}
	}
}

// Warm preloads recently processed composite keys.
func (ic *IdempotencyChecker) Warm(keys []string) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.lru.WarmFromKeys(keys)
}

func (ic *IdempotencyChecker) recordDuplicate(command, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(command, tier).Inc()
	}
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU set of idempotency keys. Not thread-safe; the
// checker guards it.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
	}
	return exists
}

// Add inserts a key (or promotes if exists)
func (lru *IdempotencyLRU) Add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}
	lru.cache[key] = lru.lruList.PushFront(key)
	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem == nil {
		return
	}
	lru.lruList.Remove(elem)
	delete(lru.cache, elem.Value.(string))
	lru.evictions++
}

// WarmFromKeys loads a batch of composite keys into the LRU, oldest first,
// so the most recent keys survive eviction.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		lru.Add(key)
	}
}

func (lru *IdempotencyLRU) Size() int { return lru.lruList.Len() }

func (lru *IdempotencyLRU) Evictions() int64 { return lru.evictions }
