// internal/oracle/history.go
package oracle

import (
	"context"
	"fmt"
)

// History is a per-call view over a Provider with the payoff applied.
// Lookups are cached for the lifetime of the History; create one per
// settlement call. Not safe for concurrent use.
type History struct {
	provider Provider
	payoff   Payoff
	cache    map[uint64]Version
	current  Version
	synced   bool
}

func NewHistory(provider Provider, payoff Payoff) *History {
	return &History{
		provider: provider,
		payoff:   payoff,
		cache:    make(map[uint64]Version),
	}
}

// Sync fetches the current version once per History.
func (h *History) Sync(ctx context.Context) (Version, error) {
	if h.synced {
		return h.current, nil
	}
	raw, err := h.provider.Sync(ctx)
	if err != nil {
		return Version{}, fmt.Errorf("oracle sync: %w", err)
	}
	if raw.Version == 0 {
		return Version{}, ErrNoVersion
	}
	v := apply(h.payoff, raw)
	h.current = v
	h.synced = true
	h.cache[v.Version] = v
	return v, nil
}

// At returns the payoff-adjusted version, hitting the provider at most once per number.
func (h *History) At(ctx context.Context, version uint64) (Version, error) {
	if v, ok := h.cache[version]; ok {
		return v, nil
	}
	raw, err := h.provider.AtVersion(ctx, version)
	if err != nil {
		return Version{}, fmt.Errorf("oracle version %d: %w", version, err)
	}
	v := apply(h.payoff, raw)
	h.cache[version] = v
	return v, nil
}
