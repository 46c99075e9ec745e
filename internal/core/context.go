package core

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"PerpSettle/internal/event"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/state"
	"PerpSettle/internal/store"

	"github.com/google/uuid"
)

// settlementContext is the read and write set of one market call. Every stage
// of the pipeline reads from and writes to it; nothing reaches the store until
// changeSet is committed.
type settlementContext struct {
	ctx    context.Context
	market string
	store  store.Store

	history *oracle.History
	current oracle.Version

	marketParam   state.MarketParameter
	protocolParam state.ProtocolParameter

	global      state.Global
	globalDirty bool

	fee      state.Fee
	feeDirty bool

	versions map[uint64]state.Version // loaded or stamped during this call
	stamped  []state.Version

	accounts map[uuid.UUID]*state.Account
	dirty    map[uuid.UUID]bool

	events []event.Event
}

func newSettlementContext(ctx context.Context, m *Market) (*settlementContext, error) {
	sc := &settlementContext{
		ctx:           ctx,
		market:        m.name,
		store:         m.store,
		history:       oracle.NewHistory(m.provider, m.payoff),
		marketParam:   m.params.MarketParameter(m.name),
		protocolParam: m.params.ProtocolParameter(),
		versions:      make(map[uint64]state.Version),
		accounts:      make(map[uuid.UUID]*state.Account),
		dirty:         make(map[uuid.UUID]bool),
	}

	current, err := sc.history.Sync(ctx)
	if err != nil {
		return nil, err
	}
	sc.current = current

	if sc.global, err = m.store.LoadGlobal(ctx, m.name); err != nil {
		return nil, fmt.Errorf("load global: %w", err)
	}
	if sc.fee, err = m.store.LoadFee(ctx, m.name); err != nil {
		return nil, fmt.Errorf("load fee: %w", err)
	}
	return sc, nil
}

// version returns the stamped snapshot for n.
func (sc *settlementContext) version(n uint64) (state.Version, error) {
	if v, ok := sc.versions[n]; ok {
		return v, nil
	}
	v, err := sc.store.LoadVersion(sc.ctx, sc.market, n)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return state.Version{}, fmt.Errorf("version %d of %s: %w", n, sc.market, err)
		}
		return state.Version{}, err
	}
	sc.versions[n] = v
	return v, nil
}

func (sc *settlementContext) stamp(v state.Version) {
	sc.versions[v.Number] = v
	sc.stamped = append(sc.stamped, v)
}

// account loads an account once per call; later stages mutate the same value.
func (sc *settlementContext) account(id uuid.UUID) (*state.Account, error) {
	if a, ok := sc.accounts[id]; ok {
		return a, nil
	}
	a, err := sc.store.LoadAccount(sc.ctx, sc.market, id)
	if err != nil {
		return nil, fmt.Errorf("load account %s: %w", id, err)
	}
	sc.accounts[id] = &a
	return &a, nil
}

func (sc *settlementContext) touch(id uuid.UUID) { sc.dirty[id] = true }

// accrueFee splits amount into the protocol and market pools.
func (sc *settlementContext) accrueFee(amount fpmath.UFixed18) {
	if amount.IsZero() {
		return
	}
	sc.fee.Credit(amount, sc.protocolParam.ProtocolFee)
	sc.feeDirty = true
}

func (sc *settlementContext) emit(evt event.Event) {
	sc.events = append(sc.events, evt)
}

// changeSet collects everything written during the call.
func (sc *settlementContext) changeSet() *store.ChangeSet {
	cs := store.NewChangeSet()
	if sc.globalDirty {
		g := sc.global
		cs.Global = &g
	}
	if sc.feeDirty {
		f := sc.fee
		cs.Fee = &f
	}
	cs.Versions = append(cs.Versions, sc.stamped...)
	for id := range sc.dirty {
		cs.Accounts[id] = *sc.accounts[id]
	}
	return cs
}

// digest is the canonical encoding of a change set for the state hash.
// Accounts are ordered by ID.
func digest(cs *store.ChangeSet) []byte {
	var buf []byte
	if cs.Global != nil {
		buf = append(buf, cs.Global.CanonicalBytes()...)
	}
	if cs.Fee != nil {
		buf = append(buf, cs.Fee.CanonicalBytes()...)
	}
	for _, v := range cs.Versions {
		buf = append(buf, v.CanonicalBytes()...)
	}

	ids := make([]uuid.UUID, 0, len(cs.Accounts))
	for id := range cs.Accounts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].String() < ids[j].String()
	})
	for _, id := range ids {
		buf = append(buf, id[:]...)
		buf = append(buf, cs.Accounts[id].CanonicalBytes()...)
	}
	return buf
}
