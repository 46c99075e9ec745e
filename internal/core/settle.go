package core

import (
	"PerpSettle/internal/event"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"

	"github.com/google/uuid"
)

// settleGlobal brings the market's accumulators up to the current oracle
// version. A pending change recorded at version v only folds at v+1, so the
// walk is split in two: latest -> v+1 over the old position (folding at the
// end), then v+1 -> current over the new one.
func (m *Market) settleGlobal(sc *settlementContext) error {
	g := &sc.global
	current := sc.current.Version
	latest := g.LatestVersion

	if latest == current {
		return nil
	}

	if latest == 0 {
		sc.stamp(state.Version{Number: current, Position: g.Position})
		g.LatestVersion = current
		sc.globalDirty = true
		m.observePhase("global", "init")
		return nil
	}

	settleVersion := current
	if g.Pre.Pending() && g.Pre.Version+1 < current {
		settleVersion = g.Pre.Version + 1
	}

	if err := m.accumulateRange(sc, latest, settleVersion, true); err != nil {
		return err
	}
	m.observePhase("global", "pre")

	if settleVersion != current {
		if err := m.accumulateRange(sc, settleVersion, current, false); err != nil {
			return err
		}
		m.observePhase("global", "post")
	}

	g.LatestVersion = current
	sc.globalDirty = true
	return nil
}

// accumulateRange accrues [from, to] over the global position and stamps
// Version[to]. When foldPre is set the pending change takes part in the
// period and folds at to.
func (m *Market) accumulateRange(sc *settlementContext, from, to uint64, foldPre bool) error {
	g := &sc.global

	fromOracle, err := sc.history.At(sc.ctx, from)
	if err != nil {
		return err
	}
	toOracle, err := sc.history.At(sc.ctx, to)
	if err != nil {
		return err
	}
	prev, err := sc.version(from)
	if err != nil {
		return err
	}

	period := state.Period{From: fromOracle, To: toOracle, Position: g.Position}
	if foldPre && g.Pre.Pending() {
		pre := g.Pre
		period.Pre = &pre
	}

	accrual := state.Accumulate(period, sc.marketParam, sc.protocolParam)
	if period.Pre != nil {
		g.Fold()
	}
	sc.stamp(prev.Advance(to, accrual, g.Position))
	sc.accrueFee(accrual.Fees())

	sc.emit(&event.PositionSettled{
		Market:      sc.market,
		FromVersion: from,
		ToVersion:   to,
		Position:    g.Position,
		Funding:     accrual.Funding,
		Fee:         accrual.Fees(),
	})
	if m.metrics != nil {
		m.metrics.VersionsStamped.WithLabelValues(sc.market).Inc()
		if f, _ := accrual.Fees().Decimal().Float64(); f > 0 {
			m.metrics.FeesAccrued.WithLabelValues(sc.market).Add(f)
		}
	}
	return nil
}

// settleAccount reconciles one account against the stamped versions using
// the same two-phase walk as the market.
func (m *Market) settleAccount(sc *settlementContext, id uuid.UUID) (*state.Account, error) {
	a, err := sc.account(id)
	if err != nil {
		return nil, err
	}

	current := sc.current.Version
	latest := a.LatestVersion
	if latest == current {
		return a, nil
	}
	sc.touch(id)

	if latest == 0 {
		a.LatestVersion = current
		return a, nil
	}

	settleVersion := current
	if a.PendingVersion != 0 && a.PendingVersion+1 < current {
		settleVersion = a.PendingVersion + 1
	}

	if err := m.accrueAccount(sc, id, a, latest, settleVersion); err != nil {
		return nil, err
	}
	if a.PendingVersion != 0 && a.PendingVersion < settleVersion {
		a.FoldNext()
	}
	m.observePhase("account", "pre")

	if settleVersion != current {
		if err := m.accrueAccount(sc, id, a, settleVersion, current); err != nil {
			return nil, err
		}
		m.observePhase("account", "post")
	}

	a.LatestVersion = current
	a.Liquidation = false
	return a, nil
}

func (m *Market) accrueAccount(sc *settlementContext, id uuid.UUID, a *state.Account, from, to uint64) error {
	if a.Position.IsEmpty() {
		return nil
	}
	fromVersion, err := sc.version(from)
	if err != nil {
		return err
	}
	toVersion, err := sc.version(to)
	if err != nil {
		return err
	}

	value, reward := a.Accrue(fromVersion, toVersion)
	sc.emit(&event.AccountSettled{
		Market:      sc.market,
		Account:     id,
		FromVersion: from,
		ToVersion:   to,
		Position:    a.Position,
		Value:       value,
		Reward:      reward,
	})
	return nil
}

func (m *Market) observePhase(scope, phase string) {
	if m.metrics != nil {
		m.metrics.SettlePhases.WithLabelValues(m.name, scope, phase).Inc()
	}
}

// maintenance is the account's requirement at the current price.
func maintenance(sc *settlementContext, a *state.Account) fpmath.UFixed18 {
	return state.AccountMaintenance(*a, sc.current.Price, sc.marketParam.Maintenance)
}
