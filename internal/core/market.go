package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"PerpSettle/internal/event"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/state"
	"PerpSettle/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// CollateralLedger moves collateral between holders and the market.
// Debit pulls amount from the holder into the market, Credit pays it out.
type CollateralLedger interface {
	Debit(ctx context.Context, account uuid.UUID, amount fpmath.UFixed18) error
	Credit(ctx context.Context, account uuid.UUID, amount fpmath.UFixed18) error
}

// ParamSource supplies the parameters in force for a call.
type ParamSource interface {
	MarketParameter(market string) state.MarketParameter
	ProtocolParameter() state.ProtocolParameter
}

// Emitter receives the events of every committed call.
type Emitter interface {
	Emit(Emission)
}

// Emission is the output of one committed market call.
type Emission struct {
	Market    string
	Version   uint64
	Timestamp time.Time // oracle time of Version
	StateHash [32]byte
	PrevHash  [32]byte
	Events    []event.Event
}

type MarketConfig struct {
	Name     string
	Provider oracle.Provider
	Payoff   oracle.Payoff // nil means Identity
	Store    store.Store
	Ledger   CollateralLedger
	Params   ParamSource
	Emitter  Emitter // optional
	Metrics  *observability.Metrics
	Logger   zerolog.Logger
}

// UpdateRequest is a new target position and a signed collateral change.
type UpdateRequest struct {
	Maker      fpmath.UFixed18 `json:"maker"`
	Taker      fpmath.UFixed18 `json:"taker"`
	Collateral fpmath.Fixed18  `json:"collateral"`
}

// Market settles and updates positions for one product. Every call holds the
// market lock for its whole lifetime and runs the fixed stage order
// global settle -> account settle -> apply -> validate -> commit.
type Market struct {
	mu sync.Mutex

	name     string
	provider oracle.Provider
	payoff   oracle.Payoff
	store    store.Store
	ledger   CollateralLedger
	params   ParamSource
	emitter  Emitter
	metrics  *observability.Metrics
	logger   zerolog.Logger

	hasher  *StateHasher
	commits int64
}

func NewMarket(cfg MarketConfig) *Market {
	payoff := cfg.Payoff
	if payoff == nil {
		payoff = oracle.Identity
	}
	return &Market{
		name:     cfg.Name,
		provider: cfg.Provider,
		payoff:   payoff,
		store:    cfg.Store,
		ledger:   cfg.Ledger,
		params:   cfg.Params,
		emitter:  cfg.Emitter,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger.With().Str("market", cfg.Name).Logger(),
		hasher:   NewStateHasher(cfg.Name),
	}
}

func (m *Market) Name() string { return m.name }

// transfer is one ledger movement made during a call, kept so it can be
// reversed if the commit fails.
type transfer struct {
	account uuid.UUID
	amount  fpmath.UFixed18
	debit   bool
}

// run executes one operation under the market lock. Arithmetic failures
// anywhere in the pipeline abort the call with nothing written.
func (m *Market) run(ctx context.Context, op string, fn func(sc *settlementContext, moved *[]transfer) error) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	var moved []transfer
	defer func() {
		if err != nil {
			if rerr := m.revert(ctx, moved); rerr != nil {
				err = errors.Join(err, rerr)
			}
		}
		m.observe(op, start, err)
	}()
	defer fpmath.Recover(&err)

	sc, err := newSettlementContext(ctx, m)
	if err != nil {
		return err
	}
	if err := m.settleGlobal(sc); err != nil {
		return err
	}
	if fn != nil {
		if err := fn(sc, &moved); err != nil {
			return err
		}
	}
	return m.commit(sc)
}

func (m *Market) commit(sc *settlementContext) error {
	cs := sc.changeSet()
	if cs.IsEmpty() {
		if m.metrics != nil {
			m.metrics.CommitsNoop.WithLabelValues(m.name).Inc()
		}
		return nil
	}
	if err := m.store.Commit(sc.ctx, m.name, cs); err != nil {
		return fmt.Errorf("commit %s: %w", m.name, err)
	}

	hashStart := time.Now()
	prev := m.hasher.GetPrevHash()
	m.commits++
	hash := m.hasher.ComputeHash(m.commits, digest(cs))

	if m.metrics != nil {
		m.metrics.StateHashDur.Observe(time.Since(hashStart).Seconds())
		m.metrics.CommitsTotal.WithLabelValues(m.name).Inc()
		m.metrics.LatestVersion.WithLabelValues(m.name).Set(float64(sc.global.LatestVersion))
	}

	if m.emitter != nil && len(sc.events) > 0 {
		m.emitter.Emit(Emission{
			Market:    m.name,
			Version:   sc.current.Version,
			Timestamp: time.Unix(sc.current.Timestamp, 0).UTC(),
			StateHash: hash,
			PrevHash:  prev,
			Events:    sc.events,
		})
	}
	return nil
}

// move sends a signed collateral delta through the ledger: positive pulls
// from the holder, negative pays out.
func (m *Market) move(ctx context.Context, moved *[]transfer, account uuid.UUID, delta fpmath.Fixed18) error {
	if delta.IsZero() {
		return nil
	}
	t := transfer{account: account, amount: delta.Abs(), debit: delta.IsPositive()}
	var err error
	if t.debit {
		err = m.ledger.Debit(ctx, account, t.amount)
	} else {
		err = m.ledger.Credit(ctx, account, t.amount)
	}
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	*moved = append(*moved, t)
	return nil
}

// revert undoes moved in reverse order. Every failed transfer is counted and
// returned wrapped in ErrLedgerRevert.
func (m *Market) revert(ctx context.Context, moved []transfer) error {
	var errs []error
	for i := len(moved) - 1; i >= 0; i-- {
		t := moved[i]
		var err error
		if t.debit {
			err = m.ledger.Credit(ctx, t.account, t.amount)
		} else {
			err = m.ledger.Debit(ctx, t.account, t.amount)
		}
		if err != nil {
			m.logger.Error().Err(err).
				Str("account", t.account.String()).
				Str("amount", t.amount.String()).
				Msg("failed to revert ledger transfer")
			if m.metrics != nil {
				m.metrics.LedgerRevertFailures.WithLabelValues(m.name).Inc()
			}
			errs = append(errs, fmt.Errorf("%w: %s %s: %w", ErrLedgerRevert, t.account, t.amount, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Market) observe(op string, start time.Time, err error) {
	if m.metrics != nil {
		m.metrics.OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		if err == nil {
			m.metrics.OpsApplied.WithLabelValues(m.name, op).Inc()
		} else {
			m.metrics.OpsRejected.WithLabelValues(m.name, op, rejectReason(err)).Inc()
		}
	}
	switch {
	case err == nil:
	case IsValidation(err), errors.Is(err, ErrCannotLiquidate):
		m.logger.Debug().Err(err).Str("op", op).Msg("operation rejected")
	default:
		m.logger.Error().Err(err).Str("op", op).Msg("operation failed")
	}
}

// Settle brings the market and one account up to the current oracle version.
// Calling it again at the same version changes nothing.
func (m *Market) Settle(ctx context.Context, account uuid.UUID) (state.Account, error) {
	var out state.Account
	err := m.run(ctx, "settle", func(sc *settlementContext, _ *[]transfer) error {
		a, err := m.settleAccount(sc, account)
		if err != nil {
			return err
		}
		out = *a
		return nil
	})
	return out, err
}

// SettleMarket settles only the market's global state.
func (m *Market) SettleMarket(ctx context.Context) error {
	return m.run(ctx, "settle", nil)
}

// Update moves an account to a new target position and applies a signed
// collateral change. The whole call fails atomically on any rejection.
func (m *Market) Update(ctx context.Context, account uuid.UUID, req UpdateRequest) (state.Account, error) {
	var out state.Account
	err := m.run(ctx, "update", func(sc *settlementContext, moved *[]transfer) error {
		a, err := m.settleAccount(sc, account)
		if err != nil {
			return err
		}

		mp, pp := sc.marketParam, sc.protocolParam
		target := state.Position{Maker: req.Maker, Taker: req.Taker}

		if a.Liquidation {
			return ErrLiquidating
		}
		if pp.Paused {
			return ErrPaused
		}
		if target.IsDoubleSided() || !a.Position.SameSide(target) {
			return ErrDoubleSided
		}
		if mp.Closed && !target.IsEmpty() {
			return ErrMarketClosed
		}

		makerDelta, takerDelta := a.Next.Delta(target)
		fee := m.applyDelta(sc, makerDelta, takerDelta, mp.MakerFee, mp.TakerFee)
		a.SetTarget(target, sc.current.Version)
		a.Collateral = a.Collateral.Add(req.Collateral).Sub(fee.Fixed())
		sc.touch(account)

		if err := checkLiquidity(sc, makerDelta, takerDelta); err != nil {
			return err
		}
		if err := checkCollateral(sc, a); err != nil {
			return err
		}
		if err := m.move(ctx, moved, account, req.Collateral); err != nil {
			return err
		}

		sc.emit(&event.Updated{
			ID:              uuid.New(),
			Market:          m.name,
			Account:         account,
			Version:         sc.current.Version,
			Target:          target,
			CollateralDelta: req.Collateral,
			Fee:             fee,
			Collateral:      a.Collateral,
		})
		out = *a
		return nil
	})
	return out, err
}

// applyDelta records a position change in the market's pending delta and
// returns the position fee it incurs.
func (m *Market) applyDelta(sc *settlementContext, makerDelta, takerDelta fpmath.Fixed18, makerFee, takerFee fpmath.UFixed18) fpmath.UFixed18 {
	if makerDelta.IsZero() && takerDelta.IsZero() {
		return fpmath.UFixed18Zero
	}
	g := &sc.global
	fee := g.Pre.Update(makerDelta, takerDelta, sc.current.Price, makerFee, takerFee)
	g.Pre.Version = sc.current.Version
	sc.globalDirty = true
	return fee
}

// checkLiquidity rejects changes that would leave takers under-covered or
// push makers past the cap. Changes that reduce risk always pass.
func checkLiquidity(sc *settlementContext, makerDelta, takerDelta fpmath.Fixed18) error {
	mp := sc.marketParam
	if mp.Closed {
		return nil
	}
	next := sc.global.Next()
	if takerDelta.IsPositive() || makerDelta.IsNegative() {
		if factor := next.SocializationFactor(); factor.LessThan(fpmath.UFixed18One) {
			return fmt.Errorf("%w: socialization factor %s", ErrInsufficientLiquidity, factor)
		}
	}
	if makerDelta.IsPositive() && next.Maker.GreaterThan(mp.MakerLimit) {
		return fmt.Errorf("%w: maker %s above %s", ErrMakerLimit, next.Maker, mp.MakerLimit)
	}
	return nil
}

func checkCollateral(sc *settlementContext, a *state.Account) error {
	c := a.Collateral
	if c.IsNegative() {
		return fmt.Errorf("%w: collateral %s", ErrInsufficientCollateral, c)
	}
	if floor := sc.protocolParam.MinCollateral.Fixed(); c.IsPositive() && c.LessThan(floor) {
		return fmt.Errorf("%w: collateral %s below %s", ErrCollateralUnderLimit, c, floor)
	}
	if req := maintenance(sc, a); c.LessThan(req.Fixed()) {
		return fmt.Errorf("%w: collateral %s below maintenance %s", ErrInsufficientCollateral, c, req)
	}
	return nil
}

// Liquidate force-closes an under-collateralized account and pays the
// liquidator min(max(collateral, 0), maintenance * liquidationFee).
func (m *Market) Liquidate(ctx context.Context, account, liquidator uuid.UUID) (fpmath.UFixed18, error) {
	var reward fpmath.UFixed18
	err := m.run(ctx, "liquidate", func(sc *settlementContext, moved *[]transfer) error {
		a, err := m.settleAccount(sc, account)
		if err != nil {
			return err
		}
		if sc.protocolParam.Paused {
			return ErrPaused
		}
		if a.Liquidation {
			return ErrLiquidating
		}

		req := maintenance(sc, a)
		if !a.Collateral.LessThan(req.Fixed()) {
			return fmt.Errorf("%w: collateral %s covers maintenance %s", ErrCannotLiquidate, a.Collateral, req)
		}

		closed := a.Next
		makerDelta, takerDelta := a.Next.Delta(state.Position{})
		m.applyDelta(sc, makerDelta, takerDelta, fpmath.UFixed18Zero, fpmath.UFixed18Zero)
		a.SetTarget(state.Position{}, sc.current.Version)

		reward = a.Collateral.Max(fpmath.Fixed18Zero).UFixed().Min(req.Mul(sc.protocolParam.LiquidationFee))
		a.Collateral = a.Collateral.Sub(reward.Fixed())
		a.Liquidation = true
		sc.touch(account)

		if err := m.move(ctx, moved, liquidator, reward.Fixed().Neg()); err != nil {
			return err
		}

		sc.emit(&event.Liquidated{
			ID:         uuid.New(),
			Market:     m.name,
			Account:    account,
			Liquidator: liquidator,
			Version:    sc.current.Version,
			Closed:     closed,
			Reward:     reward,
			Collateral: a.Collateral,
		})
		if m.metrics != nil {
			m.metrics.Liquidations.WithLabelValues(m.name).Inc()
			if f, _ := reward.Decimal().Float64(); f > 0 {
				m.metrics.LiquidationReward.WithLabelValues(m.name).Add(f)
			}
		}
		m.logger.Info().
			Str("account", account.String()).
			Str("liquidator", liquidator.String()).
			Str("reward", reward.String()).
			Uint64("version", sc.current.Version).
			Msg("account liquidated")
		return nil
	})
	return reward, err
}

// ClaimFee pays out one fee pool to recipient.
func (m *Market) ClaimFee(ctx context.Context, kind state.FeeKind, recipient uuid.UUID) (fpmath.UFixed18, error) {
	var amount fpmath.UFixed18
	err := m.run(ctx, "claim", func(sc *settlementContext, moved *[]transfer) error {
		if sc.protocolParam.Paused {
			return ErrPaused
		}
		amount = sc.fee.Claim(kind)
		if amount.IsZero() {
			return nil
		}
		sc.feeDirty = true

		if err := m.move(ctx, moved, recipient, amount.Fixed().Neg()); err != nil {
			return err
		}
		sc.emit(&event.FeeClaimed{
			ID:        uuid.New(),
			Market:    m.name,
			Kind:      kind,
			Recipient: recipient,
			Amount:    amount,
			Version:   sc.current.Version,
		})
		if m.metrics != nil {
			f, _ := amount.Decimal().Float64()
			m.metrics.FeesClaimed.WithLabelValues(m.name, string(kind)).Add(f)
		}
		return nil
	})
	return amount, err
}

// --- Read accessors (settled state, no settlement performed) ---

func (m *Market) Global(ctx context.Context) (state.Global, error) {
	return m.store.LoadGlobal(ctx, m.name)
}

func (m *Market) Account(ctx context.Context, account uuid.UUID) (state.Account, error) {
	return m.store.LoadAccount(ctx, m.name, account)
}

func (m *Market) Version(ctx context.Context, number uint64) (state.Version, error) {
	return m.store.LoadVersion(ctx, m.name, number)
}

func (m *Market) Fee(ctx context.Context) (state.Fee, error) {
	return m.store.LoadFee(ctx, m.name)
}

// Oracle returns the current payoff-adjusted oracle version.
func (m *Market) Oracle(ctx context.Context) (oracle.Version, error) {
	return oracle.NewHistory(m.provider, m.payoff).Sync(ctx)
}

// Parameters returns the parameters a call made now would use.
func (m *Market) Parameters() (state.MarketParameter, state.ProtocolParameter) {
	return m.params.MarketParameter(m.name), m.params.ProtocolParameter()
}

// ResumeChain continues the commit hash chain from tip, the last state hash
// found in the event log. Call before the market serves any operation.
func (m *Market) ResumeChain(tip [32]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hasher.Resume(tip)
}

// StateHash is the tip of the market's commit hash chain.
func (m *Market) StateHash() [32]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasher.GetPrevHash()
}
