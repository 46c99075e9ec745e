package ingestion

import (
	"context"
	"errors"
	"fmt"

	"PerpSettle/internal/core"
	"PerpSettle/internal/ledger"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Wallets funds and drains holder wallets.
type Wallets interface {
	Fund(ctx context.Context, account uuid.UUID, amount fpmath.UFixed18) error
	Withdraw(ctx context.Context, account uuid.UUID, amount fpmath.UFixed18) error
}

// ParamsRecorder persists accepted parameter updates.
type ParamsRecorder interface {
	RecordMarketParameter(ctx context.Context, market string, p state.MarketParameter) error
	RecordProtocolParameter(ctx context.Context, p state.ProtocolParameter) error
}

// rejected marks a failure that redelivery cannot fix.
type rejected struct{ err error }

func (r *rejected) Error() string { return r.err.Error() }
func (r *rejected) Unwrap() error { return r.err }

func reject(err error) error { return &rejected{err: err} }

// IsRejected reports whether err is permanent for the message that caused it.
func IsRejected(err error) bool {
	var r *rejected
	return errors.As(err, &r)
}

type DispatcherConfig struct {
	Engine  *core.Engine
	Feeds   map[string]*oracle.Feed
	Params  *state.ParamsManager
	Wallets Wallets
	Dedup   *core.IdempotencyChecker // optional
	Record  ParamsRecorder           // optional
	Metrics *observability.Metrics
	Logger  zerolog.Logger
}

// Dispatcher applies inbound messages to the engine one at a time, in
// delivery order.
type Dispatcher struct {
	cfg DispatcherConfig
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{cfg: cfg}
}

// Run drains in until it closes or ctx ends.
func (d *Dispatcher) Run(ctx context.Context, in <-chan RawEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-in:
			if !ok {
				return nil
			}
			d.Handle(ctx, raw)
		}
	}
}

// Handle processes one message and acks or naks it. Malformed messages and
// permanent rejections are acked so they are not redelivered.
func (d *Dispatcher) Handle(ctx context.Context, raw RawEvent) {
	cmd, err := ParseRawEvent(raw)
	if err != nil {
		d.cfg.Logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping unparseable message")
		d.count("unknown", "invalid")
		ack(raw)
		return
	}
	kind := string(cmd.Kind())

	err = d.Apply(ctx, cmd)
	switch {
	case err == nil:
		d.count(kind, "applied")
		ack(raw)
	case errors.Is(err, ErrDuplicate):
		d.count(kind, "duplicate")
		ack(raw)
	case IsRejected(err):
		d.cfg.Logger.Info().Err(err).Str("subject", raw.Subject).Msg("message rejected")
		d.count(kind, "rejected")
		ack(raw)
	default:
		d.cfg.Logger.Error().Err(err).Str("subject", raw.Subject).Msg("message failed, requesting redelivery")
		d.count(kind, "retry")
		if raw.NakFunc != nil {
			raw.NakFunc()
		}
	}
}

// ErrDuplicate is returned by Apply for a command whose key was already
// processed or is being processed by a concurrent caller.
var ErrDuplicate = errors.New("duplicate command")

// Apply runs one command. Rejections are wrapped so IsRejected reports them;
// other errors are transient.
func (d *Dispatcher) Apply(ctx context.Context, cmd Command) error {
	key := cmd.Key()
	command := string(cmd.Kind())
	dedup := key != "" && d.cfg.Dedup != nil
	if dedup && !d.cfg.Dedup.Reserve(ctx, command, key) {
		return ErrDuplicate
	}

	err := d.apply(ctx, cmd)
	if err != nil && !IsRejected(err) && isPermanent(err) {
		err = reject(err)
	}
	if dedup {
		if err == nil || IsRejected(err) {
			d.cfg.Dedup.MarkProcessed(ctx, command, key)
		} else {
			d.cfg.Dedup.Release(command, key)
		}
	}
	return err
}

func (d *Dispatcher) apply(ctx context.Context, cmd Command) error {
	switch c := cmd.(type) {
	case OracleUpdate:
		return d.applyOracle(ctx, c)

	case ParamsUpdate:
		if _, err := d.cfg.Engine.Market(c.Market); err != nil {
			return err
		}
		if err := d.cfg.Params.UpdateMarketParameter(c.Market, c.Parameter); err != nil {
			return reject(err)
		}
		if d.cfg.Record != nil {
			if err := d.cfg.Record.RecordMarketParameter(ctx, c.Market, c.Parameter); err != nil {
				return err
			}
		}
		d.cfg.Logger.Info().Str("market", c.Market).Msg("market parameter updated")
		return nil

	case ProtocolUpdate:
		if err := d.cfg.Params.UpdateProtocolParameter(c.Parameter); err != nil {
			return reject(err)
		}
		if d.cfg.Record != nil {
			if err := d.cfg.Record.RecordProtocolParameter(ctx, c.Parameter); err != nil {
				return err
			}
		}
		d.cfg.Logger.Info().Bool("paused", c.Parameter.Paused).Msg("protocol parameter updated")
		return nil

	case UpdateCommand:
		m, err := d.cfg.Engine.Market(c.Market)
		if err != nil {
			return err
		}
		_, err = m.Update(ctx, c.Account, c.Request)
		return err

	case SettleCommand:
		m, err := d.cfg.Engine.Market(c.Market)
		if err != nil {
			return err
		}
		_, err = m.Settle(ctx, c.Account)
		return err

	case LiquidateCommand:
		m, err := d.cfg.Engine.Market(c.Market)
		if err != nil {
			return err
		}
		_, err = m.Liquidate(ctx, c.Account, c.Liquidator)
		return err

	case ClaimCommand:
		m, err := d.cfg.Engine.Market(c.Market)
		if err != nil {
			return err
		}
		_, err = m.ClaimFee(ctx, c.FeeKind, c.Recipient)
		return err

	case WalletCommand:
		if c.Withdraw {
			return d.cfg.Wallets.Withdraw(ctx, c.Account, c.Amount)
		}
		return d.cfg.Wallets.Fund(ctx, c.Account, c.Amount)

	default:
		return reject(fmt.Errorf("unhandled command %T", cmd))
	}
}

// applyOracle records a new version and settles the market up to it.
func (d *Dispatcher) applyOracle(ctx context.Context, c OracleUpdate) error {
	feed, ok := d.cfg.Feeds[c.Market]
	if !ok {
		return reject(fmt.Errorf("%w: %s", core.ErrUnknownMarket, c.Market))
	}
	accepted, err := feed.Push(ctx, c.Version)
	if err != nil {
		if errors.Is(err, oracle.ErrNonMonotonic) || errors.Is(err, oracle.ErrVersionGap) {
			if d.cfg.Metrics != nil {
				d.cfg.Metrics.OracleRejected.WithLabelValues(c.Market, oracleReason(err)).Inc()
			}
			return reject(err)
		}
		return err
	}
	if accepted && d.cfg.Metrics != nil {
		d.cfg.Metrics.OracleVersion.WithLabelValues(c.Market).Set(float64(c.Version.Version))
	}

	m, err := d.cfg.Engine.Market(c.Market)
	if err != nil {
		return err
	}
	return m.SettleMarket(ctx)
}

func oracleReason(err error) string {
	if errors.Is(err, oracle.ErrVersionGap) {
		return "gap"
	}
	return "non_monotonic"
}

// isPermanent reports engine and ledger errors that a retry would repeat.
func isPermanent(err error) bool {
	return core.IsValidation(err) ||
		core.IsArithmetic(err) ||
		errors.Is(err, core.ErrCannotLiquidate) ||
		errors.Is(err, core.ErrUnknownMarket) ||
		errors.Is(err, ledger.ErrInsufficientBalance)
}

func (d *Dispatcher) count(kind, status string) {
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.IngestMessages.WithLabelValues(kind, status).Inc()
	}
}

func ack(raw RawEvent) {
	if raw.AckFunc != nil {
		raw.AckFunc()
	}
}
