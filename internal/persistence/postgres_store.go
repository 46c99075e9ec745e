package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/state"
	"PerpSettle/internal/store"

	"github.com/google/uuid"
)

// PostgresStore is the source-of-truth store.Store. Amounts are stored as
// NUMERIC and travel as decimal strings in both directions.
type PostgresStore struct {
	db *sql.DB
}

var _ store.Store = (*PostgresStore)(nil)
var _ oracle.Recorder = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// numerics parses NUMERIC text columns, keeping the first failure.
type numerics struct{ err error }

func (n *numerics) fixed(s string) fpmath.Fixed18 {
	f, err := fpmath.ParseFixed18(s)
	if err != nil && n.err == nil {
		n.err = err
	}
	return f
}

func (n *numerics) ufixed(s string) fpmath.UFixed18 {
	u, err := fpmath.ParseUFixed18(s)
	if err != nil && n.err == nil {
		n.err = err
	}
	return u
}

func (s *PostgresStore) LoadGlobal(ctx context.Context, market string) (state.Global, error) {
	var g state.Global
	var maker, taker, makerDelta, takerDelta, makerFee, takerFee string
	err := s.db.QueryRowContext(ctx, `
		SELECT latest_version, maker, taker, pre_version,
		       pre_maker_delta, pre_taker_delta, pre_maker_fee, pre_taker_fee
		FROM settlement.globals WHERE market = $1`, market,
	).Scan(&g.LatestVersion, &maker, &taker, &g.Pre.Version,
		&makerDelta, &takerDelta, &makerFee, &takerFee)
	if errors.Is(err, sql.ErrNoRows) {
		return state.Global{}, nil
	}
	if err != nil {
		return state.Global{}, fmt.Errorf("select global %s: %w", market, err)
	}

	var n numerics
	g.Position = state.Position{Maker: n.ufixed(maker), Taker: n.ufixed(taker)}
	g.Pre.MakerDelta = n.fixed(makerDelta)
	g.Pre.TakerDelta = n.fixed(takerDelta)
	g.Pre.MakerFee = n.ufixed(makerFee)
	g.Pre.TakerFee = n.ufixed(takerFee)
	if n.err != nil {
		return state.Global{}, fmt.Errorf("decode global %s: %w", market, n.err)
	}
	return g, nil
}

func (s *PostgresStore) LoadVersion(ctx context.Context, market string, number uint64) (state.Version, error) {
	var valueMaker, valueTaker, rewardMaker, rewardTaker, maker, taker string
	err := s.db.QueryRowContext(ctx, `
		SELECT value_maker, value_taker, reward_maker, reward_taker, maker, taker
		FROM settlement.versions WHERE market = $1 AND number = $2`, market, number,
	).Scan(&valueMaker, &valueTaker, &rewardMaker, &rewardTaker, &maker, &taker)
	if errors.Is(err, sql.ErrNoRows) {
		return state.Version{}, store.ErrNotFound
	}
	if err != nil {
		return state.Version{}, fmt.Errorf("select version %s/%d: %w", market, number, err)
	}

	var n numerics
	v := state.Version{
		Number:   number,
		Value:    state.Accumulator{Maker: n.fixed(valueMaker), Taker: n.fixed(valueTaker)},
		Reward:   state.Accumulator{Maker: n.fixed(rewardMaker), Taker: n.fixed(rewardTaker)},
		Position: state.Position{Maker: n.ufixed(maker), Taker: n.ufixed(taker)},
	}
	if n.err != nil {
		return state.Version{}, fmt.Errorf("decode version %s/%d: %w", market, number, n.err)
	}
	return v, nil
}

func (s *PostgresStore) LoadAccount(ctx context.Context, market string, account uuid.UUID) (state.Account, error) {
	var a state.Account
	var maker, taker, nextMaker, nextTaker, collateral, reward string
	err := s.db.QueryRowContext(ctx, `
		SELECT latest_version, maker, taker, next_maker, next_taker,
		       pending_version, collateral, reward, liquidation
		FROM settlement.accounts WHERE market = $1 AND account = $2`, market, account,
	).Scan(&a.LatestVersion, &maker, &taker, &nextMaker, &nextTaker,
		&a.PendingVersion, &collateral, &reward, &a.Liquidation)
	if errors.Is(err, sql.ErrNoRows) {
		return state.Account{}, nil
	}
	if err != nil {
		return state.Account{}, fmt.Errorf("select account %s/%s: %w", market, account, err)
	}

	var n numerics
	a.Position = state.Position{Maker: n.ufixed(maker), Taker: n.ufixed(taker)}
	a.Next = state.Position{Maker: n.ufixed(nextMaker), Taker: n.ufixed(nextTaker)}
	a.Collateral = n.fixed(collateral)
	a.Reward = n.ufixed(reward)
	if n.err != nil {
		return state.Account{}, fmt.Errorf("decode account %s/%s: %w", market, account, n.err)
	}
	return a, nil
}

func (s *PostgresStore) LoadFee(ctx context.Context, market string) (state.Fee, error) {
	var protocol, marketFee string
	err := s.db.QueryRowContext(ctx,
		`SELECT protocol, market_fee FROM settlement.fees WHERE market = $1`, market,
	).Scan(&protocol, &marketFee)
	if errors.Is(err, sql.ErrNoRows) {
		return state.Fee{}, nil
	}
	if err != nil {
		return state.Fee{}, fmt.Errorf("select fee %s: %w", market, err)
	}

	var n numerics
	f := state.Fee{Protocol: n.ufixed(protocol), Market: n.ufixed(marketFee)}
	if n.err != nil {
		return state.Fee{}, fmt.Errorf("decode fee %s: %w", market, n.err)
	}
	return f, nil
}

// Commit writes the change set in one transaction. Records outside the
// packed storage range are rejected before anything is written.
func (s *PostgresStore) Commit(ctx context.Context, market string, cs *store.ChangeSet) error {
	if err := cs.Validate(); err != nil {
		return err
	}
	if cs.IsEmpty() {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit %s: %w", market, err)
	}
	defer tx.Rollback()

	if g := cs.Global; g != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO settlement.globals
				(market, latest_version, maker, taker, pre_version,
				 pre_maker_delta, pre_taker_delta, pre_maker_fee, pre_taker_fee, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
			ON CONFLICT (market) DO UPDATE SET
				latest_version = EXCLUDED.latest_version,
				maker = EXCLUDED.maker,
				taker = EXCLUDED.taker,
				pre_version = EXCLUDED.pre_version,
				pre_maker_delta = EXCLUDED.pre_maker_delta,
				pre_taker_delta = EXCLUDED.pre_taker_delta,
				pre_maker_fee = EXCLUDED.pre_maker_fee,
				pre_taker_fee = EXCLUDED.pre_taker_fee,
				updated_at = NOW()`,
			market, g.LatestVersion, g.Position.Maker.String(), g.Position.Taker.String(), g.Pre.Version,
			g.Pre.MakerDelta.String(), g.Pre.TakerDelta.String(), g.Pre.MakerFee.String(), g.Pre.TakerFee.String(),
		); err != nil {
			return fmt.Errorf("upsert global %s: %w", market, err)
		}
	}

	if f := cs.Fee; f != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO settlement.fees (market, protocol, market_fee, updated_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (market) DO UPDATE SET
				protocol = EXCLUDED.protocol,
				market_fee = EXCLUDED.market_fee,
				updated_at = NOW()`,
			market, f.Protocol.String(), f.Market.String(),
		); err != nil {
			return fmt.Errorf("upsert fee %s: %w", market, err)
		}
	}

	for _, v := range cs.Versions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO settlement.versions
				(market, number, value_maker, value_taker, reward_maker, reward_taker, maker, taker)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (market, number) DO UPDATE SET
				value_maker = EXCLUDED.value_maker,
				value_taker = EXCLUDED.value_taker,
				reward_maker = EXCLUDED.reward_maker,
				reward_taker = EXCLUDED.reward_taker,
				maker = EXCLUDED.maker,
				taker = EXCLUDED.taker`,
			market, v.Number, v.Value.Maker.String(), v.Value.Taker.String(),
			v.Reward.Maker.String(), v.Reward.Taker.String(),
			v.Position.Maker.String(), v.Position.Taker.String(),
		); err != nil {
			return fmt.Errorf("insert version %s/%d: %w", market, v.Number, err)
		}
	}

	// fixed order keeps row locks consistent across concurrent commits
	ids := make([]uuid.UUID, 0, len(cs.Accounts))
	for id := range cs.Accounts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	for _, id := range ids {
		a := cs.Accounts[id]
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO settlement.accounts
				(market, account, latest_version, maker, taker, next_maker, next_taker,
				 pending_version, collateral, reward, liquidation, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
			ON CONFLICT (market, account) DO UPDATE SET
				latest_version = EXCLUDED.latest_version,
				maker = EXCLUDED.maker,
				taker = EXCLUDED.taker,
				next_maker = EXCLUDED.next_maker,
				next_taker = EXCLUDED.next_taker,
				pending_version = EXCLUDED.pending_version,
				collateral = EXCLUDED.collateral,
				reward = EXCLUDED.reward,
				liquidation = EXCLUDED.liquidation,
				updated_at = NOW()`,
			market, id, a.LatestVersion,
			a.Position.Maker.String(), a.Position.Taker.String(),
			a.Next.Maker.String(), a.Next.Taker.String(),
			a.PendingVersion, a.Collateral.String(), a.Reward.String(), a.Liquidation,
		); err != nil {
			return fmt.Errorf("upsert account %s/%s: %w", market, id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", market, err)
	}
	return nil
}

// RecordOracleVersion persists a version accepted by an oracle.Feed.
func (s *PostgresStore) RecordOracleVersion(ctx context.Context, market string, v oracle.Version) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settlement.oracle_versions (market, version, timestamp, price)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (market, version) DO NOTHING`,
		market, v.Version, v.Timestamp, v.Price.String(),
	)
	if err != nil {
		return fmt.Errorf("insert oracle version %s/%d: %w", market, v.Version, err)
	}
	return nil
}

// LoadOracleVersions returns every recorded version of market in order, for
// oracle.Feed.Restore on startup.
func (s *PostgresStore) LoadOracleVersions(ctx context.Context, market string) ([]oracle.Version, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version, timestamp, price
		FROM settlement.oracle_versions
		WHERE market = $1
		ORDER BY version`, market)
	if err != nil {
		return nil, fmt.Errorf("select oracle versions %s: %w", market, err)
	}
	defer rows.Close()

	var (
		versions []oracle.Version
		n        numerics
	)
	for rows.Next() {
		var (
			v     oracle.Version
			price string
		)
		if err := rows.Scan(&v.Version, &v.Timestamp, &price); err != nil {
			return nil, err
		}
		v.Price = n.fixed(price)
		versions = append(versions, v)
	}
	if n.err != nil {
		return nil, fmt.Errorf("decode oracle versions %s: %w", market, n.err)
	}
	return versions, rows.Err()
}

// AccountMarkets lists the markets in which account holds a record.
func (s *PostgresStore) AccountMarkets(ctx context.Context, account uuid.UUID) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT market FROM settlement.accounts WHERE account = $1 ORDER BY market`, account)
	if err != nil {
		return nil, fmt.Errorf("select account markets %s: %w", account, err)
	}
	defer rows.Close()

	var markets []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}
