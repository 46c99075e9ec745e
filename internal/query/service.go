package query

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"PerpSettle/internal/core"
	"PerpSettle/internal/ledger"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/persistence"
	"PerpSettle/internal/state"

	"github.com/google/uuid"
)

// ErrUnavailable is returned by queries whose backing store is not configured.
var ErrUnavailable = errors.New("query source unavailable")

// Engine is the live market set.
type Engine interface {
	Markets() []string
	Market(name string) (*core.Market, error)
	Sequence() int64
}

// Balances is the collateral ledger.
type Balances interface {
	Asset() ledger.AssetID
	WalletBalance(account uuid.UUID) fpmath.Fixed18
	MarketBalance(market string) fpmath.Fixed18
	ValidateGlobalBalance() error
}

// AccountIndex finds the markets an account holds records in.
type AccountIndex interface {
	AccountMarkets(ctx context.Context, account uuid.UUID) ([]string, error)
}

// EventLog reads persisted envelopes.
type EventLog interface {
	ReadEvents(ctx context.Context, market string, after int64, limit int) ([]persistence.EventRow, error)
}

type Config struct {
	Engine   Engine
	Balances Balances

	// Optional; without them Balance scans every market and the event and
	// journal queries return ErrUnavailable.
	Accounts AccountIndex
	Events   EventLog
	DB       *sql.DB
}

// QueryService serves read-only views of settled state. Nothing here runs a
// settlement: values are as of each market's last commit, and responses carry
// as_of_sequence, the last envelope sequence emitted when the view was built.
type QueryService struct {
	cfg Config
}

func NewQueryService(cfg Config) *QueryService {
	return &QueryService{cfg: cfg}
}

func (qs *QueryService) asOf() int64 {
	return qs.cfg.Engine.Sequence() - 1
}

// ListMarkets returns every running market in name order.
func (qs *QueryService) ListMarkets(ctx context.Context) ([]MarketSummary, error) {
	names := qs.cfg.Engine.Markets()
	out := make([]MarketSummary, 0, len(names))
	for _, name := range names {
		m, err := qs.cfg.Engine.Market(name)
		if err != nil {
			return nil, err
		}
		g, err := m.Global(ctx)
		if err != nil {
			return nil, err
		}
		s := MarketSummary{
			Market:        name,
			LatestVersion: g.LatestVersion,
			Maker:         g.Position.Maker,
			Taker:         g.Position.Taker,
		}
		if o, err := m.Oracle(ctx); err == nil {
			s.OracleVersion = o.Version
		}
		out = append(out, s)
	}
	return out, nil
}

func (qs *QueryService) GetMarket(ctx context.Context, name string) (*MarketResponse, error) {
	asOf := qs.asOf()
	m, err := qs.cfg.Engine.Market(name)
	if err != nil {
		return nil, err
	}
	g, err := m.Global(ctx)
	if err != nil {
		return nil, err
	}
	fee, err := m.Fee(ctx)
	if err != nil {
		return nil, err
	}
	mp, pp := m.Parameters()
	hash := m.StateHash()

	resp := &MarketResponse{
		Market:        name,
		LatestVersion: g.LatestVersion,
		Position:      g.Position,
		Next:          g.Next(),
		Pre:           g.Pre,
		Fee:           fee,
		Parameter:     mp,
		Protocol:      pp,
		PoolBalance:   qs.cfg.Balances.MarketBalance(name),
		StateHash:     hex.EncodeToString(hash[:]),
		AsOfSequence:  asOf,
	}
	// no oracle version yet is not an error for a view
	if o, err := m.Oracle(ctx); err == nil {
		resp.Oracle = &o
	}
	return resp, nil
}

func (qs *QueryService) GetVersion(ctx context.Context, market string, number uint64) (*VersionResponse, error) {
	m, err := qs.cfg.Engine.Market(market)
	if err != nil {
		return nil, err
	}
	v, err := m.Version(ctx, number)
	if err != nil {
		return nil, fmt.Errorf("version %d of %s: %w", number, market, err)
	}
	return &VersionResponse{
		Market:   market,
		Number:   v.Number,
		Value:    v.Value,
		Reward:   v.Reward,
		Position: v.Position,
	}, nil
}

func (qs *QueryService) GetAccount(ctx context.Context, market string, account uuid.UUID) (*AccountResponse, error) {
	m, err := qs.cfg.Engine.Market(market)
	if err != nil {
		return nil, err
	}
	return qs.accountView(ctx, m, account, qs.asOf())
}

func (qs *QueryService) accountView(ctx context.Context, m *core.Market, account uuid.UUID, asOf int64) (*AccountResponse, error) {
	a, err := m.Account(ctx, account)
	if err != nil {
		return nil, err
	}
	resp := &AccountResponse{
		Market:         m.Name(),
		Account:        account,
		LatestVersion:  a.LatestVersion,
		Position:       a.Position,
		Next:           a.Next,
		PendingVersion: a.PendingVersion,
		Collateral:     a.Collateral,
		Reward:         a.Reward,
		Liquidation:    a.Liquidation,
		MarginStatus:   "Unknown",
		AsOfSequence:   asOf,
	}

	if o, err := m.Oracle(ctx); err == nil {
		mp, _ := m.Parameters()
		resp.Maintenance = state.AccountMaintenance(a, o.Price, mp.Maintenance)
		resp.MarginStatus = state.CheckMarginHealth(a, o.Price, mp.Maintenance).String()
	}
	return resp, nil
}

// GetBalance returns a holder's wallet and per-market collateral.
func (qs *QueryService) GetBalance(ctx context.Context, account uuid.UUID) (*BalanceResponse, error) {
	asOf := qs.asOf()

	markets := qs.cfg.Engine.Markets()
	if qs.cfg.Accounts != nil {
		indexed, err := qs.cfg.Accounts.AccountMarkets(ctx, account)
		if err != nil {
			return nil, err
		}
		markets = indexed
	}

	wallet := qs.cfg.Balances.WalletBalance(account)
	asset, _ := ledger.GetAssetName(qs.cfg.Balances.Asset())
	resp := &BalanceResponse{
		Account:         account,
		Asset:           asset,
		Wallet:          wallet,
		Markets:         []AccountResponse{},
		TotalCollateral: wallet,
		AsOfSequence:    asOf,
	}

	for _, name := range markets {
		m, err := qs.cfg.Engine.Market(name)
		if errors.Is(err, core.ErrUnknownMarket) {
			continue // recorded in the store but not running here
		}
		if err != nil {
			return nil, err
		}
		view, err := qs.accountView(ctx, m, account, asOf)
		if err != nil {
			return nil, err
		}
		if view.Position.IsEmpty() && view.Next.IsEmpty() && view.Collateral.IsZero() && view.Reward.IsZero() {
			continue
		}
		resp.Markets = append(resp.Markets, *view)
		resp.TotalCollateral = resp.TotalCollateral.Add(view.Collateral)
	}
	return resp, nil
}

// GetEvents returns persisted envelopes of market after a sequence cursor.
func (qs *QueryService) GetEvents(ctx context.Context, market string, after int64, limit int) ([]EventResponse, error) {
	if qs.cfg.Events == nil {
		return nil, ErrUnavailable
	}
	if _, err := qs.cfg.Engine.Market(market); err != nil {
		return nil, err
	}
	rows, err := qs.cfg.Events.ReadEvents(ctx, market, after, clampLimit(limit))
	if err != nil {
		return nil, err
	}

	out := make([]EventResponse, 0, len(rows))
	for _, r := range rows {
		out = append(out, EventResponse{
			Sequence:       r.Sequence,
			EventType:      r.EventType,
			IdempotencyKey: r.IdempotencyKey,
			Market:         r.Market,
			Version:        r.Version,
			Timestamp:      r.Timestamp,
			Payload:        r.Payload,
			StateHash:      hex.EncodeToString(r.StateHash),
			PrevHash:       hex.EncodeToString(r.PrevHash),
		})
	}
	return out, nil
}

// GetJournalHistory returns ledger entries touching the holder's wallet,
// newest first. before is an exclusive id cursor; 0 starts from the newest.
func (qs *QueryService) GetJournalHistory(ctx context.Context, account uuid.UUID, limit int, before int64) ([]JournalHistoryEntry, error) {
	if qs.cfg.DB == nil {
		return nil, ErrUnavailable
	}
	asset := qs.cfg.Balances.Asset()
	wallet := ledger.NewUserAccountKey(account, ledger.SubTypeWallet, asset).AccountPath()

	query := `
		SELECT id, journal_id, batch_id, debit_account, credit_account,
		       asset_id, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account = $1 OR credit_account = $1)
	`
	args := []interface{}{wallet}
	argIdx := 2

	if before > 0 {
		query += fmt.Sprintf(" AND id < $%d", argIdx)
		args = append(args, before)
		argIdx++
	}

	query += " ORDER BY id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.cfg.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var (
			e       JournalHistoryEntry
			assetID int64
			amount  string
		)
		if err := rows.Scan(
			&e.ID, &e.JournalID, &e.BatchID, &e.DebitAccount, &e.CreditAccount,
			&assetID, &amount, &e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		if e.Amount, err = fpmath.ParseUFixed18(amount); err != nil {
			return nil, fmt.Errorf("journal %s amount: %w", e.JournalID, err)
		}
		e.Asset, _ = ledger.GetAssetName(ledger.AssetID(assetID))
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks that the ledger nets to zero and that every market
// pool still holds its unclaimed fees.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{
		IsHealthy:    true,
		Markets:      []MarketIntegrity{},
		AsOfSequence: qs.asOf(),
	}

	if err := qs.cfg.Balances.ValidateGlobalBalance(); err != nil {
		report.IsHealthy = false
		report.LedgerError = err.Error()
	}

	for _, name := range qs.cfg.Engine.Markets() {
		m, err := qs.cfg.Engine.Market(name)
		if err != nil {
			return nil, err
		}
		fee, err := m.Fee(ctx)
		if err != nil {
			return nil, err
		}
		hash := m.StateHash()
		mi := MarketIntegrity{
			Market:        name,
			StateHash:     hex.EncodeToString(hash[:]),
			PoolBalance:   qs.cfg.Balances.MarketBalance(name),
			UnclaimedFees: fee.Total(),
		}
		if mi.PoolBalance.LessThan(mi.UnclaimedFees.Fixed()) {
			report.IsHealthy = false
		}
		report.Markets = append(report.Markets, mi)
	}
	return report, nil
}

const (
	defaultLimit = 100
	maxLimit     = 1000
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}
