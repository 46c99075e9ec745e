package persistence

import (
	"context"
	"encoding/json"
	"fmt"

	"PerpSettle/internal/state"
)

// protocolScope keys the protocol-wide row in settlement.parameters.
const protocolScope = ""

// RecordMarketParameter stores the latest accepted parameters of market.
func (s *PostgresStore) RecordMarketParameter(ctx context.Context, market string, p state.MarketParameter) error {
	return s.recordParameter(ctx, market, p)
}

// RecordProtocolParameter stores the latest accepted protocol parameters.
func (s *PostgresStore) RecordProtocolParameter(ctx context.Context, p state.ProtocolParameter) error {
	return s.recordParameter(ctx, protocolScope, p)
}

func (s *PostgresStore) recordParameter(ctx context.Context, scope string, p any) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal parameter %q: %w", scope, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settlement.parameters (scope, parameter, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (scope) DO UPDATE
		SET parameter = EXCLUDED.parameter, updated_at = EXCLUDED.updated_at`,
		scope, string(data),
	)
	if err != nil {
		return fmt.Errorf("upsert parameter %q: %w", scope, err)
	}
	return nil
}

// RestoreParameters loads every stored parameter set into pm. Stored values
// go through the same validation as live updates.
func (s *PostgresStore) RestoreParameters(ctx context.Context, pm *state.ParamsManager) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT scope, parameter FROM settlement.parameters ORDER BY scope`)
	if err != nil {
		return 0, fmt.Errorf("select parameters: %w", err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var (
			scope string
			data  []byte
		)
		if err := rows.Scan(&scope, &data); err != nil {
			return n, err
		}

		if scope == protocolScope {
			var p state.ProtocolParameter
			if err := json.Unmarshal(data, &p); err != nil {
				return n, fmt.Errorf("decode protocol parameter: %w", err)
			}
			if err := pm.UpdateProtocolParameter(p); err != nil {
				return n, err
			}
		} else {
			var p state.MarketParameter
			if err := json.Unmarshal(data, &p); err != nil {
				return n, fmt.Errorf("decode parameter %s: %w", scope, err)
			}
			if err := pm.UpdateMarketParameter(scope, p); err != nil {
				return n, err
			}
		}
		n++
	}
	return n, rows.Err()
}
