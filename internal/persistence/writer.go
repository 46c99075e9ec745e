package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"PerpSettle/internal/event"
	"PerpSettle/internal/ledger"
	fpmath "PerpSettle/internal/math"

	"github.com/google/uuid"
)

// EventLogWriter appends envelopes and ledger journals to event_log using
// multi-row INSERTs. Writes are idempotent on sequence and journal_id.
type EventLogWriter struct {
	db *sql.DB
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

const eventColumns = 9

// WriteEventBatch inserts envelopes inside tx.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []*event.EventEnvelope) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, market, version, payload, state_hash, prev_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*eventColumns)
	for i, e := range events {
		values = append(values, placeholders(i*eventColumns, eventColumns))
		args = append(args,
			e.Sequence, e.EventType.String(), e.IdempotencyKey, e.Market, e.Version,
			[]byte(e.Payload), e.StateHash[:], e.PrevHash[:], e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT DO NOTHING"

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert %d events: %w", len(events), err)
	}
	return nil
}

const journalColumns = 8

// WriteJournalBatch inserts ledger entries inside tx.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, tx *sql.Tx, journals []ledger.Journal) error {
	if len(journals) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, debit_account, credit_account, asset_id, amount, journal_type, timestamp)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]interface{}, 0, len(journals)*journalColumns)
	for i, j := range journals {
		values = append(values, placeholders(i*journalColumns, journalColumns))
		args = append(args,
			j.JournalID, j.BatchID, j.DebitAccount.AccountPath(), j.CreditAccount.AccountPath(),
			int64(j.AssetID), j.Amount.String(), j.JournalType.String(), j.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert %d journals: %w", len(journals), err)
	}
	return nil
}

// placeholders renders "($n+1, ..., $n+count)".
func placeholders(base, count int) string {
	var b strings.Builder
	b.WriteByte('(')
	for i := 1; i <= count; i++ {
		if i > 1 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", base+i)
	}
	b.WriteByte(')')
	return b.String()
}

// LastSequence returns the highest persisted envelope sequence, 0 when the
// log is empty. The engine resumes numbering after it.
func (w *EventLogWriter) LastSequence(ctx context.Context) (int64, error) {
	var seq int64
	err := w.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM event_log.events`,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("select last sequence: %w", err)
	}
	return seq, nil
}

// LoadJournals returns every persisted ledger entry in insertion order.
func (w *EventLogWriter) LoadJournals(ctx context.Context) ([]ledger.Journal, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT journal_id, batch_id, debit_account, credit_account,
		       asset_id, amount, journal_type, timestamp
		FROM event_log.journal
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("select journals: %w", err)
	}
	defer rows.Close()

	var journals []ledger.Journal
	for rows.Next() {
		var (
			j                     ledger.Journal
			journalID, batchID    string
			debit, credit, amount string
			journalType           string
			assetID               int64
		)
		if err := rows.Scan(&journalID, &batchID, &debit, &credit,
			&assetID, &amount, &journalType, &j.Timestamp); err != nil {
			return nil, err
		}
		if j.JournalID, err = uuid.Parse(journalID); err != nil {
			return nil, fmt.Errorf("journal id %q: %w", journalID, err)
		}
		if j.BatchID, err = uuid.Parse(batchID); err != nil {
			return nil, fmt.Errorf("journal %s batch id: %w", journalID, err)
		}
		if j.DebitAccount, err = ledger.ParseAccountPath(debit); err != nil {
			return nil, fmt.Errorf("journal %s: %w", journalID, err)
		}
		if j.CreditAccount, err = ledger.ParseAccountPath(credit); err != nil {
			return nil, fmt.Errorf("journal %s: %w", journalID, err)
		}
		if j.Amount, err = fpmath.ParseUFixed18(amount); err != nil {
			return nil, fmt.Errorf("journal %s amount: %w", journalID, err)
		}
		if j.JournalType, err = ledger.ParseJournalType(journalType); err != nil {
			return nil, fmt.Errorf("journal %s: %w", journalID, err)
		}
		j.AssetID = ledger.AssetID(assetID)
		journals = append(journals, j)
	}
	return journals, rows.Err()
}

// EventRow is one persisted envelope as read back from the log.
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Market         string
	Version        uint64
	Payload        []byte
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

// ReadEvents returns up to limit envelopes of market after sequence, oldest
// first.
func (w *EventLogWriter) ReadEvents(ctx context.Context, market string, after int64, limit int) ([]EventRow, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, market, version,
		       payload, state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE market = $1 AND sequence > $2
		ORDER BY sequence
		LIMIT $3`, market, after, limit)
	if err != nil {
		return nil, fmt.Errorf("select events %s: %w", market, err)
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var r EventRow
		if err := rows.Scan(&r.Sequence, &r.EventType, &r.IdempotencyKey, &r.Market, &r.Version,
			&r.Payload, &r.StateHash, &r.PrevHash, &r.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LastStateHashes returns, per market, the state hash of its newest logged
// envelope, for resuming each market's hash chain.
func (w *EventLogWriter) LastStateHashes(ctx context.Context) (map[string][32]byte, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT DISTINCT ON (market) market, state_hash
		FROM event_log.events
		ORDER BY market, sequence DESC`)
	if err != nil {
		return nil, fmt.Errorf("select state hashes: %w", err)
	}
	defer rows.Close()

	tips := make(map[string][32]byte)
	for rows.Next() {
		var (
			market string
			hash   []byte
		)
		if err := rows.Scan(&market, &hash); err != nil {
			return nil, err
		}
		if len(hash) != 32 {
			return nil, fmt.Errorf("state hash of %s has %d bytes", market, len(hash))
		}
		var tip [32]byte
		copy(tip[:], hash)
		tips[market] = tip
	}
	return tips, rows.Err()
}
