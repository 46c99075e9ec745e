package persistence

import (
	"context"
	"database/sql"
	"time"

	"PerpSettle/internal/event"
	"PerpSettle/internal/ledger"
	"PerpSettle/internal/observability"

	"github.com/rs/zerolog"
)

type WorkerConfig struct {
	DB *sql.DB

	// Both channels receive BLOCKING sends: markets and the ledger stall
	// until the worker drains, so nothing emitted is lost. Journals may be nil.
	Events   <-chan *event.EventEnvelope
	Journals <-chan ledger.Journal

	BatchSize    int
	FlushTimeout time.Duration
	Metrics      *observability.Metrics
	Logger       zerolog.Logger
}

// Worker drains the persist channels and batch-writes them to the event log.
// A flush is one transaction holding every event and journal collected since
// the previous flush.
type Worker struct {
	cfg    WorkerConfig
	writer *EventLogWriter

	events   []*event.EventEnvelope
	journals []ledger.Journal
}

func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 50 * time.Millisecond
	}
	return &Worker{
		cfg:      cfg,
		writer:   NewEventLogWriter(cfg.DB),
		events:   make([]*event.EventEnvelope, 0, cfg.BatchSize),
		journals: make([]ledger.Journal, 0, cfg.BatchSize),
	}
}

func (pw *Worker) Writer() *EventLogWriter { return pw.writer }

func (pw *Worker) pending() int { return len(pw.events) + len(pw.journals) }

// Run batches incoming records and flushes when the batch is full or the
// flush timeout expires. It returns once both channels are closed, or when
// ctx is cancelled after a final flush.
func (pw *Worker) Run(ctx context.Context) error {
	events, journals := pw.cfg.Events, pw.cfg.Journals

	timer := time.NewTimer(pw.cfg.FlushTimeout)
	defer timer.Stop()

	for events != nil || journals != nil {
		select {
		case <-ctx.Done():
			pw.drain(events, journals)
			pw.flushFinal()
			return ctx.Err()

		case env, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			pw.events = append(pw.events, env)

		case j, ok := <-journals:
			if !ok {
				journals = nil
				continue
			}
			pw.journals = append(pw.journals, j)

		case <-timer.C:
			if pw.pending() > 0 {
				pw.flushWithRetry(ctx)
			}
			timer.Reset(pw.cfg.FlushTimeout)
			continue
		}

		if pw.pending() >= pw.cfg.BatchSize {
			pw.flushWithRetry(ctx)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(pw.cfg.FlushTimeout)
		}
		pw.observeChannels()
	}

	pw.flushFinal()
	return nil
}

// drain takes whatever is already buffered without blocking.
func (pw *Worker) drain(events <-chan *event.EventEnvelope, journals <-chan ledger.Journal) {
	for {
		select {
		case env, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			pw.events = append(pw.events, env)
		case j, ok := <-journals:
			if !ok {
				journals = nil
				continue
			}
			pw.journals = append(pw.journals, j)
		default:
			return
		}
	}
}

func (pw *Worker) flushFinal() {
	if pw.pending() == 0 {
		return
	}
	if err := pw.flush(context.Background()); err != nil {
		pw.cfg.Logger.Error().Err(err).
			Int("events", len(pw.events)).
			Int("journals", len(pw.journals)).
			Msg("final flush failed")
		return
	}
	pw.reset()
}

// flushWithRetry retries with exponential backoff until the write succeeds.
// Records are never dropped; on shutdown the batch is handed to flushFinal.
func (pw *Worker) flushWithRetry(ctx context.Context) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.cfg.Logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", len(pw.events)).
				Msg("persistence retry")
			if pw.cfg.Metrics != nil {
				pw.cfg.Metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx)
		if err == nil {
			if attempt > 0 {
				pw.cfg.Logger.Info().Int("retries", attempt).Msg("persistence flush recovered")
			}
			pw.reset()
			return
		}
		pw.cfg.Logger.Error().Err(err).Msg("persistence flush failed")
	}
}

func (pw *Worker) reset() {
	pw.events = pw.events[:0]
	pw.journals = pw.journals[:0]
}

func (pw *Worker) flush(ctx context.Context) error {
	start := time.Now()

	tx, err := pw.cfg.DB.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin", err)
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteEventBatch(ctx, tx, pw.events); err != nil {
		pw.countError("write_events", err)
		return err
	}
	if err := pw.writer.WriteJournalBatch(ctx, tx, pw.journals); err != nil {
		pw.countError("write_journals", err)
		return err
	}
	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit", err)
		return err
	}

	if m := pw.cfg.Metrics; m != nil {
		m.PersistBatchDur.Observe(time.Since(start).Seconds())
		m.PersistBatchSize.Observe(float64(pw.pending()))
		m.PersistEventsWritten.Add(float64(len(pw.events)))
		if n := len(pw.events); n > 0 {
			m.PersistLastSequence.Set(float64(pw.events[n-1].Sequence))
		}
	}
	return nil
}

func (pw *Worker) countError(stage string, err error) {
	if pw.cfg.Metrics != nil {
		pw.cfg.Metrics.PersistErrors.WithLabelValues(errorType(stage, err)).Inc()
	}
}

func (pw *Worker) observeChannels() {
	if pw.cfg.Metrics == nil {
		return
	}
	if pw.cfg.Events != nil {
		pw.cfg.Metrics.SetChannelMetrics("persist_events", len(pw.cfg.Events), cap(pw.cfg.Events))
	}
	if pw.cfg.Journals != nil {
		pw.cfg.Metrics.SetChannelMetrics("persist_journals", len(pw.cfg.Journals), cap(pw.cfg.Journals))
	}
}
