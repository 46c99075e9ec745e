package core

import (
	"fmt"
	"sort"
	"sync"

	"PerpSettle/internal/event"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/store"

	"github.com/rs/zerolog"
)

type EngineConfig struct {
	Store   store.Store
	Params  ParamSource
	Metrics *observability.Metrics
	Logger  zerolog.Logger

	// Sequence of the first envelope emitted by this process.
	StartSequence int64

	// Persistence uses a BLOCKING send: markets stall until the writer
	// drains, so no event is lost. May be nil.
	PersistChan chan<- *event.EventEnvelope

	// Publishers use NON-BLOCKING sends and drop when full; subscribers can
	// catch up from the event log.
	PublishChans []chan<- *event.EventEnvelope
}

// Engine runs a set of markets over one store and numbers every emitted
// event with a process-wide sequence.
type Engine struct {
	cfg EngineConfig

	mu      sync.RWMutex
	markets map[string]*Market

	seqMu    sync.Mutex
	sequence int64
}

func NewEngine(cfg EngineConfig) *Engine {
	return &Engine{
		cfg:      cfg,
		markets:  make(map[string]*Market),
		sequence: cfg.StartSequence,
	}
}

// AddMarket starts running a market. Names are unique.
func (e *Engine) AddMarket(name string, provider oracle.Provider, payoff oracle.Payoff, ledger CollateralLedger) (*Market, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.markets[name]; exists {
		return nil, fmt.Errorf("market %s already registered", name)
	}
	m := NewMarket(MarketConfig{
		Name:     name,
		Provider: provider,
		Payoff:   payoff,
		Store:    e.cfg.Store,
		Ledger:   ledger,
		Params:   e.cfg.Params,
		Emitter:  e,
		Metrics:  e.cfg.Metrics,
		Logger:   e.cfg.Logger,
	})
	e.markets[name] = m
	e.cfg.Logger.Info().Str("market", name).Msg("market registered")
	return m, nil
}

func (e *Engine) Market(name string) (*Market, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.markets[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, name)
	}
	return m, nil
}

// Markets returns the registered market names in order.
func (e *Engine) Markets() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.markets))
	for name := range e.markets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Sequence is the next envelope sequence.
func (e *Engine) Sequence() int64 {
	e.seqMu.Lock()
	defer e.seqMu.Unlock()
	return e.sequence
}

// Emit wraps the events of one commit into envelopes and hands them to the
// persistence and publish channels in commit order.
func (e *Engine) Emit(em Emission) {
	e.seqMu.Lock()
	defer e.seqMu.Unlock()

	for _, evt := range em.Events {
		env, err := event.NewEnvelope(e.sequence, evt, em.Timestamp, em.StateHash, em.PrevHash)
		if err != nil {
			e.cfg.Logger.Error().Err(err).
				Str("market", em.Market).
				Str("event_type", evt.EventType().String()).
				Msg("dropping unencodable event")
			continue
		}
		e.sequence++

		if e.cfg.PersistChan != nil {
			e.cfg.PersistChan <- env
		}
		for _, ch := range e.cfg.PublishChans {
			select {
			case ch <- env:
			default:
				if e.cfg.Metrics != nil {
					e.cfg.Metrics.PublishDrops.Inc()
				}
			}
		}
	}
}
