package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"PerpSettle/internal/config"
	"PerpSettle/internal/core"
	"PerpSettle/internal/event"
	"PerpSettle/internal/ingestion"
	"PerpSettle/internal/ledger"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/persistence"
	"PerpSettle/internal/query"
	"PerpSettle/internal/server"
	"PerpSettle/internal/state"
	"PerpSettle/internal/store"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const warmKeyLimit = 100_000

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := observability.NewLoggerWithLevel("perpsettle", cfg.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("perpsettle stopped")
	}
	logger.Info().Msg("PerpSettle shutdown complete")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Observability ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthChecker()

	// --- Postgres ---
	db, err := persistence.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer db.Close()
	health.AddCheck("postgres", db.PingContext)
	logger.Info().Msg("Postgres connected")

	applied, err := persistence.NewMigrator(db, cfg.MigrationsDir, logger).Up(ctx)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info().Int("applied", applied).Msg("migrations up to date")

	pg := persistence.NewPostgresStore(db)
	writer := persistence.NewEventLogWriter(db)

	// --- Store, optionally behind Redis ---
	var st store.Store = pg
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		health.AddCheck("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		st = store.NewCachedStore(pg, rdb, cfg.RedisTTL)
		logger.Info().Dur("ttl", cfg.RedisTTL).Msg("Redis cache enabled")
	}

	// --- Ledger recovery ---
	asset, ok := ledger.GetAssetID(cfg.Asset)
	if !ok {
		return fmt.Errorf("unknown asset %q", cfg.Asset)
	}
	journals, err := writer.LoadJournals(ctx)
	if err != nil {
		return fmt.Errorf("load journals: %w", err)
	}
	journalChan := make(chan ledger.Journal, cfg.PersistChanSize)
	l := ledger.New(asset)
	if err := l.Restore(journals); err != nil {
		return fmt.Errorf("restore ledger: %w", err)
	}
	if err := l.ValidateGlobalBalance(); err != nil {
		return fmt.Errorf("restored ledger: %w", err)
	}
	l.WithSink(journalChan)
	logger.Info().Int("journals", len(journals)).Msg("ledger restored")

	// --- Engine ---
	lastSeq, err := writer.LastSequence(ctx)
	if err != nil {
		return fmt.Errorf("last sequence: %w", err)
	}
	tips, err := writer.LastStateHashes(ctx)
	if err != nil {
		return fmt.Errorf("state hashes: %w", err)
	}

	persistChan := make(chan *event.EventEnvelope, cfg.PersistChanSize)
	publishChan := make(chan *event.EventEnvelope, cfg.PublishChanSize)
	wsChan := make(chan *event.EventEnvelope, cfg.PublishChanSize)

	params := state.NewParamsManager(state.DefaultProtocolParameter)
	restored, err := pg.RestoreParameters(ctx, params)
	if err != nil {
		return fmt.Errorf("restore parameters: %w", err)
	}
	logger.Info().Int("sets", restored).Msg("parameters restored")
	engine := core.NewEngine(core.EngineConfig{
		Store:         st,
		Params:        params,
		Metrics:       metrics,
		Logger:        logger,
		StartSequence: lastSeq + 1,
		PersistChan:   persistChan,
		PublishChans:  []chan<- *event.EventEnvelope{publishChan, wsChan},
	})

	feeds := make(map[string]*oracle.Feed, len(cfg.Markets))
	for _, spec := range cfg.Markets {
		feed, err := restoreFeed(ctx, pg, spec.Name)
		if err != nil {
			return err
		}
		payoff := oracle.Identity
		if spec.Short {
			payoff = oracle.Short
		}
		m, err := engine.AddMarket(spec.Name, feed, payoff, l.ForMarket(spec.Name))
		if err != nil {
			return err
		}
		if tip, ok := tips[spec.Name]; ok {
			m.ResumeChain(tip)
		}
		feeds[spec.Name] = feed
	}
	logger.Info().Int64("sequence", lastSeq+1).Int("markets", len(feeds)).Msg("engine ready")

	// --- Idempotency ---
	dbChecker := persistence.NewPostgresIdempotencyChecker(db)
	dedup := core.NewIdempotencyChecker(cfg.IdempotencyLRUCapacity, dbChecker, metrics, logger)
	if keys, err := dbChecker.RecentKeys(ctx, min(cfg.IdempotencyLRUCapacity, warmKeyLimit)); err != nil {
		logger.Warn().Err(err).Msg("idempotency warm-up skipped")
	} else {
		dedup.Warm(keys)
		logger.Info().Int("keys", len(keys)).Msg("idempotency LRU warmed")
	}

	dispatcher := ingestion.NewDispatcher(ingestion.DispatcherConfig{
		Engine:  engine,
		Feeds:   feeds,
		Params:  params,
		Wallets: l,
		Dedup:   dedup,
		Record:  pg,
		Metrics: metrics,
		Logger:  logger.With().Str("component", "dispatcher").Logger(),
	})

	// --- Goroutines ---
	errChan := make(chan error, 16)
	var producers sync.WaitGroup
	goProducer := func(name string, fn func() error) {
		producers.Add(1)
		go func() {
			defer producers.Done()
			if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	// 1. Persistence worker: runs until both channels are closed
	worker := persistence.NewWorker(persistence.WorkerConfig{
		DB:           db,
		Events:       persistChan,
		Journals:     journalChan,
		BatchSize:    cfg.PersistBatchSize,
		FlushTimeout: cfg.PersistFlushTimeout,
		Metrics:      metrics,
		Logger:       logger.With().Str("component", "persistence").Logger(),
	})
	workerDone := make(chan error, 1)
	go func() { workerDone <- worker.Run(context.Background()) }()

	// 2. NATS ingestion and outbound publishing
	var subscriber *ingestion.NATSSubscriber
	if cfg.NATSURL != "" {
		nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		health.AddCheck("nats", func(context.Context) error {
			if nc.Status() != nats.CONNECTED {
				return fmt.Errorf("nats %s", nc.Status())
			}
			return nil
		})

		if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
			return fmt.Errorf("ensure NATS streams: %w", err)
		}
		if err := ingestion.EnsureOutboundStream(ctx, js, logger); err != nil {
			return fmt.Errorf("ensure outbound stream: %w", err)
		}

		rawChan := make(chan ingestion.RawEvent, 4096)
		subscriber = ingestion.NewNATSSubscriber(js, rawChan, logger)
		if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
			return fmt.Errorf("nats subscribe: %w", err)
		}
		goProducer("dispatcher", func() error { return dispatcher.Run(ctx, rawChan) })

		publisher := ingestion.NewOutboundPublisher(js, publishChan, metrics, logger)
		go publisher.Run(ctx)
	} else {
		logger.Warn().Msg("PERPSETTLE_NATS_URL empty, running without ingestion")
		go drain(ctx, publishChan)
	}

	// 3. Websocket hub
	hub := server.NewWSHub(metrics, logger.With().Str("component", "ws").Logger())
	go hub.Run(ctx, wsChan)

	// 4. gRPC + HTTP API
	qs := query.NewQueryService(query.Config{
		Engine:   engine,
		Balances: l,
		Accounts: pg,
		Events:   writer,
		DB:       db,
	})
	srv := server.New(cfg.GRPCAddr, cfg.HTTPAddr, server.Deps{
		Query:    qs,
		Commands: dispatcher,
		Hub:      hub,
		Health:   health,
		Metrics:  metrics,
		Logger:   logger.With().Str("component", "server").Logger(),
	})
	goProducer("grpc", func() error { return srv.StartGRPC(ctx) })
	goProducer("http", func() error { return srv.StartHTTP(ctx) })

	// 5. Metrics
	go serveMetrics(ctx, cfg.MetricsAddr, reg, logger, errChan)

	srv.SetServing(true)
	logger.Info().
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("PerpSettle ready")

	// --- Wait for shutdown signal ---
	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case runErr = <-errChan:
		logger.Error().Err(runErr).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop every producer of envelopes and journals, then let the worker
	// flush what is left and exit.
	srv.SetServing(false)
	if subscriber != nil {
		subscriber.Stop()
	}
	cancel()
	producers.Wait()

	close(persistChan)
	close(journalChan)

	select {
	case err := <-workerDone:
		if err != nil {
			logger.Error().Err(err).Msg("persistence worker")
		}
	case <-time.After(30 * time.Second):
		logger.Error().Msg("persistence worker did not finish in time")
	}
	return runErr
}

// restoreFeed rebuilds a market's oracle history from Postgres and records
// new versions there.
func restoreFeed(ctx context.Context, pg *persistence.PostgresStore, market string) (*oracle.Feed, error) {
	versions, err := pg.LoadOracleVersions(ctx, market)
	if err != nil {
		return nil, fmt.Errorf("load %s oracle versions: %w", market, err)
	}
	feed := oracle.NewFeed(market)
	if err := feed.Restore(versions); err != nil {
		return nil, fmt.Errorf("restore %s oracle: %w", market, err)
	}
	return feed.WithRecorder(pg), nil
}

// drain discards envelopes when nothing publishes them.
func drain(ctx context.Context, ch <-chan *event.EventEnvelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
		}
	}
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger zerolog.Logger, errChan chan<- error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	metricsServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		metricsServer.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errChan <- fmt.Errorf("metrics server: %w", err)
	}
}
