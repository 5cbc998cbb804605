package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"TollLedger/internal/config"
	"TollLedger/internal/core"
	"TollLedger/internal/event"
	"TollLedger/internal/ingestion"
	"TollLedger/internal/ledger"
	"TollLedger/internal/observability"
	"TollLedger/internal/persistence"
	"TollLedger/internal/query"
	"TollLedger/internal/server"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config: %v\n", err)
		os.Exit(1)
	}

	level := observability.ParseLogLevel(cfg.LogLevel)
	componentLogger := func(name string) zerolog.Logger {
		return observability.NewLoggerTo(os.Stdout, name, level)
	}

	logger := componentLogger("tollledger")
	if err := run(cfg, logger, componentLogger); err != nil {
		logger.Fatal().Err(err).Msg("tollledger failed")
	}
}

func run(cfg config.Config, logger zerolog.Logger, componentLogger func(string) zerolog.Logger) error {
	logger.Info().
		Str("log_backend", cfg.LogBackend).
		Int64("toll", cfg.Policy.TollAmount).
		Msg("TollLedger starting")

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()

	// --- Ledger ---
	snapshots := persistence.NewFileSnapshotStore(cfg.SnapshotPath, componentLogger("snapshot"))
	l := ledger.New(snapshots, ledger.Options{
		Policy:         cfg.Policy,
		PersistTimeout: cfg.PersistTimeout,
		DebitRetries:   uint64(cfg.DebitRetries),
		RetryInterval:  cfg.RetryInterval,
		Logger:         componentLogger("ledger"),
		Metrics:        metrics,
	})
	if err := l.Load(ctx); err != nil {
		return fmt.Errorf("load ledger %s: %w", snapshots.Path(), err)
	}

	// --- Event log store ---
	decisionLog, closeLog, err := openDecisionLog(ctx, cfg, componentLogger("event_log"))
	if err != nil {
		return err
	}
	defer closeLog()

	// --- Channels ---
	// Scans block the link when full; decisions drop when the log or
	// publish queue is full.
	lines := make(chan event.Line, cfg.ScanChanSize)
	logChan := make(chan event.Decision, cfg.LogQueueSize)
	var publishChan chan event.Decision

	// --- NATS (optional) ---
	var (
		nc        *nats.Conn
		publisher *ingestion.DecisionPublisher
		topUps    *ingestion.TopUpSubscriber
	)
	if cfg.NATSEnabled() {
		conn, js, err := ingestion.ConnectNATS(cfg.NATSURL, componentLogger("nats"))
		if err != nil {
			return err
		}
		nc = conn
		defer nc.Close()

		if err := ingestion.EnsureDecisionStream(ctx, js); err != nil {
			return err
		}
		publishChan = make(chan event.Decision, cfg.LogQueueSize)
		publisher = ingestion.NewDecisionPublisher(js, publishChan, componentLogger("publisher"), metrics)

		topUps = ingestion.NewTopUpSubscriber(l, cfg.PersistTimeout*2, componentLogger("topup_subscriber"))
		if err := topUps.Subscribe(nc); err != nil {
			return err
		}
		logger.Info().Str("url", cfg.NATSURL).Msg("NATS connected")
	}

	// --- Hardware link ---
	link := ingestion.NewSerialLink(ingestion.SerialLinkConfig{
		Port:     cfg.SerialPort,
		BaudRate: cfg.SerialBaud,
	}, lines, componentLogger("serial"), metrics)
	healthChecker.SetLinkProbe(link.Connected)

	// --- Pipeline ---
	pipeline := core.NewPipeline(l, link, logChan, publishChan, componentLogger("pipeline"), metrics)

	logCfg := persistence.DefaultLogWorkerConfig()
	logCfg.BatchSize = cfg.LogBatchSize
	logCfg.FlushTimeout = cfg.LogFlushTimeout
	logWorker := persistence.NewLogWorker(decisionLog, logChan, logCfg, componentLogger("log_worker"), metrics)

	// --- Servers ---
	queryService := query.NewQueryService(l, decisionLog, pipeline, link, cfg.LogQueryCap)
	httpHandler, err := server.NewHTTPHandler(server.HTTPDeps{
		Query:          queryService,
		Ledger:         l,
		Injector:       ingestion.NewScanInjector(lines),
		Health:         healthChecker,
		StaticDir:      cfg.StaticDir,
		RequestTimeout: cfg.PersistTimeout * 2,
		Logger:         componentLogger("http"),
		Metrics:        metrics,
	})
	if err != nil {
		return err
	}
	srv := server.NewServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		HealthChecker: healthChecker,
		LinkConnected: link.Connected,
		HTTPHandler:   httpHandler,
		Logger:        componentLogger("server"),
	})

	// --- Start goroutines ---
	errChan := make(chan error, 10)

	// Workers outlive ctx: they stop when their input channel is closed
	// after the pipeline has exited, so no decision is lost at shutdown.
	var workers sync.WaitGroup
	workerCtx := context.WithoutCancel(ctx)

	// 1. Log worker
	workers.Add(1)
	go func() {
		defer workers.Done()
		if err := logWorker.Run(workerCtx); err != nil {
			errChan <- fmt.Errorf("log worker: %w", err)
		}
	}()

	// 2. Outbound publisher
	if publisher != nil {
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := publisher.Run(workerCtx); err != nil {
				errChan <- fmt.Errorf("publisher: %w", err)
			}
		}()
	}

	// 3. Authorization pipeline
	pipelineDone := make(chan struct{})
	go func() {
		defer close(pipelineDone)
		if err := pipeline.Run(ctx, lines); err != nil {
			errChan <- fmt.Errorf("pipeline: %w", err)
		}
	}()

	// 4. Serial link
	go func() {
		if err := link.Run(ctx); err != nil {
			errChan <- fmt.Errorf("serial link: %w", err)
		}
	}()

	// 5. Reconciler
	go runReconciler(ctx, l, cfg.ReconcileInterval, componentLogger("reconciler"))

	// 6. gRPC health server
	go func() {
		if err := srv.StartGRPC(ctx); err != nil {
			errChan <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	// 7. HTTP surface
	go func() {
		if err := srv.StartHTTP(ctx); err != nil {
			errChan <- fmt.Errorf("http server: %w", err)
		}
	}()

	// 8. Prometheus metrics server
	go func() {
		if err := serveMetrics(ctx, cfg.MetricsAddr, logger); err != nil {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	// Mark service as ready after all goroutines started
	healthChecker.SetReady(true)
	srv.SyncHealth()

	logger.Info().
		Int("accounts", len(l.Balances())).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("TollLedger ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop intake, let the in-flight scan finish, drain the queues, then
	// take the final ledger write.
	healthChecker.SetReady(false)
	cancel()

	if topUps != nil {
		topUps.Stop()
	}
	<-pipelineDone

	close(logChan)
	if publishChan != nil {
		close(publishChan)
	}

	drained := make(chan struct{})
	go func() {
		workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(30 * time.Second):
		logger.Warn().Msg("log drain timed out")
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), cfg.PersistTimeout*2)
	defer closeCancel()
	if err := l.Close(closeCtx); err != nil {
		logger.Error().Err(err).Bool("inconsistency", true).Msg("final ledger flush failed")
	} else {
		logger.Info().Msg("final ledger flush complete")
	}

	logger.Info().Msg("TollLedger shutdown complete")
	return nil
}

// openDecisionLog opens the configured event log backend. The returned
// function releases its connections.
func openDecisionLog(ctx context.Context, cfg config.Config, logger zerolog.Logger) (persistence.DecisionLog, func(), error) {
	switch cfg.LogBackend {
	case config.BackendPostgres:
		db, err := sql.Open("postgres", cfg.PostgresURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres open: %w", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		store := persistence.NewPostgresDecisionStore(db)
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := store.Ping(pingCtx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("postgres ping: %w", err)
		}
		logger.Info().Msg("Postgres connected")

		if cfg.AutoMigrate {
			migrator := persistence.NewMigrator(db, persistence.Migrations(), logger)
			if err := migrator.Up(ctx); err != nil {
				db.Close()
				return nil, nil, fmt.Errorf("run migrations: %w", err)
			}
		}
		return store, func() { db.Close() }, nil

	case config.BackendMongo:
		client, err := persistence.ConnectMongo(ctx, cfg.MongoURI)
		if err != nil {
			return nil, nil, err
		}
		store := persistence.NewMongoDecisionStore(client, cfg.MongoDatabase, cfg.MongoCollection)
		if err := store.EnsureIndexes(ctx); err != nil {
			logger.Warn().Err(err).Msg("mongo indexes not created")
		}
		logger.Info().Str("database", cfg.MongoDatabase).Str("collection", cfg.MongoCollection).Msg("MongoDB connected")

		closeFn := func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := store.Close(closeCtx); err != nil {
				logger.Warn().Err(err).Msg("mongo disconnect")
			}
		}
		return store, closeFn, nil

	default:
		logger.Warn().Msg("using in-memory event log; history is lost on restart")
		return persistence.NewMemoryDecisionStore(cfg.LogQueryCap * 20), func() {}, nil
	}
}

// runReconciler rewrites the snapshot whenever the ledger is ahead of it.
func runReconciler(ctx context.Context, l *ledger.Ledger, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !l.Dirty() {
				continue
			}
			if err := l.Flush(ctx); err != nil {
				logger.Error().Err(err).Bool("inconsistency", true).Msg("reconcile flush failed")
				continue
			}
			logger.Info().Msg("ledger reconciled to snapshot")
		}
	}
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              addr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		metricsServer.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
