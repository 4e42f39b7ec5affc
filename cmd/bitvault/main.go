package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"BitVault/internal/collab"
	"BitVault/internal/config"
	"BitVault/internal/core"
	"BitVault/internal/event"
	"BitVault/internal/ledger"
	"BitVault/internal/observability"
	"BitVault/internal/persistence"
	"BitVault/internal/query"
	"BitVault/internal/server"
)

func main() {
	configPath := flag.String("config", "bitvault.toml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	os.Setenv("VAULT_LOG_LEVEL", cfg.LogLevel)

	log := observability.NewLogger("bitvault")
	log.Info().Msg("bitvault starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("postgres ping")
	}
	log.Info().Msg("postgres connected")

	migrator := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir, observability.NewLogger("migrator"))
	if err := migrator.Up(ctx); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Snapshot restore ---
	gateway := persistence.NewGateway(db, observability.NewLogger("persistence"), metrics)
	restored, err := gateway.LoadLatest(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("load latest snapshot")
	}

	var store *ledger.Store
	if restored != nil {
		store = ledger.NewStoreFromLedger(restored)
	} else {
		store = ledger.NewStore()
	}

	// --- NATS ---
	nc, err := nats.Connect(cfg.NATS.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()
	log.Info().Str("url", cfg.NATS.URL).Msg("nats connected")

	js, err := jetstream.New(nc)
	if err != nil {
		log.Fatal().Err(err).Msg("jetstream init")
	}
	if err := event.EnsureStream(ctx, js); err != nil {
		log.Fatal().Err(err).Msg("ensure event stream")
	}

	collaborators := collab.NewClient(nc, collab.DefaultSubjects(), cfg.NATS.RequestTimeout.Std())

	// --- Engine ---
	eventChan := make(chan event.Envelope, 4096)
	engine, err := core.NewEngine(store, cfg.RiskParams(), core.Collaborators{
		Verifier: collaborators,
		Indexer:  collaborators,
		Assets:   collaborators,
	}, core.Options{
		Logger:  observability.NewLogger("engine"),
		Metrics: metrics,
		Events:  eventChan,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("create engine")
	}

	queries := query.NewService(engine)
	httpServer := server.NewHTTPServer(engine, queries, healthChecker,
		observability.NewLogger("http"), metrics)
	grpcServer := server.NewGRPCServer(cfg.Server.GRPCAddr, observability.NewLogger("grpc"))
	publisher := event.NewPublisher(js, eventChan, observability.NewLogger("publisher"))

	errChan := make(chan error, 8)

	// Outbound event publisher.
	go func() {
		errChan <- publisher.Run(ctx)
	}()

	// HTTP API.
	apiServer := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: httpServer.Router(),
	}
	go func() {
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			apiServer.Shutdown(shutCtx)
		}()
		log.Info().Str("addr", cfg.Server.HTTPAddr).Msg("http server listening")
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("http server: %w", err)
		}
	}()

	// gRPC health server.
	go func() {
		errChan <- grpcServer.Start(ctx)
	}()

	// Prometheus metrics server.
	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{
			Addr:    cfg.Server.MetricsAddr,
			Handler: metricsMux,
		}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			metricsServer.Shutdown(shutCtx)
		}()
		log.Info().Str("addr", cfg.Server.MetricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	// Periodic snapshots.
	go runPeriodicSnapshots(ctx, engine, gateway, cfg.Snapshot, log)

	healthChecker.SetReady(true)
	grpcServer.SetServing(true)
	log.Info().Str("http", cfg.Server.HTTPAddr).Str("grpc", cfg.Server.GRPCAddr).
		Str("metrics", cfg.Server.MetricsAddr).Msg("bitvault ready")

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		log.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	healthChecker.SetReady(false)
	grpcServer.SetServing(false)
	cancel()

	// The final snapshot must land; losing it would lose committed state.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if _, err := gateway.Save(shutdownCtx, engine.Snapshot()); err != nil {
		log.Fatal().Err(err).Msg("final snapshot failed")
	}
	log.Info().Msg("bitvault shutdown complete")
}

func runPeriodicSnapshots(ctx context.Context, engine *core.Engine, gateway *persistence.Gateway, cfg config.SnapshotConfig, log zerolog.Logger) {
	interval := cfg.Interval.Std()
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := gateway.Save(ctx, engine.Snapshot()); err != nil {
				log.Warn().Err(err).Msg("periodic snapshot failed")
				continue
			}
			if _, err := gateway.Prune(ctx, cfg.Keep); err != nil {
				log.Warn().Err(err).Msg("snapshot prune failed")
			}
		}
	}
}
