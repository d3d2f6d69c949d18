// Command api runs the full SkyTrace node: HTTP surface, event log
// consumers, workflow engine, live feed and background sweeps in one
// process. Deployments that scale processing separately add cmd/worker
// replicas; the consumer group spreads deliveries across them.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/skytrace/backend/internal/api"
	"github.com/skytrace/backend/internal/bus"
	"github.com/skytrace/backend/internal/config"
	"github.com/skytrace/backend/internal/courier"
	"github.com/skytrace/backend/internal/dualwrite"
	"github.com/skytrace/backend/internal/enrich"
	"github.com/skytrace/backend/internal/graph"
	"github.com/skytrace/backend/internal/metrics"
	"github.com/skytrace/backend/internal/notify"
	"github.com/skytrace/backend/internal/orchestrator"
	"github.com/skytrace/backend/internal/parser"
	"github.com/skytrace/backend/internal/pir"
	"github.com/skytrace/backend/internal/processor"
	"github.com/skytrace/backend/internal/store"
	"github.com/skytrace/backend/internal/stream"
)

// relationalBackend is every slice of the relational store the node needs.
// *store.Store and *store.Memory both satisfy it.
type relationalBackend interface {
	dualwrite.Relational
	orchestrator.Store
	api.Relational
	notify.Recorder
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var logger *zap.Logger
	if cfg.Development() {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("node failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rel, closeRel, err := openRelational(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRel()

	gr, closeGraph, err := openGraph(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeGraph()

	redisOpts, err := redis.ParseURL(cfg.EventLogURL)
	if err != nil {
		return fmt.Errorf("event log url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	b, err := bus.New(ctx, rdb, bus.Options{
		DedupTTL: cfg.DedupTTL,
		MaxLen:   cfg.EventLogMaxLen,
	}, logger)
	if err != nil {
		return err
	}

	m := metrics.New()
	coord := dualwrite.New(rel, gr, m, logger,
		dualwrite.WithRetry(cfg.ProjectionRetryAttempts, 200*time.Millisecond))

	reconciler := dualwrite.NewReconciler(coord, logger)
	if err := reconciler.Start(ctx); err != nil {
		return err
	}
	defer reconciler.Stop()

	catalog, err := notify.LoadCatalog(cfg.TemplatesPath)
	if err != nil {
		return err
	}
	var sink notify.Sink
	if cfg.NotifyWebhookURL != "" {
		sink = notify.NewWebhookSink(cfg.NotifyWebhookURL, logger)
	} else {
		logger.Info("no notify webhook configured, logging notifications")
		sink = notify.NewLogSink(logger)
	}
	dispatcher := notify.NewDispatcher(rel, sink, catalog, m, logger, cfg.WorkerCount)
	defer dispatcher.Shutdown()

	var pirSvc pir.Service
	if cfg.PIRServiceURL != "" {
		pirSvc = pir.NewHTTP(cfg.PIRServiceURL, logger)
	} else {
		pirSvc = pir.NewMemory("LHR", "BA")
	}
	var courierSvc courier.Service
	if cfg.CourierServiceURL != "" {
		courierSvc = courier.NewHTTP(cfg.CourierServiceURL, logger)
	} else {
		courierSvc = courier.NewMemory()
	}

	enricher := enrich.NewEnricher(enrich.NewCache(24 * time.Hour))

	engine := orchestrator.New(coord, rel, pirSvc, courierSvc, dispatcher, enricher, cfg, m, logger)

	sweeper := orchestrator.NewSweeper(engine)
	if err := sweeper.Start(); err != nil {
		return err
	}
	defer sweeper.Stop()

	hub := stream.NewHub(m, logger)
	defer hub.Close()

	proc := processor.New(b, coord, engine, enricher, hub, m, logger, processor.Options{
		Workers:    cfg.WorkerCount,
		BatchSize:  int64(cfg.WorkerBatchSize),
		Block:      cfg.WorkerBlock,
		StaleClaim: cfg.StaleClaim,
	})
	proc.Start(ctx)
	defer proc.Stop()

	server := api.NewServer(b, coord, rel, parser.NewSet(), hub, m, logger, cfg)

	errc := make(chan error, 1)
	go func() { errc <- server.Start() }()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigc:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errc:
		if err != nil {
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}

// openRelational connects PostgreSQL, or the in-memory store when the URL
// is the "memory" sentinel used for local development.
func openRelational(ctx context.Context, cfg *config.Config, logger *zap.Logger) (relationalBackend, func(), error) {
	if cfg.RelationalURL == "memory" {
		logger.Warn("using in-memory relational store, data will not survive restarts")
		return store.NewMemory(), func() {}, nil
	}
	s, err := store.New(ctx, cfg.RelationalURL, logger)
	if err != nil {
		return nil, nil, err
	}
	return s, s.Close, nil
}

func openGraph(ctx context.Context, cfg *config.Config, logger *zap.Logger) (dualwrite.Graph, func(), error) {
	if cfg.GraphURL == "memory" {
		logger.Warn("using in-memory graph store, projections will not survive restarts")
		return graph.NewMemory(), func() {}, nil
	}
	s, err := graph.New(ctx, cfg.GraphURL, cfg.GraphUser, cfg.GraphPassword, logger)
	if err != nil {
		return nil, nil, err
	}
	return s, func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		if err := s.Close(closeCtx); err != nil {
			logger.Warn("graph close failed", zap.Error(err))
		}
	}, nil
}
