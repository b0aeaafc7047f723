package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/nathanyu/limit-market/internal/config"
	"github.com/nathanyu/limit-market/internal/deal"
	"github.com/nathanyu/limit-market/internal/eventbus"
	"github.com/nathanyu/limit-market/internal/handler"
	"github.com/nathanyu/limit-market/internal/ledger"
	"github.com/nathanyu/limit-market/internal/marketdata"
	"github.com/nathanyu/limit-market/internal/matching"
	"github.com/nathanyu/limit-market/internal/middleware"
	"github.com/nathanyu/limit-market/internal/queue"
	"github.com/nathanyu/limit-market/internal/sequencer"
	"github.com/nathanyu/limit-market/internal/store"
	"github.com/nathanyu/limit-market/internal/telemetry"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("limit market exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	var cfg config.Config
	config.MustLoad(&cfg)

	logger := telemetry.InitLogger(cfg.ServiceName, slog.LevelInfo)
	logger.Info("starting limit market service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.OTelConfig.Enabled {
		shutdownTracer, err := telemetry.InitTracer(ctx, cfg.ServiceName, cfg.OTelConfig.Endpoint)
		if err != nil {
			logger.Warn("tracing disabled", slog.Any("error", err))
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := shutdownTracer(ctx); err != nil {
					logger.Error("tracer shutdown", slog.Any("error", err))
				}
			}()
		}
	}

	// --- Repositories and downstream consumers ---

	orders := store.NewOrderStore()
	trades := store.NewTradeStore()
	accounts := ledger.New(logger)
	deals := deal.NewAggregator()
	publisher := marketdata.NewPublisher(logger)

	// Persistence and settlement apply each batch as a whole and roll back
	// together; the read models only see batches that were applied.
	bus := eventbus.NewDispatcher(logger)
	store.NewOrderHandler(orders).Register(bus)
	store.NewTradeHandler(trades).Register(bus)
	accounts.Register(bus)
	deals.Register(bus)
	publisher.Register(bus)

	engineOpts := []matching.Option{
		matching.WithPermissionChecker(accounts),
		matching.WithHistoryLimit(cfg.HistoryLimit),
		matching.WithLogger(logger),
	}
	if cfg.NATSConfig.URL != "" {
		conn, err := queue.Connect(cfg.NATSConfig.URL, cfg.ServiceName, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := conn.Drain(); err != nil {
				logger.Error("nats drain", slog.Any("error", err))
			}
		}()
		engineOpts = append(engineOpts, matching.WithSink(queue.NewEventSink(conn, cfg.NATSConfig.Subject)))
		logger.Info("publishing events to nats", slog.String("subject", cfg.NATSConfig.Subject))
	}

	engine := matching.NewEngine(orders, trades, bus, engineOpts...)
	seq := sequencer.NewSequencer(engine, cfg.QueueSize, logger)

	seq.Start()
	defer seq.Stop()
	publisher.Start()
	defer publisher.Stop()

	// --- HTTP server ---

	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Tracing())
	router.Use(middleware.Metrics())
	handler.NewHandler(seq, engine, accounts, deals, publisher, logger).RegisterRoutes(router)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// --- Metrics server ---

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serve(logger, "metrics", metricsSrv) })
	g.Go(func() error { return serve(logger, "http", srv) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(srv.Shutdown(shutdownCtx), metricsSrv.Shutdown(shutdownCtx))
	})
	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("limit market service stopped")
	return nil
}

func serve(logger *slog.Logger, name string, srv *http.Server) error {
	logger.Info("server listening", slog.String("server", name), slog.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}
