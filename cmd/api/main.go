package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
	"golang.org/x/sync/errgroup"

	"github.com/netpulse/backend/internal/activator"
	"github.com/netpulse/backend/internal/activator/isp"
	"github.com/netpulse/backend/internal/config"
	"github.com/netpulse/backend/internal/database"
	"github.com/netpulse/backend/internal/execution"
	"github.com/netpulse/backend/internal/ledger"
	"github.com/netpulse/backend/internal/lock"
	"github.com/netpulse/backend/internal/metrics"
	"github.com/netpulse/backend/internal/notify"
	"github.com/netpulse/backend/internal/purchase"
	"github.com/netpulse/backend/internal/validation"
)

func main() {
	if err := run(); err != nil {
		slog.Error("API stopped with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)
	if !cfg.LockEnabled {
		logger.Warn("LOCK_ENABLED=false: wallet writes are not protected across instances, run a single API instance only")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL. Ensure Postgres is running, e.g. docker compose up -d", "error", err)
		return err
	}
	slog.Info("Connected to PostgreSQL database successfully!")

	if err := database.Migrate(ctx, pool, logger); err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		// The balance cache degrades to the wallet column; the lock does not.
		slog.Warn("Redis ping failed", "addr", cfg.RedisAddr, "error", err)
	}

	m := metrics.MustNewMetrics(prometheus.DefaultRegisterer)

	mutex := lock.New(lock.NewRedisBackend(rdb, "lock:"), cfg.LockEnabled, lock.Options{
		TTL:        cfg.LockTTL,
		RetryDelay: cfg.LockRetryDelay,
		RetryCount: cfg.LockRetryCount,
	}, logger)

	// Ledger
	engine := ledger.NewEngine(ledger.NewPostgresStore(pool, 5*time.Second, 5), mutex, ledger.Options{
		MaxTransactionAmount: cfg.MaxTransactionAmount,
		Cache:                ledger.NewRedisBalanceCache(rdb, 10*time.Minute),
		Metrics:              m,
		Logger:               logger,
	})

	// Notifications
	var sink notify.Sink = notify.LogSink{Log: logger}
	if cfg.NotifyWebhookURL != "" {
		sink = notify.NewWebhookSink(cfg.NotifyWebhookURL)
	}
	notifier := notify.NewDispatcher(sink, notify.DispatcherOptions{FlushInterval: cfg.NotifyFlushInterval, Logger: logger})

	// Queue: the River client is attached after the worker exists (breaks init cycle)
	queue := execution.NewQueue(cfg.QueueMaxAttempts)
	renewer := isp.NewPortalRenewer(isp.Config{
		BaseURL:    cfg.ISPPortalURL,
		Username:   cfg.ISPPortalUser,
		Password:   cfg.ISPPortalPassword,
		ChromePath: cfg.ChromePath,
		Headless:   cfg.Headless,
	}, logger)
	defer renewer.Close()

	repo := purchase.NewPostgresRepository(pool)
	saga := purchase.NewOrchestrator(engine, repo, mutex, serviceHandlers(cfg, repo, queue), purchase.Options{
		AutoRefund: cfg.AutoRefundEnabled,
		PurchaseLock: lock.Options{
			TTL:        cfg.PurchaseLockTTL,
			RetryDelay: cfg.PurchaseLockRetryDelay,
			RetryCount: cfg.PurchaseLockRetryCount,
		},
		Notifier:  notifier,
		Canceller: queue,
		Schemas:   validation.MustNew(),
		Metrics:   m,
		Logger:    logger,
	})
	reporter := sagaReporter{saga: saga}

	workers := river.NewWorkers()
	river.AddWorker(workers, execution.NewRenewalWorker(renewer, reporter, execution.WorkerOptions{
		Timeout:   cfg.QueueJobTimeout,
		RetryBase: cfg.QueueRetryBase,
		Metrics:   m,
		Logger:    logger,
	}))
	riverClient, err := execution.NewClient(pool, workers, cfg.QueueConcurrency, logger)
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		return err
	}
	queue.Attach(riverClient)
	listener := execution.NewListener(riverClient, reporter, logger)

	srv := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           newAPIHandler(cfg, engine, saga, pool, rdb, logger),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return notifier.Run(gctx) })
	g.Go(func() error { return listener.Run(gctx) })
	g.Go(func() error { return saga.RunReconciler(gctx, cfg.ReconcileInterval, cfg.ReconcileAfter) })
	g.Go(func() error {
		if err := riverClient.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return riverClient.Stop(stopCtx)
	})
	g.Go(func() error {
		slog.Info("Starting HTTP server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	<-notifier.Done()
	slog.Info("Server stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// serviceHandlers lists one handler per service type sold.
func serviceHandlers(cfg config.Config, repo purchase.Repository, queue purchase.RenewalQueue) []purchase.Handler {
	return []purchase.Handler{
		purchase.NewHotspotHandler(repo),
		purchase.NewMobileRechargeHandler(activator.NewRechargeClient(cfg.RechargeAPIURL, cfg.RechargeAPIKey, 30*time.Second)),
		purchase.NewElectricityHandler(activator.NewElectricityClient(cfg.ElectricityAPIURL, cfg.ElectricityAPIKey, 30*time.Second)),
		purchase.NewSetTopBoxHandler(),
		purchase.NewHomeInternetHandler(repo, queue),
	}
}
