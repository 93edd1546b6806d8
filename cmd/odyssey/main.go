package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-credit/internal/app"
	"github.com/odyssey-erp/odyssey-credit/internal/creditnote"
	"github.com/odyssey-erp/odyssey-credit/internal/money"
	"github.com/odyssey-erp/odyssey-credit/internal/observability"
	"github.com/odyssey-erp/odyssey-credit/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-credit/internal/platform/db"
	"github.com/odyssey-erp/odyssey-credit/internal/shared"
	"github.com/odyssey-erp/odyssey-credit/internal/tax"
	"github.com/odyssey-erp/odyssey-credit/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		// The tax rate cache is optional; rates fall back to Postgres.
		logger.Warn("redis unavailable, tax rate cache disabled", slog.Any("error", err))
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	formatter, err := money.NewFormatter(cfg.CurrencyCode)
	if err != nil {
		logger.Error("currency formatter", slog.Any("error", err))
		os.Exit(1)
	}

	metrics := observability.NewMetrics()
	auditLogger := shared.NewAuditLogger(dbpool)
	idempotencyStore := shared.NewIdempotencyStore(dbpool)

	taxSettings := tax.NewSettings(tax.NewRepository(dbpool), redisClient, cfg.TaxCacheTTL, logger)
	taxHandler := tax.NewHandler(logger, taxSettings)

	creditRepo := creditnote.NewRepository(dbpool)
	creditService := creditnote.NewService(creditRepo, taxSettings, auditLogger, idempotencyStore, creditnote.ServiceConfig{
		Policy:  creditnote.CancellationPolicy{BlockIssuedInvoices: cfg.BlockCancelIssued},
		Logger:  logger,
		Metrics: metrics,
	})
	creditHandler := creditnote.NewHandler(logger, creditService, formatter)

	redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	inspector := asynq.NewInspector(redisOpt)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	readiness := map[string]app.Pinger{"postgres": dbpool}
	if redisClient != nil {
		readiness["redis"] = app.PingFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}

	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		CreditNoteHandler: creditHandler,
		TaxHandler:        taxHandler,
		JobHandler:        jobHandler,
		Metrics:           metrics,
		Readiness:         readiness,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr), slog.String("currency", formatter.Code()))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
