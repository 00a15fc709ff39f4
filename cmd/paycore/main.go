package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kelseyhightower/envconfig"

	"paycore/internal/audit"
	"paycore/internal/common/database"
	"paycore/internal/common/middleware"
	"paycore/internal/common/money"
	"paycore/internal/common/natsconn"
	"paycore/internal/gateway"
	"paycore/internal/gateway/cardnet"
	"paycore/internal/gateway/momopay"
	"paycore/internal/gateway/wirebank"
	"paycore/internal/payment"
	"paycore/internal/settlement"
	"paycore/internal/webhook"
)

// Config holds service configuration
type Config struct {
	Port        int    `envconfig:"PAYCORE_PORT" default:"8090"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	MigrationsPath string        `envconfig:"MIGRATIONS_PATH" default:"file://migrations"`
	IdempotencyTTL time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`

	Database database.Config
	NATS     natsconn.Config
	Payment  payment.Config
	Webhook  webhook.Config

	CardNet  cardnet.Config
	MomoPay  momopay.Config
	WireBank wirebank.Config
}

func main() {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if cfg.Database.Migrate {
		if err := database.RunMigrations(cfg.MigrationsPath, cfg.Database.URL, logger); err != nil {
			logger.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}
	}

	db, err := database.New(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	nc, err := natsconn.New(ctx, cfg.NATS, logger)
	if err != nil {
		logger.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()

	if _, err := nc.EnsureStream(ctx, natsconn.AuditStreamConfig()); err != nil {
		logger.Error("failed to ensure audit stream", "error", err)
		os.Exit(1)
	}

	auditSink := audit.NewSink(audit.NewPostgresStore(db.Pool()), nc, logger)

	// Stores.
	paymentStore := payment.NewStore(db.Pool())
	gatewayStore := gateway.NewStore(db.Pool())
	webhookStore := webhook.NewStore(db.Pool())
	settlementStore := settlement.NewStore(db.Pool())

	// Adapters receive the payment store as the idempotent transaction
	// mutator for webhook effects. Fee schedules come from the gateway
	// records so pricing lives in one place.
	registry := gateway.NewRegistry()
	registry.Register(cardnet.NewAdapter(cfg.CardNet, feeScheduleFor(ctx, gatewayStore, cardnet.Name, logger), paymentStore, logger))
	registry.Register(momopay.NewAdapter(cfg.MomoPay, nc.Conn(), feeScheduleFor(ctx, gatewayStore, momopay.Name, logger), paymentStore, logger))
	registry.Register(wirebank.NewAdapter(cfg.WireBank, feeScheduleFor(ctx, gatewayStore, wirebank.Name, logger), paymentStore, logger))

	// Every active gateway record must have a live adapter before we accept
	// traffic.
	records, err := gatewayStore.ListAll(ctx)
	if err != nil {
		logger.Error("failed to load gateway records", "error", err)
		os.Exit(1)
	}
	if err := registry.Validate(records); err != nil {
		logger.Error("gateway registry validation failed", "error", err)
		os.Exit(1)
	}
	logger.Info("gateway registry ready", "adapters", registry.Names())

	// Services.
	paymentService := payment.NewService(paymentStore, gatewayStore, registry, auditSink, logger, cfg.Payment)
	settlementService := settlement.NewService(settlementStore, auditSink, logger)
	webhookService := webhook.NewService(webhookStore, registry, auditSink, logger, cfg.Webhook).
		WithSettlementAccrual(paymentStore, settlementService)

	go webhookService.RunReplayLoop(ctx)

	// Handlers.
	paymentHandler := payment.NewHandler(paymentService, logger)
	settlementHandler := settlement.NewHandler(settlementService, logger)
	webhookHandler := webhook.NewHandler(webhookService, logger)

	idempotencyStore := middleware.NewPGIdempotencyStore(db.Pool())

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Compress(5))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		if err := db.HealthCheck(req.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		if err := nc.HealthCheck(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})
	r.Get("/ready", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	// Provider webhooks authenticate with signatures, not tenant headers.
	r.Group(func(r chi.Router) {
		webhookHandler.Routes(r)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.TenantExtractor)
		r.Use(middleware.RequireTenant)
		r.Use(middleware.Idempotency(idempotencyStore, cfg.IdempotencyTTL))
		paymentHandler.Routes(r)
		settlementHandler.Routes(r)
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting paycore service",
			"port", cfg.Port,
			"environment", cfg.Environment,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}

// feeScheduleFor loads a gateway's fee schedule from its record, falling back
// to a conservative default when the record is not seeded yet.
func feeScheduleFor(ctx context.Context, store *gateway.Store, name string, logger *slog.Logger) gateway.FeeSchedule {
	rec, err := store.GetByName(ctx, name)
	if err != nil {
		logger.Warn("gateway record missing, using default fee schedule", "gateway", name)
		return gateway.FeeSchedule{
			Version:    "default-v1",
			PercentBps: 290,
			FixedMinor: map[money.Currency]int64{money.USD: 30, money.EUR: 30, money.GBP: 25},
		}
	}
	return rec.FeeSchedule
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
