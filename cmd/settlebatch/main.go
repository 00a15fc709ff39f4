// Command settlebatch runs one settlement batch: it pays out pending
// settlements at or above the minimum amount through the cross-border
// transfer provider.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kelseyhightower/envconfig"

	"paycore/internal/audit"
	"paycore/internal/common/database"
	"paycore/internal/common/money"
	"paycore/internal/common/natsconn"
	"paycore/internal/gateway/crossbridge"
	"paycore/internal/notify"
	"paycore/internal/settlement"
)

// Config holds batch configuration.
type Config struct {
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	Database    database.Config
	NATS        natsconn.Config
	Settlement  settlement.Config
	CrossBridge crossbridge.Config
}

func main() {
	minAmount := flag.String("min", "10.00", "minimum settlement amount (major units)")
	currency := flag.String("currency", "USD", "currency of the -min threshold")
	userID := flag.String("user", "", "limit the run to one merchant")
	dryRun := flag.Bool("dry-run", false, "report eligible settlements without transferring")
	retryFailed := flag.Bool("retry-failed", false, "include failed settlements within the retry window")
	flag.Parse()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	min, err := money.ParseMajor(*minAmount, money.Currency(*currency))
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -min amount: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	db, err := database.New(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// NATS is optional for a batch run: without it, audit events still land
	// in postgres and notifications go to the log.
	var publisher *natsconn.Client
	if nc, err := natsconn.New(ctx, cfg.NATS, logger); err != nil {
		logger.Warn("NATS unavailable, continuing without event publishing", "error", err)
	} else {
		publisher = nc
		defer nc.Close()
	}

	auditSink := newAuditSink(db, publisher, logger)
	notifier := newNotifier(publisher, logger)

	store := settlement.NewStore(db.Pool())
	transfer := crossbridge.NewClient(cfg.CrossBridge, logger)
	processor := settlement.NewProcessor(store, transfer, auditSink, notifier, logger, cfg.Settlement)

	summary, err := processor.Run(ctx, settlement.Options{
		MinMinor:    min.AmountMinor,
		UserID:      *userID,
		DryRun:      *dryRun,
		RetryFailed: *retryFailed,
	})
	if err != nil {
		logger.Error("settlement batch failed", "error", err)
		os.Exit(1)
	}

	for _, o := range summary.Outcomes {
		line := fmt.Sprintf("%s  user=%s  amount=%s  status=%s", o.SettlementID, o.UserID, o.Amount, o.Status)
		if o.TransferID != "" {
			line += "  transfer=" + o.TransferID
		}
		if o.Reason != "" {
			line += "  reason=" + o.Reason
		}
		fmt.Println(line)
	}
	fmt.Printf("eligible=%d completed=%d failed=%d skipped=%d duration=%s\n",
		summary.Eligible, summary.Completed, summary.Failed, summary.Skipped, summary.Duration)

	if summary.Failed > 0 {
		os.Exit(2)
	}
}

func newAuditSink(db *database.DB, publisher *natsconn.Client, logger *slog.Logger) *audit.Sink {
	if publisher == nil {
		return audit.NewSink(audit.NewPostgresStore(db.Pool()), nil, logger)
	}
	return audit.NewSink(audit.NewPostgresStore(db.Pool()), publisher, logger)
}

func newNotifier(publisher *natsconn.Client, logger *slog.Logger) notify.Notifier {
	if publisher == nil {
		return notify.NewSink(nil, logger)
	}
	return notify.NewSink(publisher, logger)
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

	// Logs go to stderr so stdout stays clean for the outcome report.
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
