package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"paycore/internal/audit"
	"paycore/internal/common/middleware"
	"paycore/internal/common/money"
	"paycore/internal/gateway"
	"paycore/internal/notify"
)

// SettlementStore is the persistence surface the processor depends on.
type SettlementStore interface {
	Create(ctx context.Context, st *Settlement) error
	Update(ctx context.Context, st *Settlement) error
	Get(ctx context.Context, tenantID, id string) (*Settlement, error)
	ListPending(ctx context.Context, minMinor int64, userID string) ([]*Settlement, error)
	ListRetryable(ctx context.Context, userID string) ([]*Settlement, error)
	CreateAccount(ctx context.Context, a *BankAccount) error
	GetAccount(ctx context.Context, id string) (*BankAccount, error)
	GetDefaultAccount(ctx context.Context, tenantID, userID string) (*BankAccount, error)
	UpdateAccount(ctx context.Context, a *BankAccount) error
}

var _ SettlementStore = (*Store)(nil)

// Config holds batch processor configuration.
type Config struct {
	Workers         int           `envconfig:"SETTLE_WORKERS" default:"4"`
	CallTimeout     time.Duration `envconfig:"SETTLE_CALL_TIMEOUT" default:"30s"`
	FeeToleranceBps int64         `envconfig:"SETTLE_FEE_TOLERANCE_BPS" default:"100"`
}

// Options select which settlements one batch run covers.
type Options struct {
	// MinMinor is the payout threshold; pending settlements below it are left
	// to accrue.
	MinMinor int64
	// UserID limits the run to one merchant when non-empty.
	UserID string
	// DryRun reports what would be paid without initiating transfers.
	DryRun bool
	// RetryFailed includes failed settlements inside the look-back window.
	RetryFailed bool
}

// Outcome is the per-settlement result of a batch run.
type Outcome struct {
	SettlementID string      `json:"settlement_id"`
	UserID       string      `json:"user_id"`
	Amount       money.Money `json:"amount"`
	Status       Status      `json:"status"`
	TransferID   string      `json:"transfer_id,omitempty"`
	Reason       string      `json:"reason,omitempty"`
}

// Summary aggregates a batch run.
type Summary struct {
	Eligible  int       `json:"eligible"`
	Completed int       `json:"completed"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	Outcomes  []Outcome `json:"outcomes"`
	StartedAt time.Time `json:"started_at"`
	Duration  string    `json:"duration"`
}

// Processor pays out pending settlements through the transfer provider.
type Processor struct {
	store    SettlementStore
	transfer gateway.TransferGateway
	audit    audit.Recorder
	notifier notify.Notifier
	logger   *slog.Logger
	cfg      Config
}

// NewProcessor creates a new settlement batch processor.
func NewProcessor(store SettlementStore, transfer gateway.TransferGateway, recorder audit.Recorder, notifier notify.Notifier, logger *slog.Logger, cfg Config) *Processor {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.FeeToleranceBps <= 0 {
		cfg.FeeToleranceBps = 100
	}
	return &Processor{
		store:    store,
		transfer: transfer,
		audit:    recorder,
		notifier: notifier,
		logger:   logger,
		cfg:      cfg,
	}
}

// Run executes one batch. Settlements are processed concurrently by a bounded
// worker pool; each settlement fails or completes independently, so one bad
// account never poisons the batch.
func (p *Processor) Run(ctx context.Context, opts Options) (*Summary, error) {
	started := time.Now().UTC()

	var eligible []*Settlement
	if opts.RetryFailed {
		retryable, err := p.store.ListRetryable(ctx, opts.UserID)
		if err != nil {
			return nil, fmt.Errorf("listing retryable settlements: %w", err)
		}
		eligible = append(eligible, retryable...)
	}
	pending, err := p.store.ListPending(ctx, opts.MinMinor, opts.UserID)
	if err != nil {
		return nil, fmt.Errorf("listing pending settlements: %w", err)
	}
	eligible = append(eligible, pending...)

	summary := &Summary{Eligible: len(eligible), StartedAt: started}
	if len(eligible) == 0 {
		summary.Duration = time.Since(started).String()
		return summary, nil
	}

	p.logger.Info("settlement batch starting",
		"eligible", len(eligible),
		"min_minor", opts.MinMinor,
		"dry_run", opts.DryRun,
		"retry_failed", opts.RetryFailed,
		"workers", p.cfg.Workers,
	)

	jobs := make(chan *Settlement)
	results := make(chan Outcome)

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for st := range jobs {
				results <- p.processOne(ctx, st, opts.DryRun)
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()
	go func() {
		defer close(jobs)
		for _, st := range eligible {
			select {
			case jobs <- st:
			case <-ctx.Done():
				return
			}
		}
	}()

	for outcome := range results {
		summary.Outcomes = append(summary.Outcomes, outcome)
		switch outcome.Status {
		case StatusCompleted:
			summary.Completed++
		case StatusFailed:
			summary.Failed++
		default:
			summary.Skipped++
		}
	}

	summary.Duration = time.Since(started).String()

	p.audit.Record(ctx, audit.KindBatchCompleted, audit.EntityBatchRun, started.Format(time.RFC3339), summary)
	p.logger.Info("settlement batch finished",
		"eligible", summary.Eligible,
		"completed", summary.Completed,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
		"duration", summary.Duration,
	)

	if summary.Failed > 0 && !opts.DryRun {
		p.notifier.Notify(ctx, notify.Notification{
			Severity: notify.SeverityWarning,
			Subject:  "settlement batch had failures",
			Body:     fmt.Sprintf("%d of %d settlements failed", summary.Failed, summary.Eligible),
			Fields: map[string]any{
				"eligible":  summary.Eligible,
				"completed": summary.Completed,
				"failed":    summary.Failed,
			},
		})
	}

	return summary, nil
}

// processOne moves one settlement through recipient, quote, transfer, and
// funding. Any fault marks the settlement failed with the reason; the fixed
// settlement amount survives for retry.
func (p *Processor) processOne(ctx context.Context, st *Settlement, dryRun bool) Outcome {
	ctx = middleware.WithTenantID(ctx, st.TenantID)
	outcome := Outcome{SettlementID: st.ID, UserID: st.UserID, Amount: st.Amount}

	// Failed settlements first check the provider: a transfer that went out
	// before the crash must not be sent twice.
	if st.Status == StatusFailed && st.TransferID != "" {
		if done, oc := p.reconcileTransfer(ctx, st); done {
			return oc
		}
	}

	account, err := p.resolveAccount(ctx, st)
	if err != nil {
		outcome.Status = st.Status
		outcome.Reason = err.Error()
		p.audit.Record(ctx, audit.KindSettlementSkipped, audit.EntitySettlement, st.ID, map[string]any{
			"reason": err.Error(),
		})
		return outcome
	}
	if !account.Verified {
		// Unverified destination: leave the settlement pending to accrue.
		outcome.Status = st.Status
		outcome.Reason = "bank account not verified"
		p.audit.Record(ctx, audit.KindSettlementSkipped, audit.EntitySettlement, st.ID, map[string]any{
			"reason":          "bank account not verified",
			"bank_account_id": account.ID,
		})
		p.logger.Info("skipping settlement with unverified account",
			"settlement_id", st.ID, "user_id", st.UserID)
		return outcome
	}

	if dryRun {
		outcome.Status = st.Status
		outcome.Reason = "dry run"
		return outcome
	}

	if err := st.MarkProcessing(); err != nil {
		outcome.Status = st.Status
		outcome.Reason = err.Error()
		return outcome
	}
	st.BankAccountID = account.ID
	if err := p.store.Update(ctx, st); err != nil {
		outcome.Status = st.Status
		outcome.Reason = err.Error()
		return outcome
	}
	p.audit.Record(ctx, audit.KindSettlementProcessing, audit.EntitySettlement, st.ID, st)

	if err := p.executeTransfer(ctx, st, account); err != nil {
		_ = st.MarkFailed(err.Error())
		if uerr := p.store.Update(ctx, st); uerr != nil {
			p.logger.Error("failed to persist settlement failure",
				"settlement_id", st.ID, "error", uerr)
		}
		p.audit.Record(ctx, audit.KindSettlementFailed, audit.EntitySettlement, st.ID, map[string]any{
			"reason":      st.FailureReason,
			"transfer_id": st.TransferID,
		})
		p.logger.Error("settlement failed",
			"settlement_id", st.ID, "user_id", st.UserID, "reason", st.FailureReason)

		outcome.Status = StatusFailed
		outcome.Reason = st.FailureReason
		outcome.TransferID = st.TransferID
		return outcome
	}

	now := time.Now().UTC()
	account.LastTransferAt = &now
	if err := p.store.UpdateAccount(ctx, account); err != nil {
		p.logger.Error("failed to update account transfer date",
			"bank_account_id", account.ID, "error", err)
	}

	p.audit.Record(ctx, audit.KindSettlementCompleted, audit.EntitySettlement, st.ID, st)
	p.logger.Info("settlement completed",
		"settlement_id", st.ID,
		"user_id", st.UserID,
		"amount_minor", st.SettlementAmount.AmountMinor,
		"currency", st.SettlementAmount.Currency,
		"transfer_id", st.TransferID,
	)

	outcome.Status = StatusCompleted
	outcome.TransferID = st.TransferID
	return outcome
}

// executeTransfer runs recipient -> quote -> create -> fund, persisting
// provider references as they are acquired so a crash leaves a resumable
// trail.
func (p *Processor) executeTransfer(ctx context.Context, st *Settlement, account *BankAccount) error {
	recipientID := account.RecipientID
	if recipientID == "" {
		var err error
		recipientID, err = p.call(ctx, func(cctx context.Context) (string, error) {
			return p.transfer.EnsureRecipient(cctx, gateway.RecipientRequest{
				Name:          account.HolderName,
				AccountNumber: account.AccountNumber,
				IBAN:          account.IBAN,
				BankCode:      account.BankCode,
				Country:       account.Country,
				Currency:      account.Currency,
			})
		})
		if err != nil {
			return fmt.Errorf("creating recipient: %w", err)
		}
		account.RecipientID = recipientID
		if err := p.store.UpdateAccount(ctx, account); err != nil {
			p.logger.Error("failed to cache recipient id",
				"bank_account_id", account.ID, "error", err)
		}
	}
	st.RecipientID = recipientID

	target := st.TargetCurrency
	if target == "" {
		target = account.Currency
	}

	qctx, qcancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	quote, err := p.transfer.Quote(qctx, st.SettlementAmount, target)
	qcancel()
	if err != nil {
		return fmt.Errorf("quoting transfer: %w", err)
	}
	st.QuoteID = quote.ID

	p.checkFeeDivergence(ctx, st, quote.Fee)
	st.EstimatedFee = quote.Fee

	cctx, ccancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	transfer, err := p.transfer.CreateTransfer(cctx, gateway.TransferRequest{
		QuoteID:     quote.ID,
		RecipientID: recipientID,
		Reference:   fmt.Sprintf("SETTLE-%s", st.ID),
	})
	ccancel()
	if err != nil {
		return fmt.Errorf("creating transfer: %w", err)
	}
	st.TransferID = transfer.ID
	if err := p.store.Update(ctx, st); err != nil {
		p.logger.Error("failed to persist transfer id",
			"settlement_id", st.ID, "transfer_id", transfer.ID, "error", err)
	}

	fctx, fcancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	funded, err := p.transfer.FundTransfer(fctx, transfer.ID)
	fcancel()
	if err != nil {
		return fmt.Errorf("funding transfer: %w", err)
	}
	if funded.Status == gateway.TransferFailed {
		return errors.New("transfer rejected at funding")
	}

	if err := st.MarkCompleted(funded.ActualFee); err != nil {
		return err
	}
	return p.store.Update(ctx, st)
}

// checkFeeDivergence audits a quoted fee that diverges from the previously
// estimated fee by more than the tolerance, measured against the settlement
// amount. The transfer still proceeds; the event feeds pricing review.
func (p *Processor) checkFeeDivergence(ctx context.Context, st *Settlement, quoted money.Money) {
	if st.EstimatedFee.IsZero() || st.SettlementAmount.IsZero() {
		return
	}
	diff := quoted.AmountMinor - st.EstimatedFee.AmountMinor
	if diff < 0 {
		diff = -diff
	}
	tolerance := st.SettlementAmount.Percentage(p.cfg.FeeToleranceBps)
	if diff <= tolerance.AmountMinor {
		return
	}

	p.audit.Record(ctx, audit.KindSettlementFeeDivergence, audit.EntitySettlement, st.ID, map[string]any{
		"estimated_fee_minor": st.EstimatedFee.AmountMinor,
		"quoted_fee_minor":    quoted.AmountMinor,
		"tolerance_minor":     tolerance.AmountMinor,
	})
	p.logger.Warn("settlement fee diverged from estimate",
		"settlement_id", st.ID,
		"estimated_minor", st.EstimatedFee.AmountMinor,
		"quoted_minor", quoted.AmountMinor,
	)
}

// reconcileTransfer checks the provider before retrying a failed settlement
// that already holds a transfer id. Returns true when the settlement reached
// a final state without a new transfer.
func (p *Processor) reconcileTransfer(ctx context.Context, st *Settlement) (bool, Outcome) {
	outcome := Outcome{SettlementID: st.ID, UserID: st.UserID, Amount: st.Amount, TransferID: st.TransferID}

	tctx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	transfer, err := p.transfer.GetTransferStatus(tctx, st.TransferID)
	cancel()
	if err != nil {
		outcome.Status = StatusFailed
		outcome.Reason = fmt.Sprintf("status check failed: %v", err)
		return true, outcome
	}

	switch transfer.Status {
	case gateway.TransferCompleted, gateway.TransferFunded:
		// The money already went out; finish the bookkeeping.
		if st.Status == StatusFailed {
			st.Status = StatusProcessing
		}
		if err := st.MarkCompleted(transfer.ActualFee); err == nil {
			if uerr := p.store.Update(ctx, st); uerr != nil {
				p.logger.Error("failed to persist reconciled settlement",
					"settlement_id", st.ID, "error", uerr)
			}
			p.audit.Record(ctx, audit.KindSettlementCompleted, audit.EntitySettlement, st.ID, st)
		}
		outcome.Status = StatusCompleted
		return true, outcome

	case gateway.TransferPending:
		// Still in flight at the provider; do not send again.
		outcome.Status = st.Status
		outcome.Reason = "transfer still in flight"
		return true, outcome

	default:
		// Provider confirms failure: safe to retry with a fresh transfer.
		st.TransferID = ""
		st.QuoteID = ""
		return false, outcome
	}
}

func (p *Processor) resolveAccount(ctx context.Context, st *Settlement) (*BankAccount, error) {
	if st.BankAccountID != "" {
		return p.store.GetAccount(ctx, st.BankAccountID)
	}
	return p.store.GetDefaultAccount(ctx, st.TenantID, st.UserID)
}

func (p *Processor) call(ctx context.Context, fn func(context.Context) (string, error)) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()
	return fn(cctx)
}
