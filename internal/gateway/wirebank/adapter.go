// Package wirebank provides bank transfer processing via the WireBank API.
package wirebank

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"paycore/internal/common/money"
	"paycore/internal/gateway"
	"paycore/internal/payment/domain"
)

// Name is the registry name of this adapter.
const Name = "wirebank"

// Notification types delivered on the webhook endpoint.
const (
	EventTransferSettled  = "transfer.settled"
	EventTransferReturned = "transfer.returned"
)

// Config holds WireBank adapter configuration.
type Config struct {
	BaseURL       string        `envconfig:"WIREBANK_BASE_URL" default:"https://api.wirebank.example.com/v2"`
	ClientID      string        `envconfig:"WIREBANK_CLIENT_ID"`
	ClientSecret  string        `envconfig:"WIREBANK_CLIENT_SECRET"`
	WebhookSecret string        `envconfig:"WIREBANK_WEBHOOK_SECRET"`
	Timeout       time.Duration `envconfig:"WIREBANK_TIMEOUT" default:"30s"`
}

// Adapter implements gateway.Gateway for WireBank.
type Adapter struct {
	config  Config
	client  *http.Client
	fees    gateway.FeeSchedule
	mutator gateway.TransactionMutator
	logger  *slog.Logger
}

// NewAdapter creates a new WireBank adapter.
func NewAdapter(cfg Config, fees gateway.FeeSchedule, mutator gateway.TransactionMutator, logger *slog.Logger) *Adapter {
	return &Adapter{
		config:  cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		fees:    fees,
		mutator: mutator,
		logger:  logger,
	}
}

// Name implements gateway.Gateway.
func (a *Adapter) Name() string { return Name }

type instruction struct {
	InstructionID string `json:"instruction_id"`
	Status        string `json:"status"` // ACCEPTED, SETTLED, RETURNED
	ReturnCode    string `json:"return_code,omitempty"`
	ReturnReason  string `json:"return_reason,omitempty"`
}

// ProcessPayment debits a verified bank account (direct debit pull). Bank
// rails are slow: an accepted instruction settles or returns days later via
// webhook.
func (a *Adapter) ProcessPayment(ctx context.Context, txn *domain.Transaction, method *domain.PaymentMethod) (gateway.Result, error) {
	if method == nil {
		return gateway.Failure("METHOD_REQUIRED", "bank payments require a linked account", nil), nil
	}
	return a.instruct(ctx, "/debits", txn.ReferenceNumber, map[string]any{
		"account_token": method.ExternalID,
		"amount":        txn.GrossAmount.AmountMinor,
		"currency":      txn.GrossAmount.Currency,
		"narrative":     txn.Description,
	})
}

// ProcessPayout credits a bank account (push).
func (a *Adapter) ProcessPayout(ctx context.Context, txn *domain.Transaction, method *domain.PaymentMethod) (gateway.Result, error) {
	if method == nil {
		return gateway.Failure("METHOD_REQUIRED", "bank payouts require a linked account", nil), nil
	}
	return a.instruct(ctx, "/credits", txn.ReferenceNumber, map[string]any{
		"account_token": method.ExternalID,
		"amount":        txn.NetAmount.AmountMinor,
		"currency":      txn.NetAmount.Currency,
		"narrative":     txn.Description,
	})
}

// ProcessRefund reverses a settled debit.
func (a *Adapter) ProcessRefund(ctx context.Context, original, refund *domain.Transaction, reason string) (gateway.Result, error) {
	return a.instruct(ctx, "/reversals", refund.ReferenceNumber, map[string]any{
		"instruction_id": original.ExternalRef,
		"amount":         refund.GrossAmount.AmountMinor,
		"reason":         reason,
	})
}

// AddPaymentMethod links a bank account and triggers micro-deposit
// verification; the method stays unverified until the deposits are confirmed.
func (a *Adapter) AddPaymentMethod(ctx context.Context, method *domain.PaymentMethod, credentials map[string]string) (gateway.Result, error) {
	var resp struct {
		AccountToken string `json:"account_token"`
		BankName     string `json:"bank_name"`
		LastFour     string `json:"last_four"`
		Error        string `json:"error,omitempty"`
	}
	raw, err := a.post(ctx, "/accounts", "", map[string]any{
		"account_number": credentials["account_number"],
		"routing_number": credentials["routing_number"],
		"holder_name":    credentials["holder_name"],
	}, &resp)
	if err != nil {
		return gateway.Result{}, err
	}
	if resp.Error != "" {
		return gateway.Failure("ACCOUNT_LINK_FAILED", resp.Error, raw), nil
	}

	result := gateway.Success(resp.AccountToken, raw)
	result.ActionData = map[string]any{
		"display_label": resp.BankName,
		"last_four":     resp.LastFour,
	}
	return result, nil
}

// VerifyPaymentMethod checks whether micro-deposits have been confirmed.
func (a *Adapter) VerifyPaymentMethod(ctx context.Context, method *domain.PaymentMethod) (gateway.Result, error) {
	var resp struct {
		Status string `json:"status"` // PENDING, VERIFIED, FAILED
	}
	raw, err := a.post(ctx, "/accounts/"+method.ExternalID+"/verify", "", map[string]any{}, &resp)
	if err != nil {
		return gateway.Result{}, err
	}
	if resp.Status != "VERIFIED" {
		return gateway.Failure("VERIFICATION_PENDING", "micro-deposits not confirmed", raw), nil
	}
	return gateway.Success(method.ExternalID, raw), nil
}

// RemovePaymentMethod unlinks the account.
func (a *Adapter) RemovePaymentMethod(ctx context.Context, method *domain.PaymentMethod) (gateway.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, a.config.BaseURL+"/accounts/"+method.ExternalID, nil)
	if err != nil {
		return gateway.Result{}, err
	}
	req.SetBasicAuth(a.config.ClientID, a.config.ClientSecret)

	resp, err := a.client.Do(req)
	if err != nil {
		return gateway.Result{}, fmt.Errorf("wirebank unlink: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return gateway.Result{}, fmt.Errorf("wirebank unlink: status %d", resp.StatusCode)
	}
	return gateway.Success(method.ExternalID, nil), nil
}

// VerifyWebhookSignature authenticates a notification. The MAC covers the
// timestamp header joined to the payload, and stale timestamps are rejected
// to blunt replay of captured notifications.
func (a *Adapter) VerifyWebhookSignature(payload []byte, signature string, headers http.Header) bool {
	if a.config.WebhookSecret == "" || signature == "" {
		return false
	}
	ts := headers.Get("X-Wirebank-Timestamp")
	if ts == "" {
		return false
	}
	sent, err := time.Parse(time.RFC3339, ts)
	if err != nil || time.Since(sent) > 5*time.Minute {
		return false
	}

	mac := hmac.New(sha256.New, []byte(a.config.WebhookSecret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

type notification struct {
	NotificationID string `json:"notification_id"`
	Type           string `json:"type"`
	InstructionID  string `json:"instruction_id"`
	ReturnCode     string `json:"return_code,omitempty"`
	ReturnReason   string `json:"return_reason,omitempty"`
}

// ParseWebhook implements gateway.Gateway.
func (a *Adapter) ParseWebhook(payload []byte) (string, string, error) {
	var n notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return "", "", fmt.Errorf("malformed wirebank notification: %w", err)
	}
	if n.NotificationID == "" || n.Type == "" {
		return "", "", errors.New("wirebank notification missing id or type")
	}
	return n.Type, n.NotificationID, nil
}

// ProcessWebhook implements gateway.Gateway.
func (a *Adapter) ProcessWebhook(ctx context.Context, eventType string, payload []byte) (gateway.Result, error) {
	var n notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return gateway.Result{}, fmt.Errorf("malformed wirebank notification: %w", err)
	}

	switch eventType {
	case EventTransferSettled:
		txnID, err := a.mutator.CompleteByExternalID(ctx, Name, n.InstructionID, payload)
		if err != nil {
			return gateway.Result{}, err
		}
		result := gateway.Success(n.InstructionID, payload)
		result.TransactionID = txnID
		return result, nil

	case EventTransferReturned:
		code := n.ReturnCode
		if code == "" {
			code = "TRANSFER_RETURNED"
		}
		txnID, err := a.mutator.FailByExternalID(ctx, Name, n.InstructionID, code, n.ReturnReason, payload)
		if err != nil {
			return gateway.Result{}, err
		}
		result := gateway.Success(n.InstructionID, payload)
		result.TransactionID = txnID
		return result, nil

	default:
		a.logger.Info("ignoring unhandled wirebank notification", "type", eventType)
		return gateway.Success(n.InstructionID, payload), nil
	}
}

// GetTransactionStatus looks up an instruction, used for reconciliation.
func (a *Adapter) GetTransactionStatus(ctx context.Context, externalID string) (gateway.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.config.BaseURL+"/instructions/"+externalID, nil)
	if err != nil {
		return gateway.Result{}, err
	}
	req.SetBasicAuth(a.config.ClientID, a.config.ClientSecret)

	httpResp, err := a.client.Do(req)
	if err != nil {
		return gateway.Result{}, fmt.Errorf("wirebank status: %w", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return gateway.Result{}, err
	}
	if httpResp.StatusCode >= 500 {
		return gateway.Result{}, fmt.Errorf("wirebank status: %d", httpResp.StatusCode)
	}

	var inst instruction
	if err := json.Unmarshal(raw, &inst); err != nil {
		return gateway.Result{}, fmt.Errorf("wirebank status response: %w", err)
	}

	switch inst.Status {
	case "SETTLED":
		return gateway.Success(inst.InstructionID, raw), nil
	case "RETURNED":
		return gateway.Failure(inst.ReturnCode, inst.ReturnReason, raw), nil
	default:
		return gateway.Result{ExternalID: inst.InstructionID, RawResponse: raw, ErrorCode: "PENDING"}, nil
	}
}

// CalculateFees implements gateway.Gateway.
func (a *Adapter) CalculateFees(amount money.Money) (gateway.FeeBreakdown, error) {
	return a.fees.Calculate(amount)
}

// SupportedCurrencies implements gateway.Gateway.
func (a *Adapter) SupportedCurrencies() []money.Currency {
	return []money.Currency{money.USD, money.EUR, money.GBP}
}

// SupportedCountries implements gateway.Gateway.
func (a *Adapter) SupportedCountries() []string {
	return []string{"US", "GB", "DE", "NL", "FR", "IE"}
}

// ValidateCredentials checks the client credential pair against the API.
func (a *Adapter) ValidateCredentials(ctx context.Context) error {
	if a.config.ClientID == "" || a.config.ClientSecret == "" {
		return errors.New("wirebank credentials not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.config.BaseURL+"/ping", nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(a.config.ClientID, a.config.ClientSecret)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("wirebank credentials check: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return errors.New("wirebank credentials rejected")
	}
	return nil
}

func (a *Adapter) instruct(ctx context.Context, path, reference string, body map[string]any) (gateway.Result, error) {
	body["reference"] = reference

	var inst instruction
	raw, err := a.post(ctx, path, reference, body, &inst)
	if err != nil {
		return gateway.Result{}, err
	}

	if inst.Status == "RETURNED" {
		code := inst.ReturnCode
		if code == "" {
			code = "TRANSFER_RETURNED"
		}
		return gateway.Failure(code, inst.ReturnReason, raw), nil
	}
	return gateway.Success(inst.InstructionID, raw), nil
}

func (a *Adapter) post(ctx context.Context, path, idempotencyKey string, body, out any) (json.RawMessage, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(a.config.ClientID, a.config.ClientSecret)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("wirebank request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("wirebank response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("wirebank %s: status %d", path, resp.StatusCode)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("wirebank %s response: %w", path, err)
	}
	return raw, nil
}

var _ gateway.Gateway = (*Adapter)(nil)
