// Package cardnet provides card processing via the CardNet acquiring API.
package cardnet

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
const Name = "cardnet"

// Webhook event types emitted by CardNet.
const (
	EventChargeSucceeded = "charge.succeeded"
	EventChargeFailed    = "charge.failed"
	EventRefundSucceeded = "refund.succeeded"
	EventRefundFailed    = "refund.failed"
	EventPayoutPaid      = "payout.paid"
	EventPayoutFailed    = "payout.failed"
)

// Config holds CardNet adapter configuration.
type Config struct {
	BaseURL       string        `envconfig:"CARDNET_BASE_URL" default:"https://api.cardnet.example.com/v1"`
	APIKey        string        `envconfig:"CARDNET_API_KEY"`
	MerchantID    string        `envconfig:"CARDNET_MERCHANT_ID"`
	WebhookSecret string        `envconfig:"CARDNET_WEBHOOK_SECRET"`
	Timeout       time.Duration `envconfig:"CARDNET_TIMEOUT" default:"30s"`
}

// Adapter implements gateway.Gateway for CardNet.
type Adapter struct {
	config  Config
	client  *http.Client
	fees    gateway.FeeSchedule
	mutator gateway.TransactionMutator
	logger  *slog.Logger
}

// NewAdapter creates a new CardNet adapter.
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

type chargeRequest struct {
	MerchantID     string `json:"merchant_id"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	PaymentMethod  string `json:"payment_method"`
	Description    string `json:"description,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
}

type chargeResponse struct {
	ID             string          `json:"id"`
	Status         string          `json:"status"` // succeeded, pending, requires_action, failed
	NextActionURL  string          `json:"next_action_url,omitempty"`
	ClientSecret   string          `json:"client_secret,omitempty"`
	DeclineCode    string          `json:"decline_code,omitempty"`
	DeclineMessage string          `json:"decline_message,omitempty"`
	Raw            json.RawMessage `json:"-"`
}

// ProcessPayment charges a tokenized card. The reference number travels as the
// idempotency key, so a retried submission maps to the same CardNet charge.
func (a *Adapter) ProcessPayment(ctx context.Context, txn *domain.Transaction, method *domain.PaymentMethod) (gateway.Result, error) {
	if method == nil {
		return gateway.Failure("METHOD_REQUIRED", "card payments require a tokenized card", nil), nil
	}

	req := chargeRequest{
		MerchantID:     a.config.MerchantID,
		Amount:         txn.GrossAmount.AmountMinor,
		Currency:       string(txn.GrossAmount.Currency),
		PaymentMethod:  method.ExternalID,
		Description:    txn.Description,
		IdempotencyKey: txn.ReferenceNumber,
	}

	resp, raw, err := a.post(ctx, "/charges", txn.ReferenceNumber, req)
	if err != nil {
		return gateway.Result{}, err
	}

	switch resp.Status {
	case "succeeded", "pending":
		return gateway.Success(resp.ID, raw), nil
	case "requires_action":
		return gateway.ActionRequired(resp.ID, map[string]any{
			"next_action_url": resp.NextActionURL,
			"client_secret":   resp.ClientSecret,
		}, raw), nil
	default:
		return gateway.Failure(declineCode(resp.DeclineCode), resp.DeclineMessage, raw), nil
	}
}

// ProcessPayout pushes funds to a card via CardNet's payout endpoint.
func (a *Adapter) ProcessPayout(ctx context.Context, txn *domain.Transaction, method *domain.PaymentMethod) (gateway.Result, error) {
	if method == nil {
		return gateway.Failure("METHOD_REQUIRED", "card payouts require a tokenized card", nil), nil
	}

	req := chargeRequest{
		MerchantID:     a.config.MerchantID,
		Amount:         txn.NetAmount.AmountMinor,
		Currency:       string(txn.NetAmount.Currency),
		PaymentMethod:  method.ExternalID,
		Description:    txn.Description,
		IdempotencyKey: txn.ReferenceNumber,
	}

	resp, raw, err := a.post(ctx, "/payouts", txn.ReferenceNumber, req)
	if err != nil {
		return gateway.Result{}, err
	}

	if resp.Status == "succeeded" || resp.Status == "pending" {
		return gateway.Success(resp.ID, raw), nil
	}
	return gateway.Failure(declineCode(resp.DeclineCode), resp.DeclineMessage, raw), nil
}

// ProcessRefund reverses a captured charge, fully or partially.
func (a *Adapter) ProcessRefund(ctx context.Context, original, refund *domain.Transaction, reason string) (gateway.Result, error) {
	req := struct {
		ChargeID       string `json:"charge_id"`
		Amount         int64  `json:"amount"`
		Reason         string `json:"reason,omitempty"`
		IdempotencyKey string `json:"idempotency_key"`
	}{
		ChargeID:       original.ExternalRef,
		Amount:         refund.GrossAmount.AmountMinor,
		Reason:         reason,
		IdempotencyKey: refund.ReferenceNumber,
	}

	resp, raw, err := a.post(ctx, "/refunds", refund.ReferenceNumber, req)
	if err != nil {
		return gateway.Result{}, err
	}

	if resp.Status == "succeeded" || resp.Status == "pending" {
		return gateway.Success(resp.ID, raw), nil
	}
	return gateway.Failure(declineCode(resp.DeclineCode), resp.DeclineMessage, raw), nil
}

// AddPaymentMethod exchanges raw card credentials for a CardNet token.
func (a *Adapter) AddPaymentMethod(ctx context.Context, method *domain.PaymentMethod, credentials map[string]string) (gateway.Result, error) {
	req := struct {
		MerchantID string `json:"merchant_id"`
		Number     string `json:"number"`
		ExpMonth   string `json:"exp_month"`
		ExpYear    string `json:"exp_year"`
		CVC        string `json:"cvc"`
	}{
		MerchantID: a.config.MerchantID,
		Number:     credentials["number"],
		ExpMonth:   credentials["exp_month"],
		ExpYear:    credentials["exp_year"],
		CVC:        credentials["cvc"],
	}

	var resp struct {
		ID       string `json:"id"`
		Brand    string `json:"brand"`
		LastFour string `json:"last4"`
		Error    string `json:"error,omitempty"`
	}
	raw, err := a.postRaw(ctx, "/tokens", "", req, &resp)
	if err != nil {
		return gateway.Result{}, err
	}
	if resp.Error != "" {
		return gateway.Failure("TOKENIZATION_FAILED", resp.Error, raw), nil
	}

	result := gateway.Success(resp.ID, raw)
	result.ActionData = map[string]any{
		"display_label": resp.Brand,
		"last_four":     resp.LastFour,
	}
	return result, nil
}

// VerifyPaymentMethod runs a zero-amount authorization against the token.
func (a *Adapter) VerifyPaymentMethod(ctx context.Context, method *domain.PaymentMethod) (gateway.Result, error) {
	req := struct {
		MerchantID    string `json:"merchant_id"`
		PaymentMethod string `json:"payment_method"`
	}{MerchantID: a.config.MerchantID, PaymentMethod: method.ExternalID}

	var resp struct {
		Verified bool   `json:"verified"`
		Error    string `json:"error,omitempty"`
	}
	raw, err := a.postRaw(ctx, "/tokens/verify", "", req, &resp)
	if err != nil {
		return gateway.Result{}, err
	}
	if !resp.Verified {
		return gateway.Failure("VERIFICATION_FAILED", resp.Error, raw), nil
	}
	return gateway.Success(method.ExternalID, raw), nil
}

// RemovePaymentMethod detaches the token.
func (a *Adapter) RemovePaymentMethod(ctx context.Context, method *domain.PaymentMethod) (gateway.Result, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, a.config.BaseURL+"/tokens/"+method.ExternalID, nil)
	if err != nil {
		return gateway.Result{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.config.APIKey)

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return gateway.Result{}, fmt.Errorf("cardnet detach: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 500 {
		return gateway.Result{}, fmt.Errorf("cardnet detach: status %d", httpResp.StatusCode)
	}
	return gateway.Success(method.ExternalID, nil), nil
}

// VerifyWebhookSignature checks the hex HMAC-SHA256 of the raw payload against
// the shared webhook secret. Fails closed when no secret is configured.
func (a *Adapter) VerifyWebhookSignature(payload []byte, signature string, headers http.Header) bool {
	if a.config.WebhookSecret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(a.config.WebhookSecret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

type webhookEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID             string `json:"id"`
			DeclineCode    string `json:"decline_code,omitempty"`
			DeclineMessage string `json:"decline_message,omitempty"`
		} `json:"object"`
	} `json:"data"`
}

// ParseWebhook implements gateway.Gateway.
func (a *Adapter) ParseWebhook(payload []byte) (string, string, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return "", "", fmt.Errorf("malformed cardnet webhook: %w", err)
	}
	if env.ID == "" || env.Type == "" {
		return "", "", errors.New("cardnet webhook missing id or type")
	}
	return env.Type, env.ID, nil
}

// ProcessWebhook applies the business effect of a CardNet event through the
// idempotent transaction mutator.
func (a *Adapter) ProcessWebhook(ctx context.Context, eventType string, payload []byte) (gateway.Result, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return gateway.Result{}, fmt.Errorf("malformed cardnet webhook: %w", err)
	}
	externalID := env.Data.Object.ID

	switch eventType {
	case EventChargeSucceeded, EventRefundSucceeded, EventPayoutPaid:
		txnID, err := a.mutator.CompleteByExternalID(ctx, Name, externalID, payload)
		if err != nil {
			return gateway.Result{}, err
		}
		result := gateway.Success(externalID, payload)
		result.TransactionID = txnID
		return result, nil

	case EventChargeFailed, EventRefundFailed, EventPayoutFailed:
		code := declineCode(env.Data.Object.DeclineCode)
		txnID, err := a.mutator.FailByExternalID(ctx, Name, externalID, code, env.Data.Object.DeclineMessage, payload)
		if err != nil {
			return gateway.Result{}, err
		}
		result := gateway.Success(externalID, payload)
		result.TransactionID = txnID
		return result, nil

	default:
		a.logger.Info("ignoring unhandled cardnet event", "type", eventType, "event_id", env.ID)
		return gateway.Success(externalID, payload), nil
	}
}

// GetTransactionStatus queries a charge directly, used for reconciliation.
func (a *Adapter) GetTransactionStatus(ctx context.Context, externalID string) (gateway.Result, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.config.BaseURL+"/charges/"+externalID, nil)
	if err != nil {
		return gateway.Result{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.config.APIKey)

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return gateway.Result{}, fmt.Errorf("cardnet status: %w", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return gateway.Result{}, err
	}
	if httpResp.StatusCode >= 500 {
		return gateway.Result{}, fmt.Errorf("cardnet status: %d", httpResp.StatusCode)
	}

	var resp chargeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return gateway.Result{}, fmt.Errorf("cardnet status response: %w", err)
	}

	if resp.Status == "succeeded" {
		return gateway.Success(resp.ID, raw), nil
	}
	if resp.Status == "failed" {
		return gateway.Failure(declineCode(resp.DeclineCode), resp.DeclineMessage, raw), nil
	}
	// Still in flight: report as failure-free but unsucceeded.
	return gateway.Result{ExternalID: resp.ID, RawResponse: raw, ErrorCode: "PENDING"}, nil
}

// CalculateFees implements gateway.Gateway.
func (a *Adapter) CalculateFees(amount money.Money) (gateway.FeeBreakdown, error) {
	return a.fees.Calculate(amount)
}

// SupportedCurrencies implements gateway.Gateway.
func (a *Adapter) SupportedCurrencies() []money.Currency {
	return []money.Currency{money.USD, money.EUR, money.GBP, money.JPY}
}

// SupportedCountries implements gateway.Gateway.
func (a *Adapter) SupportedCountries() []string {
	return []string{"US", "GB", "DE", "FR", "JP"}
}

// ValidateCredentials pings the authenticated merchant endpoint.
func (a *Adapter) ValidateCredentials(ctx context.Context) error {
	if a.config.APIKey == "" || a.config.MerchantID == "" {
		return errors.New("cardnet credentials not configured")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.config.BaseURL+"/merchants/"+a.config.MerchantID, nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.config.APIKey)

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("cardnet credentials check: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusUnauthorized || httpResp.StatusCode == http.StatusForbidden {
		return errors.New("cardnet credentials rejected")
	}
	return nil
}

func (a *Adapter) post(ctx context.Context, path, idempotencyKey string, body any) (*chargeResponse, json.RawMessage, error) {
	var resp chargeResponse
	raw, err := a.postRaw(ctx, path, idempotencyKey, body, &resp)
	if err != nil {
		return nil, nil, err
	}
	return &resp, raw, nil
}

func (a *Adapter) postRaw(ctx context.Context, path, idempotencyKey string, body, out any) (json.RawMessage, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.config.APIKey)
	if idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	}

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("cardnet request: %w", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("cardnet response: %w", err)
	}
	if httpResp.StatusCode >= 500 {
		return nil, fmt.Errorf("cardnet %s: status %d", path, httpResp.StatusCode)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("cardnet %s response: %w", path, err)
	}
	return raw, nil
}

func declineCode(code string) string {
	if code == "" {
		return "CARD_DECLINED"
	}
	return code
}

var _ gateway.Gateway = (*Adapter)(nil)
