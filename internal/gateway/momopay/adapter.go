// Package momopay provides mobile money processing via the MomoPay aggregator,
// spoken over NATS request-reply.
package momopay

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"

	"paycore/internal/common/money"
	"paycore/internal/gateway"
	"paycore/internal/payment/domain"
)

// Name is the registry name of this adapter.
const Name = "momopay"

// NATS subjects for the MomoPay aggregator.
const (
	SubjectCharge   = "momopay.charge"
	SubjectPayout   = "momopay.payout"
	SubjectRefund   = "momopay.refund"
	SubjectStatus   = "momopay.status"
	SubjectRegister = "momopay.wallets.register"
	SubjectVerify   = "momopay.wallets.verify"
)

// Callback statuses delivered on the webhook endpoint.
const (
	EventPaymentCompleted = "payment.completed"
	EventPaymentFailed    = "payment.failed"
	EventPayoutCompleted  = "payout.completed"
	EventPayoutFailed     = "payout.failed"
)

// Config holds MomoPay adapter configuration.
type Config struct {
	ShortCode      string        `envconfig:"MOMOPAY_SHORT_CODE"`
	CallbackSecret string        `envconfig:"MOMOPAY_CALLBACK_SECRET"`
	RequestTimeout time.Duration `envconfig:"MOMOPAY_TIMEOUT" default:"30s"`
}

// Adapter implements gateway.Gateway for MomoPay.
type Adapter struct {
	config  Config
	nc      *nats.Conn
	fees    gateway.FeeSchedule
	mutator gateway.TransactionMutator
	logger  *slog.Logger
}

// NewAdapter creates a new MomoPay adapter.
func NewAdapter(cfg Config, nc *nats.Conn, fees gateway.FeeSchedule, mutator gateway.TransactionMutator, logger *slog.Logger) *Adapter {
	return &Adapter{
		config:  cfg,
		nc:      nc,
		fees:    fees,
		mutator: mutator,
		logger:  logger,
	}
}

// Name implements gateway.Gateway.
func (a *Adapter) Name() string { return Name }

type chargeRequest struct {
	ShortCode   string `json:"shortCode"`
	Reference   string `json:"reference"`
	Wallet      string `json:"wallet"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Description string `json:"description,omitempty"`
}

type chargeResponse struct {
	Success       bool   `json:"success"`
	TransactionID string `json:"transactionId"`
	Status        string `json:"status"` // PROMPTED, COMPLETED, FAILED
	ErrorCode     string `json:"errorCode,omitempty"`
	ErrorMessage  string `json:"errorMessage,omitempty"`
}

// ProcessPayment initiates an STK push to the subscriber's handset. The
// subscriber confirms with a PIN, so a successful initiation comes back as
// requires_action until the callback lands.
func (a *Adapter) ProcessPayment(ctx context.Context, txn *domain.Transaction, method *domain.PaymentMethod) (gateway.Result, error) {
	if method == nil {
		return gateway.Failure("METHOD_REQUIRED", "mobile money payments require a registered wallet", nil), nil
	}

	req := chargeRequest{
		ShortCode:   a.config.ShortCode,
		Reference:   txn.ReferenceNumber,
		Wallet:      method.ExternalID,
		Amount:      txn.GrossAmount.AmountMinor,
		Currency:    string(txn.GrossAmount.Currency),
		Description: txn.Description,
	}

	resp, raw, err := a.request(ctx, SubjectCharge, req)
	if err != nil {
		return gateway.Result{}, err
	}

	if !resp.Success {
		return gateway.Failure(errCode(resp.ErrorCode), resp.ErrorMessage, raw), nil
	}
	if resp.Status == "PROMPTED" {
		return gateway.ActionRequired(resp.TransactionID, map[string]any{
			"prompt": "subscriber PIN confirmation pending",
		}, raw), nil
	}
	return gateway.Success(resp.TransactionID, raw), nil
}

// ProcessPayout disburses to a subscriber wallet (B2C).
func (a *Adapter) ProcessPayout(ctx context.Context, txn *domain.Transaction, method *domain.PaymentMethod) (gateway.Result, error) {
	if method == nil {
		return gateway.Failure("METHOD_REQUIRED", "mobile money payouts require a registered wallet", nil), nil
	}

	req := chargeRequest{
		ShortCode: a.config.ShortCode,
		Reference: txn.ReferenceNumber,
		Wallet:    method.ExternalID,
		Amount:    txn.NetAmount.AmountMinor,
		Currency:  string(txn.NetAmount.Currency),
	}

	resp, raw, err := a.request(ctx, SubjectPayout, req)
	if err != nil {
		return gateway.Result{}, err
	}
	if !resp.Success {
		return gateway.Failure(errCode(resp.ErrorCode), resp.ErrorMessage, raw), nil
	}
	return gateway.Success(resp.TransactionID, raw), nil
}

// ProcessRefund reverses a completed mobile money collection.
func (a *Adapter) ProcessRefund(ctx context.Context, original, refund *domain.Transaction, reason string) (gateway.Result, error) {
	req := struct {
		ShortCode     string `json:"shortCode"`
		TransactionID string `json:"transactionId"`
		Reference     string `json:"reference"`
		Amount        int64  `json:"amount"`
		Reason        string `json:"reason,omitempty"`
	}{
		ShortCode:     a.config.ShortCode,
		TransactionID: original.ExternalRef,
		Reference:     refund.ReferenceNumber,
		Amount:        refund.GrossAmount.AmountMinor,
		Reason:        reason,
	}

	resp, raw, err := a.request(ctx, SubjectRefund, req)
	if err != nil {
		return gateway.Result{}, err
	}
	if !resp.Success {
		return gateway.Failure(errCode(resp.ErrorCode), resp.ErrorMessage, raw), nil
	}
	return gateway.Success(resp.TransactionID, raw), nil
}

// AddPaymentMethod registers a subscriber MSISDN as a wallet reference.
func (a *Adapter) AddPaymentMethod(ctx context.Context, method *domain.PaymentMethod, credentials map[string]string) (gateway.Result, error) {
	msisdn := credentials["msisdn"]
	if msisdn == "" {
		return gateway.Failure("MSISDN_REQUIRED", "mobile money methods require an msisdn", nil), nil
	}

	req := struct {
		ShortCode string `json:"shortCode"`
		MSISDN    string `json:"msisdn"`
	}{ShortCode: a.config.ShortCode, MSISDN: msisdn}

	resp, raw, err := a.request(ctx, SubjectRegister, req)
	if err != nil {
		return gateway.Result{}, err
	}
	if !resp.Success {
		return gateway.Failure(errCode(resp.ErrorCode), resp.ErrorMessage, raw), nil
	}

	result := gateway.Success(resp.TransactionID, raw)
	result.ActionData = map[string]any{
		"display_label": "Mobile wallet",
		"last_four":     lastFour(msisdn),
	}
	return result, nil
}

// VerifyPaymentMethod confirms the wallet is active and can transact.
func (a *Adapter) VerifyPaymentMethod(ctx context.Context, method *domain.PaymentMethod) (gateway.Result, error) {
	req := struct {
		ShortCode string `json:"shortCode"`
		Wallet    string `json:"wallet"`
	}{ShortCode: a.config.ShortCode, Wallet: method.ExternalID}

	resp, raw, err := a.request(ctx, SubjectVerify, req)
	if err != nil {
		return gateway.Result{}, err
	}
	if !resp.Success {
		return gateway.Failure("VERIFICATION_FAILED", resp.ErrorMessage, raw), nil
	}
	return gateway.Success(method.ExternalID, raw), nil
}

// RemovePaymentMethod is local-only; the aggregator holds no detachable state.
func (a *Adapter) RemovePaymentMethod(ctx context.Context, method *domain.PaymentMethod) (gateway.Result, error) {
	return gateway.Success(method.ExternalID, nil), nil
}

// VerifyWebhookSignature checks the hex HMAC-SHA256 of the callback body.
func (a *Adapter) VerifyWebhookSignature(payload []byte, signature string, headers http.Header) bool {
	if a.config.CallbackSecret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(a.config.CallbackSecret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

type callback struct {
	CallbackID    string `json:"callbackId"`
	Event         string `json:"event"`
	TransactionID string `json:"transactionId"`
	Reference     string `json:"reference"`
	ErrorCode     string `json:"errorCode,omitempty"`
	ErrorMessage  string `json:"errorMessage,omitempty"`
}

// ParseWebhook implements gateway.Gateway.
func (a *Adapter) ParseWebhook(payload []byte) (string, string, error) {
	var cb callback
	if err := json.Unmarshal(payload, &cb); err != nil {
		return "", "", fmt.Errorf("malformed momopay callback: %w", err)
	}
	if cb.CallbackID == "" || cb.Event == "" {
		return "", "", errors.New("momopay callback missing callbackId or event")
	}
	return cb.Event, cb.CallbackID, nil
}

// ProcessWebhook implements gateway.Gateway.
func (a *Adapter) ProcessWebhook(ctx context.Context, eventType string, payload []byte) (gateway.Result, error) {
	var cb callback
	if err := json.Unmarshal(payload, &cb); err != nil {
		return gateway.Result{}, fmt.Errorf("malformed momopay callback: %w", err)
	}

	switch eventType {
	case EventPaymentCompleted, EventPayoutCompleted:
		txnID, err := a.mutator.CompleteByExternalID(ctx, Name, cb.TransactionID, payload)
		if err != nil {
			return gateway.Result{}, err
		}
		result := gateway.Success(cb.TransactionID, payload)
		result.TransactionID = txnID
		return result, nil

	case EventPaymentFailed, EventPayoutFailed:
		txnID, err := a.mutator.FailByExternalID(ctx, Name, cb.TransactionID, errCode(cb.ErrorCode), cb.ErrorMessage, payload)
		if err != nil {
			return gateway.Result{}, err
		}
		result := gateway.Success(cb.TransactionID, payload)
		result.TransactionID = txnID
		return result, nil

	default:
		a.logger.Info("ignoring unhandled momopay event", "event", eventType, "callback_id", cb.CallbackID)
		return gateway.Success(cb.TransactionID, payload), nil
	}
}

// GetTransactionStatus queries the aggregator for a transaction's state.
func (a *Adapter) GetTransactionStatus(ctx context.Context, externalID string) (gateway.Result, error) {
	req := struct {
		ShortCode     string `json:"shortCode"`
		TransactionID string `json:"transactionId"`
	}{ShortCode: a.config.ShortCode, TransactionID: externalID}

	resp, raw, err := a.request(ctx, SubjectStatus, req)
	if err != nil {
		return gateway.Result{}, err
	}

	switch resp.Status {
	case "COMPLETED":
		return gateway.Success(resp.TransactionID, raw), nil
	case "FAILED":
		return gateway.Failure(errCode(resp.ErrorCode), resp.ErrorMessage, raw), nil
	default:
		return gateway.Result{ExternalID: resp.TransactionID, RawResponse: raw, ErrorCode: "PENDING"}, nil
	}
}

// CalculateFees implements gateway.Gateway.
func (a *Adapter) CalculateFees(amount money.Money) (gateway.FeeBreakdown, error) {
	return a.fees.Calculate(amount)
}

// SupportedCurrencies implements gateway.Gateway.
func (a *Adapter) SupportedCurrencies() []money.Currency {
	return []money.Currency{money.KES, money.NGN, money.GHS, money.XOF}
}

// SupportedCountries implements gateway.Gateway.
func (a *Adapter) SupportedCountries() []string {
	return []string{"KE", "NG", "GH", "SN", "CI"}
}

// ValidateCredentials confirms the aggregator responds for this short code.
func (a *Adapter) ValidateCredentials(ctx context.Context) error {
	if a.config.ShortCode == "" {
		return errors.New("momopay short code not configured")
	}
	req := struct {
		ShortCode string `json:"shortCode"`
	}{ShortCode: a.config.ShortCode}

	_, _, err := a.request(ctx, SubjectVerify, req)
	return err
}

func (a *Adapter) request(ctx context.Context, subject string, body any) (*chargeResponse, json.RawMessage, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, nil, err
	}

	if a.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.config.RequestTimeout)
		defer cancel()
	}

	msg, err := a.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, nil, fmt.Errorf("momopay %s: %w", subject, err)
	}

	var resp chargeResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, nil, fmt.Errorf("momopay %s response: %w", subject, err)
	}
	return &resp, msg.Data, nil
}

func errCode(code string) string {
	if code == "" {
		return "MOMO_FAILED"
	}
	return code
}

func lastFour(s string) string {
	if len(s) > 4 {
		return s[len(s)-4:]
	}
	return s
}

var _ gateway.Gateway = (*Adapter)(nil)
