// Package crossbridge is the client for the CrossBridge cross-border transfer
// API, used by the settlement batch to move merchant funds out.
package crossbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"paycore/internal/common/money"
	"paycore/internal/gateway"
)

// Name identifies the transfer provider.
const Name = "crossbridge"

// Config holds CrossBridge client configuration.
type Config struct {
	BaseURL   string        `envconfig:"CROSSBRIDGE_BASE_URL" default:"https://api.crossbridge.example.com/v1"`
	APIToken  string        `envconfig:"CROSSBRIDGE_API_TOKEN"`
	ProfileID string        `envconfig:"CROSSBRIDGE_PROFILE_ID"`
	Timeout   time.Duration `envconfig:"CROSSBRIDGE_TIMEOUT" default:"30s"`
}

// Client implements gateway.TransferGateway against CrossBridge.
type Client struct {
	config Config
	client *http.Client
	logger *slog.Logger
}

// NewClient creates a new CrossBridge client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Name implements gateway.TransferGateway.
func (c *Client) Name() string { return Name }

// EnsureRecipient creates or reuses a recipient for the destination account.
// CrossBridge deduplicates on (profile, account details), so repeated calls
// for the same account return the same recipient id.
func (c *Client) EnsureRecipient(ctx context.Context, req gateway.RecipientRequest) (string, error) {
	body := map[string]any{
		"profile_id":     c.config.ProfileID,
		"name":           req.Name,
		"account_number": req.AccountNumber,
		"iban":           req.IBAN,
		"bank_code":      req.BankCode,
		"country":        req.Country,
		"currency":       req.Currency,
	}

	var resp struct {
		ID    string `json:"id"`
		Error string `json:"error,omitempty"`
	}
	if err := c.post(ctx, "/recipients", body, &resp); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", fmt.Errorf("crossbridge recipient: %s", resp.Error)
	}
	return resp.ID, nil
}

// Quote requests a conversion quote. Quotes are short-lived; the caller must
// create the transfer before ExpiresAt.
func (c *Client) Quote(ctx context.Context, amount money.Money, target money.Currency) (*gateway.TransferQuote, error) {
	body := map[string]any{
		"profile_id":      c.config.ProfileID,
		"source_amount":   amount.AmountMinor,
		"source_currency": amount.Currency,
		"target_currency": target,
	}

	var resp struct {
		ID           string `json:"id"`
		TargetAmount int64  `json:"target_amount"`
		Rate         string `json:"rate"`
		FeeAmount    int64  `json:"fee_amount"`
		ExpiresAt    string `json:"expires_at"`
		Error        string `json:"error,omitempty"`
	}
	if err := c.post(ctx, "/quotes", body, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("crossbridge quote: %s", resp.Error)
	}

	expires, _ := time.Parse(time.RFC3339, resp.ExpiresAt)
	return &gateway.TransferQuote{
		ID:           resp.ID,
		SourceAmount: amount,
		TargetAmount: money.New(resp.TargetAmount, target),
		Rate:         resp.Rate,
		Fee:          money.New(resp.FeeAmount, amount.Currency),
		ExpiresAt:    expires,
	}, nil
}

// CreateTransfer initiates a transfer against a quote. The reference doubles
// as CrossBridge's idempotency key.
func (c *Client) CreateTransfer(ctx context.Context, req gateway.TransferRequest) (*gateway.Transfer, error) {
	body := map[string]any{
		"quote_id":     req.QuoteID,
		"recipient_id": req.RecipientID,
		"reference":    req.Reference,
	}

	var resp transferResponse
	if err := c.post(ctx, "/transfers", body, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("crossbridge transfer: %s", resp.Error)
	}
	return resp.toTransfer(), nil
}

// FundTransfer commits funding for a created transfer from the profile
// balance. After funding the transfer is irrevocably in flight.
func (c *Client) FundTransfer(ctx context.Context, transferID string) (*gateway.Transfer, error) {
	body := map[string]any{"type": "BALANCE"}

	var resp transferResponse
	if err := c.post(ctx, "/transfers/"+transferID+"/payments", body, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("crossbridge funding: %s", resp.Error)
	}
	return resp.toTransfer(), nil
}

// GetTransferStatus fetches the current state of a transfer.
func (c *Client) GetTransferStatus(ctx context.Context, transferID string) (*gateway.Transfer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/transfers/"+transferID, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.config.APIToken)

	httpResp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("crossbridge status: %w", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}
	if httpResp.StatusCode >= 500 {
		return nil, fmt.Errorf("crossbridge status: %d", httpResp.StatusCode)
	}

	var resp transferResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("crossbridge status response: %w", err)
	}
	return resp.toTransfer(), nil
}

type transferResponse struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	FeeAmount   int64  `json:"fee_amount"`
	FeeCurrency string `json:"fee_currency"`
	Reference   string `json:"reference"`
	Error       string `json:"error,omitempty"`
}

func (r transferResponse) toTransfer() *gateway.Transfer {
	return &gateway.Transfer{
		ID:        r.ID,
		Status:    r.Status,
		ActualFee: money.New(r.FeeAmount, money.Currency(r.FeeCurrency)),
		Reference: r.Reference,
	}
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.APIToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("crossbridge request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("crossbridge response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("crossbridge %s: status %d", path, resp.StatusCode)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("crossbridge %s response: %w", path, err)
	}
	return nil
}

var _ gateway.TransferGateway = (*Client)(nil)
