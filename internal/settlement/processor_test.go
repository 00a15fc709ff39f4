package settlement

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paycore/internal/common/database"
	"paycore/internal/common/money"
	"paycore/internal/gateway"
	"paycore/internal/notify"
)

// memStore is an in-memory SettlementStore safe for the worker pool.
type memStore struct {
	mu          sync.Mutex
	settlements map[string]*Settlement
	accounts    map[string]*BankAccount
	defaults    map[string]string // tenant/user -> account id
}

func newMemStore() *memStore {
	return &memStore{
		settlements: make(map[string]*Settlement),
		accounts:    make(map[string]*BankAccount),
		defaults:    make(map[string]string),
	}
}

func (m *memStore) Create(ctx context.Context, st *Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.settlements[st.ID]; exists {
		return database.ErrAlreadyExists
	}
	m.settlements[st.ID] = st
	return nil
}

func (m *memStore) Update(ctx context.Context, st *Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settlements[st.ID] = st
	return nil
}

func (m *memStore) Get(ctx context.Context, tenantID, id string) (*Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.settlements[id]
	if !ok || st.TenantID != tenantID {
		return nil, database.ErrNotFound
	}
	return st, nil
}

func (m *memStore) ListPending(ctx context.Context, minMinor int64, userID string) ([]*Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Settlement
	for _, st := range m.settlements {
		if st.Status != StatusPending || st.Amount.AmountMinor < minMinor {
			continue
		}
		if userID != "" && st.UserID != userID {
			continue
		}
		out = append(out, st)
	}
	return out, nil
}

func (m *memStore) ListRetryable(ctx context.Context, userID string) ([]*Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	var out []*Settlement
	for _, st := range m.settlements {
		if !st.CanRetry(now) {
			continue
		}
		if userID != "" && st.UserID != userID {
			continue
		}
		out = append(out, st)
	}
	return out, nil
}

func (m *memStore) CreateAccount(ctx context.Context, a *BankAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.accounts[a.ID]; exists {
		return database.ErrAlreadyExists
	}
	m.accounts[a.ID] = a
	return nil
}

func (m *memStore) GetAccount(ctx context.Context, id string) (*BankAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return a, nil
}

func (m *memStore) GetDefaultAccount(ctx context.Context, tenantID, userID string) (*BankAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.defaults[tenantID+"/"+userID]
	if !ok {
		return nil, database.ErrNotFound
	}
	return m.accounts[id], nil
}

func (m *memStore) UpdateAccount(ctx context.Context, a *BankAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[a.ID] = a
	return nil
}

// fakeTransfer is a scriptable TransferGateway.
type fakeTransfer struct {
	mu sync.Mutex

	recipientErr error
	quoteErr     error
	createErr    error
	fundErr      error

	quoteFeeMinor int64
	fundStatus    string
	statusResult  *gateway.Transfer
	statusErr     error

	creates       int
	funds         int
	lastReference string
}

func (f *fakeTransfer) Name() string { return "xferco" }

func (f *fakeTransfer) EnsureRecipient(ctx context.Context, req gateway.RecipientRequest) (string, error) {
	if f.recipientErr != nil {
		return "", f.recipientErr
	}
	return "rcp_1", nil
}

func (f *fakeTransfer) Quote(ctx context.Context, amount money.Money, target money.Currency) (*gateway.TransferQuote, error) {
	if f.quoteErr != nil {
		return nil, f.quoteErr
	}
	return &gateway.TransferQuote{
		ID:           "q_1",
		SourceAmount: amount,
		Fee:          money.New(f.quoteFeeMinor, amount.Currency),
		ExpiresAt:    time.Now().Add(30 * time.Second),
	}, nil
}

func (f *fakeTransfer) CreateTransfer(ctx context.Context, req gateway.TransferRequest) (*gateway.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.creates++
	f.lastReference = req.Reference
	return &gateway.Transfer{ID: "tr_1", Status: gateway.TransferPending, Reference: req.Reference}, nil
}

func (f *fakeTransfer) FundTransfer(ctx context.Context, transferID string) (*gateway.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fundErr != nil {
		return nil, f.fundErr
	}
	f.funds++
	status := f.fundStatus
	if status == "" {
		status = gateway.TransferFunded
	}
	return &gateway.Transfer{ID: transferID, Status: status, ActualFee: money.New(f.quoteFeeMinor, money.USD)}, nil
}

func (f *fakeTransfer) GetTransferStatus(ctx context.Context, transferID string) (*gateway.Transfer, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	if f.statusResult != nil {
		return f.statusResult, nil
	}
	return &gateway.Transfer{ID: transferID, Status: gateway.TransferPending}, nil
}

// captureRecorder remembers recorded audit kinds.
type captureRecorder struct {
	mu    sync.Mutex
	kinds []string
}

func (c *captureRecorder) Record(ctx context.Context, kind, entityType, entityID string, payload any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kinds = append(c.kinds, kind)
}

func (c *captureRecorder) has(kind string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range c.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func testProcessor(t *testing.T) (*Processor, *memStore, *fakeTransfer, *captureRecorder) {
	t.Helper()
	store := newMemStore()
	transfer := &fakeTransfer{quoteFeeMinor: 150}
	recorder := &captureRecorder{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	proc := NewProcessor(store, transfer, recorder, notify.Nop{}, logger, Config{Workers: 2})
	return proc, store, transfer, recorder
}

func seedSettlement(t *testing.T, store *memStore, id string, amountMinor int64) *Settlement {
	t.Helper()
	st, err := NewSettlement(id, "tenant_1", "user_1", "txn_"+id, "", money.New(amountMinor, money.USD), money.EUR)
	require.NoError(t, err)
	require.NoError(t, store.Create(context.Background(), st))
	return st
}

func seedAccount(t *testing.T, store *memStore, verified bool) *BankAccount {
	t.Helper()
	now := time.Now().UTC()
	a := &BankAccount{
		ID:         "ba_1",
		TenantID:   "tenant_1",
		UserID:     "user_1",
		HolderName: "Ada Merchant",
		IBAN:       "DE89370400440532013000",
		Country:    "DE",
		Currency:   money.EUR,
		Verified:   verified,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, store.UpdateAccount(context.Background(), a))
	store.defaults["tenant_1/user_1"] = a.ID
	return a
}

func TestRunPaysOutPendingSettlement(t *testing.T) {
	proc, store, transfer, _ := testProcessor(t)
	st := seedSettlement(t, store, "stl_1", 9680)
	seedAccount(t, store, true)

	summary, err := proc.Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Eligible)
	assert.Equal(t, 1, summary.Completed)
	assert.Zero(t, summary.Failed)

	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, int64(9680), st.SettlementAmount.AmountMinor)
	assert.Equal(t, int64(150), st.ActualFee.AmountMinor)
	assert.Equal(t, "tr_1", st.TransferID)
	assert.Equal(t, "SETTLE-stl_1", transfer.lastReference)

	account := store.accounts["ba_1"]
	assert.Equal(t, "rcp_1", account.RecipientID, "recipient handle is cached on the account")
	assert.NotNil(t, account.LastTransferAt)
}

func TestRunSkipsUnverifiedAccount(t *testing.T) {
	proc, store, transfer, recorder := testProcessor(t)
	st := seedSettlement(t, store, "stl_1", 9680)
	seedAccount(t, store, false)

	summary, err := proc.Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, StatusPending, st.Status, "the settlement keeps accruing")
	assert.Zero(t, transfer.creates)
	assert.True(t, recorder.has("settlement.skipped"))
}

func TestRunHonorsThresholdAndUserFilter(t *testing.T) {
	proc, store, _, _ := testProcessor(t)
	seedSettlement(t, store, "stl_small", 500)
	big := seedSettlement(t, store, "stl_big", 50000)
	seedAccount(t, store, true)

	summary, err := proc.Run(context.Background(), Options{MinMinor: 1000})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Eligible, "below-threshold settlements keep accruing")
	assert.Equal(t, StatusCompleted, big.Status)

	summary, err = proc.Run(context.Background(), Options{UserID: "someone_else"})
	require.NoError(t, err)
	assert.Zero(t, summary.Eligible)
}

func TestRunDryRun(t *testing.T) {
	proc, store, transfer, _ := testProcessor(t)
	st := seedSettlement(t, store, "stl_1", 9680)
	seedAccount(t, store, true)

	summary, err := proc.Run(context.Background(), Options{DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, StatusPending, st.Status)
	assert.Zero(t, transfer.creates, "a dry run initiates nothing")
	assert.Zero(t, transfer.funds)
}

func TestRunTransferFailure(t *testing.T) {
	proc, store, transfer, recorder := testProcessor(t)
	st := seedSettlement(t, store, "stl_1", 9680)
	seedAccount(t, store, true)
	transfer.fundErr = errors.New("insufficient balance")

	summary, err := proc.Run(context.Background(), Options{})
	require.NoError(t, err, "per-settlement failures do not fail the batch")

	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, StatusFailed, st.Status)
	assert.Contains(t, st.FailureReason, "insufficient balance")
	assert.Equal(t, int64(9680), st.SettlementAmount.AmountMinor, "the fixed amount survives for retry")
	assert.Equal(t, "tr_1", st.TransferID, "the created transfer is kept for reconciliation")
	assert.True(t, recorder.has("settlement.failed"))
}

func TestRunRejectedAtFunding(t *testing.T) {
	proc, store, transfer, _ := testProcessor(t)
	st := seedSettlement(t, store, "stl_1", 9680)
	seedAccount(t, store, true)
	transfer.fundStatus = gateway.TransferFailed

	summary, err := proc.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, StatusFailed, st.Status)
}

func TestRetryReconcilesFundedTransfer(t *testing.T) {
	proc, store, transfer, _ := testProcessor(t)
	st := seedSettlement(t, store, "stl_1", 9680)
	seedAccount(t, store, true)

	// A previous run crashed after funding: the settlement is failed locally
	// but the provider says the money went out.
	require.NoError(t, st.MarkProcessing())
	st.TransferID = "tr_old"
	require.NoError(t, st.MarkFailed("process killed"))
	transfer.statusResult = &gateway.Transfer{
		ID:        "tr_old",
		Status:    gateway.TransferCompleted,
		ActualFee: money.New(175, money.USD),
	}

	summary, err := proc.Run(context.Background(), Options{RetryFailed: true})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Completed)
	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, int64(175), st.ActualFee.AmountMinor)
	assert.Zero(t, transfer.creates, "the money must not be sent twice")
}

func TestRetryInFlightTransferIsLeftAlone(t *testing.T) {
	proc, store, transfer, _ := testProcessor(t)
	st := seedSettlement(t, store, "stl_1", 9680)
	seedAccount(t, store, true)

	require.NoError(t, st.MarkProcessing())
	st.TransferID = "tr_old"
	require.NoError(t, st.MarkFailed("timeout"))
	transfer.statusResult = &gateway.Transfer{ID: "tr_old", Status: gateway.TransferPending}

	summary, err := proc.Run(context.Background(), Options{RetryFailed: true})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, StatusFailed, st.Status)
	assert.Zero(t, transfer.creates)
}

func TestRetryConfirmedFailureSendsFreshTransfer(t *testing.T) {
	proc, store, transfer, _ := testProcessor(t)
	st := seedSettlement(t, store, "stl_1", 9680)
	seedAccount(t, store, true)

	require.NoError(t, st.MarkProcessing())
	st.TransferID = "tr_old"
	require.NoError(t, st.MarkFailed("transfer rejected"))
	transfer.statusResult = &gateway.Transfer{ID: "tr_old", Status: gateway.TransferFailed}

	summary, err := proc.Run(context.Background(), Options{RetryFailed: true})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Completed)
	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, 1, transfer.creates, "a confirmed failure gets a fresh transfer")
	assert.Equal(t, "tr_1", st.TransferID)
}

func TestFeeDivergenceIsAuditedButProceeds(t *testing.T) {
	proc, store, transfer, recorder := testProcessor(t)
	st := seedSettlement(t, store, "stl_1", 10000)
	seedAccount(t, store, true)

	// A prior quote estimated a much lower fee; tolerance is 1% of the amount.
	require.NoError(t, st.MarkProcessing())
	st.EstimatedFee = money.New(100, money.USD)
	require.NoError(t, st.MarkFailed("retry me"))
	transfer.statusResult = nil
	transfer.quoteFeeMinor = 500 // diverges by 400 > 100 tolerance

	summary, err := proc.Run(context.Background(), Options{RetryFailed: true})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Completed, "divergence is flagged, not blocking")
	assert.True(t, recorder.has("settlement.fee_divergence"))
	assert.Equal(t, int64(500), st.EstimatedFee.AmountMinor, "the fresh quote replaces the estimate")
}
