package service

import (
	"context"
	"encoding/json"
	"testing"

	"p2p-settlement-gateway/internal/core/domain"
	"p2p-settlement-gateway/internal/core/ports"
	"p2p-settlement-gateway/internal/core/ports/mocks"
	"p2p-settlement-gateway/pkg/apperror"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type settlementTestDeps struct {
	svc          *SettlementServiceImpl
	txRepo       *mocks.MockTransactionRepository
	walletRepo   *mocks.MockWalletRepository
	currencyRepo *mocks.MockCurrencyRepository
	cache        *mocks.MockIdempotencyCache
	transactor   *mocks.MockDBTransactor
	publisher    *mocks.MockEventPublisher
	ctrl         *gomock.Controller
}

func setupSettlementService(t *testing.T) *settlementTestDeps {
	ctrl := gomock.NewController(t)
	d := &settlementTestDeps{
		txRepo:       mocks.NewMockTransactionRepository(ctrl),
		walletRepo:   mocks.NewMockWalletRepository(ctrl),
		currencyRepo: mocks.NewMockCurrencyRepository(ctrl),
		cache:        mocks.NewMockIdempotencyCache(ctrl),
		transactor:   mocks.NewMockDBTransactor(ctrl),
		publisher:    mocks.NewMockEventPublisher(ctrl),
		ctrl:         ctrl,
	}
	d.svc = NewSettlementService(
		d.txRepo, d.walletRepo, d.currencyRepo, d.cache,
		d.transactor, d.publisher, zerolog.Nop(),
	)
	return d
}

// mockTx implements pgx.Tx for testing
type mockTx struct{ pgx.Tx }

func (m *mockTx) Rollback(_ context.Context) error { return nil }
func (m *mockTx) Commit(_ context.Context) error   { return nil }

func usdt() *domain.Currency {
	return &domain.Currency{Code: "USDT", Precision: 8, Active: true}
}

func existingBalance(userID uuid.UUID, available, frozen string) *domain.WalletBalance {
	av := decimal.RequireFromString(available)
	fr := decimal.RequireFromString(frozen)
	return &domain.WalletBalance{
		ID:        uuid.New(),
		UserID:    userID,
		Currency:  "USDT",
		Available: av,
		Frozen:    fr,
		Total:     av.Add(fr),
	}
}

func creditRequest(userID uuid.UUID, reference string) ports.SettleRequest {
	return ports.SettleRequest{
		Reference: reference,
		UserID:    userID,
		Currency:  "USDT",
		Amount:    decimal.RequireFromString("100"),
		Fee:       decimal.RequireFromString("1"),
		Direction: domain.DirectionCredit,
		Source:    domain.TransactionTypeOrderSettlement,
		Actor:     "order-engine",
	}
}

func TestSettlementService_Settle_CreditSuccess(t *testing.T) {
	d := setupSettlementService(t)
	defer d.ctrl.Finish()

	ctx := context.Background()
	userID := uuid.New()
	req := creditRequest(userID, "ORDER-1001")
	balance := existingBalance(userID, "10", "0")

	d.currencyRepo.EXPECT().GetByCode(ctx, "USDT").Return(usdt(), nil)
	d.cache.EXPECT().Get(ctx, "ORDER-1001").Return(nil, nil)
	d.txRepo.EXPECT().GetByReference(ctx, "ORDER-1001").Return(nil, nil)
	d.transactor.EXPECT().Begin(ctx).Return(&mockTx{}, nil)
	d.txRepo.EXPECT().Create(ctx, gomock.Any(), gomock.Any()).Return(nil)
	d.walletRepo.EXPECT().GetForUpdate(ctx, gomock.Any(), userID, "USDT").Return(balance, nil)

	d.walletRepo.EXPECT().
		UpdateBalances(ctx, gomock.Any(), balance.ID, gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ pgx.Tx, _ uuid.UUID, available, frozen, total decimal.Decimal) error {
			assert.True(t, available.Equal(decimal.RequireFromString("109")))
			assert.True(t, frozen.IsZero())
			assert.True(t, total.Equal(decimal.RequireFromString("109")))
			return nil
		})

	d.walletRepo.EXPECT().
		AppendWalletTransaction(ctx, gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ pgx.Tx, wt *domain.WalletTransaction) error {
			assert.Equal(t, domain.WalletTxCredit, wt.Type)
			assert.True(t, wt.Amount.Equal(decimal.RequireFromString("99")), "wallet moves the net of the fee")
			assert.True(t, wt.AvailableBefore.Equal(decimal.RequireFromString("10")))
			assert.True(t, wt.AvailableAfter.Equal(decimal.RequireFromString("109")))
			assert.Equal(t, "ORDER-1001", wt.ReferenceID)
			return nil
		})

	d.walletRepo.EXPECT().
		AppendGLEntries(ctx, gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ pgx.Tx, entries []domain.GLEntry) error {
			require.Len(t, entries, 4)
			credits, debits := decimal.Zero, decimal.Zero
			for _, e := range entries {
				if e.EntryType == domain.GLCredit {
					credits = credits.Add(e.Amount)
				} else {
					debits = debits.Add(e.Amount)
				}
			}
			assert.True(t, credits.Equal(debits))
			return nil
		})

	d.cache.EXPECT().Set(ctx, "ORDER-1001", gomock.Any(), settlementCacheTTL).Return(nil)
	d.publisher.EXPECT().
		Publish(ctx, gomock.Any()).
		DoAndReturn(func(_ context.Context, event domain.Event) error {
			assert.Equal(t, domain.EventPaymentProcessed, event.Type)
			require.NotNil(t, event.Payment)
			assert.Equal(t, "ORDER-1001", event.Payment.ExternalReference)
			return nil
		})

	txn, err := d.svc.Settle(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusCompleted, txn.Status)
	assert.Equal(t, "ORDER-1001", txn.ExternalReference)
	assert.True(t, txn.Amount.Equal(decimal.RequireFromString("100")), "transaction records the gross amount")
	assert.True(t, txn.Fee.Equal(decimal.RequireFromString("1")))
}

func TestSettlementService_Settle_CachedFastPath(t *testing.T) {
	d := setupSettlementService(t)
	defer d.ctrl.Finish()

	ctx := context.Background()
	userID := uuid.New()
	req := creditRequest(userID, "DEP-50")

	cached := &domain.Transaction{ID: uuid.New(), UserID: userID, ExternalReference: "DEP-50", Status: domain.TransactionStatusCompleted}
	cachedJSON, err := json.Marshal(cached)
	require.NoError(t, err)

	d.currencyRepo.EXPECT().GetByCode(ctx, "USDT").Return(usdt(), nil)
	d.cache.EXPECT().Get(ctx, "DEP-50").Return(cachedJSON, nil)

	txn, err := d.svc.Settle(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, cached.ID, txn.ID)
}

func TestSettlementService_Settle_DuplicateReferenceNoOp(t *testing.T) {
	d := setupSettlementService(t)
	defer d.ctrl.Finish()

	ctx := context.Background()
	userID := uuid.New()
	req := creditRequest(userID, "DEP-50")

	existing := &domain.Transaction{ID: uuid.New(), UserID: userID, ExternalReference: "DEP-50", Status: domain.TransactionStatusCompleted}

	d.currencyRepo.EXPECT().GetByCode(ctx, "USDT").Return(usdt(), nil)
	d.cache.EXPECT().Get(ctx, "DEP-50").Return(nil, nil)
	d.txRepo.EXPECT().GetByReference(ctx, "DEP-50").Return(existing, nil)

	txn, err := d.svc.Settle(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, existing.ID, txn.ID)
}

func TestSettlementService_Settle_InsufficientBalance(t *testing.T) {
	d := setupSettlementService(t)
	defer d.ctrl.Finish()

	ctx := context.Background()
	userID := uuid.New()
	req := ports.SettleRequest{
		Reference: "WD-1",
		UserID:    userID,
		Currency:  "USDT",
		Amount:    decimal.RequireFromString("100"),
		Direction: domain.DirectionDebit,
		Source:    domain.TransactionTypeWithdrawal,
		Actor:     "api",
	}

	d.currencyRepo.EXPECT().GetByCode(ctx, "USDT").Return(usdt(), nil)
	d.cache.EXPECT().Get(ctx, "WD-1").Return(nil, nil)
	d.txRepo.EXPECT().GetByReference(ctx, "WD-1").Return(nil, nil)
	d.transactor.EXPECT().Begin(ctx).Return(&mockTx{}, nil)
	d.txRepo.EXPECT().Create(ctx, gomock.Any(), gomock.Any()).Return(nil)
	d.walletRepo.EXPECT().GetForUpdate(ctx, gomock.Any(), userID, "USDT").Return(existingBalance(userID, "40", "0"), nil)

	_, err := d.svc.Settle(ctx, req)
	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "LED_001", appErr.Code)
}

func TestSettlementService_Settle_PrecisionExceeded(t *testing.T) {
	d := setupSettlementService(t)
	defer d.ctrl.Finish()

	ctx := context.Background()
	req := ports.SettleRequest{
		Reference: "DEP-2",
		UserID:    uuid.New(),
		Currency:  "NGN",
		Amount:    decimal.RequireFromString("10.123"),
		Direction: domain.DirectionCredit,
		Source:    domain.TransactionTypeDeposit,
	}

	d.currencyRepo.EXPECT().GetByCode(ctx, "NGN").Return(&domain.Currency{Code: "NGN", Precision: 2, Active: true}, nil)

	_, err := d.svc.Settle(ctx, req)
	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "VAL_002", appErr.Code)
}

func TestSettlementService_Settle_InactiveCurrency(t *testing.T) {
	d := setupSettlementService(t)
	defer d.ctrl.Finish()

	ctx := context.Background()
	req := creditRequest(uuid.New(), "DEP-3")

	d.currencyRepo.EXPECT().GetByCode(ctx, "USDT").Return(&domain.Currency{Code: "USDT", Precision: 8, Active: false}, nil)

	_, err := d.svc.Settle(ctx, req)
	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "VAL_003", appErr.Code)
}

func TestSettlementService_Settle_InvalidAmount(t *testing.T) {
	d := setupSettlementService(t)
	defer d.ctrl.Finish()

	req := creditRequest(uuid.New(), "DEP-4")
	req.Amount = decimal.Zero

	_, err := d.svc.Settle(context.Background(), req)
	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "VAL_001", appErr.Code)
}

func TestSettlementService_Settle_FeeMustLeaveNetAmount(t *testing.T) {
	d := setupSettlementService(t)
	defer d.ctrl.Finish()

	req := creditRequest(uuid.New(), "DEP-6")
	req.Fee = req.Amount

	_, err := d.svc.Settle(context.Background(), req)
	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "VAL_001", appErr.Code)
}

func TestSettlementService_Settle_LostInsertRaceReturnsWinner(t *testing.T) {
	d := setupSettlementService(t)
	defer d.ctrl.Finish()

	ctx := context.Background()
	userID := uuid.New()
	req := creditRequest(userID, "DEP-RACE")
	winner := &domain.Transaction{ID: uuid.New(), UserID: userID, ExternalReference: "DEP-RACE", Status: domain.TransactionStatusCompleted}

	// The reference precheck ran before the winner committed, so the
	// duplicate only surfaces at insert time inside the transaction.
	d.currencyRepo.EXPECT().GetByCode(ctx, "USDT").Return(usdt(), nil)
	d.cache.EXPECT().Get(ctx, "DEP-RACE").Return(nil, nil)
	d.txRepo.EXPECT().GetByReference(ctx, "DEP-RACE").Return(nil, nil)
	d.transactor.EXPECT().Begin(ctx).Return(&mockTx{}, nil)
	d.txRepo.EXPECT().Create(ctx, gomock.Any(), gomock.Any()).Return(apperror.ErrDuplicateReference("DEP-RACE"))
	d.txRepo.EXPECT().GetByReference(ctx, "DEP-RACE").Return(winner, nil)

	txn, err := d.svc.Settle(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, winner.ID, txn.ID)
}

func TestSettlementService_Settle_CreatesWalletOnFirstCredit(t *testing.T) {
	d := setupSettlementService(t)
	defer d.ctrl.Finish()

	ctx := context.Background()
	userID := uuid.New()
	req := creditRequest(userID, "DEP-5")
	req.Fee = decimal.Zero

	d.currencyRepo.EXPECT().GetByCode(ctx, "USDT").Return(usdt(), nil)
	d.cache.EXPECT().Get(ctx, "DEP-5").Return(nil, nil)
	d.txRepo.EXPECT().GetByReference(ctx, "DEP-5").Return(nil, nil)
	d.transactor.EXPECT().Begin(ctx).Return(&mockTx{}, nil)
	d.txRepo.EXPECT().Create(ctx, gomock.Any(), gomock.Any()).Return(nil)
	d.walletRepo.EXPECT().GetForUpdate(ctx, gomock.Any(), userID, "USDT").Return(nil, nil)
	d.walletRepo.EXPECT().
		CreateInTx(ctx, gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ pgx.Tx, b *domain.WalletBalance) error {
			assert.True(t, b.Available.IsZero())
			assert.True(t, b.Total.IsZero())
			return nil
		})
	d.walletRepo.EXPECT().UpdateBalances(ctx, gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	d.walletRepo.EXPECT().AppendWalletTransaction(ctx, gomock.Any(), gomock.Any()).Return(nil)
	d.walletRepo.EXPECT().
		AppendGLEntries(ctx, gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ pgx.Tx, entries []domain.GLEntry) error {
			assert.Len(t, entries, 2)
			return nil
		})
	d.cache.EXPECT().Set(ctx, "DEP-5", gomock.Any(), settlementCacheTTL).Return(nil)
	d.publisher.EXPECT().Publish(ctx, gomock.Any()).Return(nil)

	_, err := d.svc.Settle(ctx, req)
	require.NoError(t, err)
}

func TestSettlementService_SettleInTx_SkipsCacheAndPublish(t *testing.T) {
	d := setupSettlementService(t)
	defer d.ctrl.Finish()

	ctx := context.Background()
	userID := uuid.New()
	req := creditRequest(userID, "ORDER-2002")
	tx := &mockTx{}

	d.currencyRepo.EXPECT().GetByCode(ctx, "USDT").Return(usdt(), nil)
	d.txRepo.EXPECT().GetByReference(ctx, "ORDER-2002").Return(nil, nil)
	d.txRepo.EXPECT().Create(ctx, tx, gomock.Any()).Return(nil)
	d.walletRepo.EXPECT().GetForUpdate(ctx, tx, userID, "USDT").Return(existingBalance(userID, "0", "0"), nil)
	d.walletRepo.EXPECT().UpdateBalances(ctx, tx, gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	d.walletRepo.EXPECT().AppendWalletTransaction(ctx, tx, gomock.Any()).Return(nil)
	d.walletRepo.EXPECT().AppendGLEntries(ctx, tx, gomock.Any()).Return(nil)

	txn, err := d.svc.SettleInTx(ctx, tx, req)
	require.NoError(t, err)
	assert.Equal(t, "ORDER-2002", txn.ExternalReference)
}

func TestSettlementService_Freeze_Success(t *testing.T) {
	d := setupSettlementService(t)
	defer d.ctrl.Finish()

	ctx := context.Background()
	userID := uuid.New()
	balance := existingBalance(userID, "100", "0")

	d.transactor.EXPECT().Begin(ctx).Return(&mockTx{}, nil)
	d.walletRepo.EXPECT().GetForUpdate(ctx, gomock.Any(), userID, "USDT").Return(balance, nil)
	d.walletRepo.EXPECT().
		UpdateBalances(ctx, gomock.Any(), balance.ID, gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ pgx.Tx, _ uuid.UUID, available, frozen, total decimal.Decimal) error {
			assert.True(t, available.Equal(decimal.RequireFromString("70")))
			assert.True(t, frozen.Equal(decimal.RequireFromString("30")))
			assert.True(t, total.Equal(decimal.RequireFromString("100")))
			return nil
		})
	d.walletRepo.EXPECT().
		AppendWalletTransaction(ctx, gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ pgx.Tx, wt *domain.WalletTransaction) error {
			assert.Equal(t, domain.WalletTxFreeze, wt.Type)
			return nil
		})

	err := d.svc.Freeze(ctx, userID, "USDT", decimal.RequireFromString("30"), "WD-PENDING-1")
	require.NoError(t, err)
}

func TestSettlementService_Freeze_Insufficient(t *testing.T) {
	d := setupSettlementService(t)
	defer d.ctrl.Finish()

	ctx := context.Background()
	userID := uuid.New()

	d.transactor.EXPECT().Begin(ctx).Return(&mockTx{}, nil)
	d.walletRepo.EXPECT().GetForUpdate(ctx, gomock.Any(), userID, "USDT").Return(existingBalance(userID, "10", "0"), nil)

	err := d.svc.Freeze(ctx, userID, "USDT", decimal.RequireFromString("30"), "WD-PENDING-2")
	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "LED_001", appErr.Code)
}

func TestSettlementService_Unfreeze_Success(t *testing.T) {
	d := setupSettlementService(t)
	defer d.ctrl.Finish()

	ctx := context.Background()
	userID := uuid.New()
	balance := existingBalance(userID, "70", "30")

	d.transactor.EXPECT().Begin(ctx).Return(&mockTx{}, nil)
	d.walletRepo.EXPECT().GetForUpdate(ctx, gomock.Any(), userID, "USDT").Return(balance, nil)
	d.walletRepo.EXPECT().
		UpdateBalances(ctx, gomock.Any(), balance.ID, gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ pgx.Tx, _ uuid.UUID, available, frozen, total decimal.Decimal) error {
			assert.True(t, available.Equal(decimal.RequireFromString("100")))
			assert.True(t, frozen.IsZero())
			assert.True(t, total.Equal(decimal.RequireFromString("100")))
			return nil
		})
	d.walletRepo.EXPECT().AppendWalletTransaction(ctx, gomock.Any(), gomock.Any()).Return(nil)

	err := d.svc.Unfreeze(ctx, userID, "USDT", decimal.RequireFromString("30"), "WD-PENDING-1")
	require.NoError(t, err)
}

func TestSettlementService_VerifyLedger_Clean(t *testing.T) {
	d := setupSettlementService(t)
	defer d.ctrl.Finish()

	ctx := context.Background()
	userID := uuid.New()
	balance := existingBalance(userID, "99", "0")

	movements := []domain.WalletTransaction{
		{Type: domain.WalletTxCredit, Amount: decimal.RequireFromString("100")},
		{Type: domain.WalletTxDebit, Amount: decimal.RequireFromString("1")},
	}

	d.walletRepo.EXPECT().GetBalance(ctx, userID, "USDT").Return(balance, nil)
	d.walletRepo.EXPECT().ListWalletTransactions(ctx, userID, "USDT").Return(movements, nil)

	require.NoError(t, d.svc.VerifyLedger(ctx, userID, "USDT"))
}

func TestSettlementService_VerifyLedger_Drift(t *testing.T) {
	d := setupSettlementService(t)
	defer d.ctrl.Finish()

	ctx := context.Background()
	userID := uuid.New()
	balance := existingBalance(userID, "50", "0")

	movements := []domain.WalletTransaction{
		{Type: domain.WalletTxCredit, Amount: decimal.RequireFromString("100")},
	}

	d.walletRepo.EXPECT().GetBalance(ctx, userID, "USDT").Return(balance, nil)
	d.walletRepo.EXPECT().ListWalletTransactions(ctx, userID, "USDT").Return(movements, nil)

	err := d.svc.VerifyLedger(ctx, userID, "USDT")
	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "INT_003", appErr.Code)
}

func TestSettlementService_VerifyEntries_Unbalanced(t *testing.T) {
	d := setupSettlementService(t)
	defer d.ctrl.Finish()

	ctx := context.Background()
	txID := uuid.New()

	d.walletRepo.EXPECT().
		SumGLByTransaction(ctx, txID).
		Return(decimal.RequireFromString("100"), decimal.RequireFromString("99"), nil)

	err := d.svc.VerifyEntries(ctx, txID)
	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "INT_002", appErr.Code)
}

func TestSettlementService_VerifyEntries_Balanced(t *testing.T) {
	d := setupSettlementService(t)
	defer d.ctrl.Finish()

	ctx := context.Background()
	txID := uuid.New()

	d.walletRepo.EXPECT().
		SumGLByTransaction(ctx, txID).
		Return(decimal.RequireFromString("100"), decimal.RequireFromString("100"), nil)

	require.NoError(t, d.svc.VerifyEntries(ctx, txID))
}
