package postgres

import (
	"context"
	"testing"
	"time"

	"p2p-settlement-gateway/internal/core/domain"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOrder() *domain.Order {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &domain.Order{
		ExternalID:    "EXT-1001",
		UserID:        uuid.New(),
		Side:          domain.OrderSideBuy,
		TokenCurrency: "USDT",
		FiatCurrency:  "NGN",
		Quantity:      decimal.RequireFromString("100"),
		Price:         decimal.RequireFromString("1520.5"),
		Fee:           decimal.RequireFromString("1"),
		Status:        domain.OrderStatusCreated,
		Version:       0,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func orderTestColumns() []string {
	return []string{"external_id", "user_id", "side", "token_currency", "fiat_currency",
		"quantity", "price", "fee", "status", "counterparty_id", "payment_method",
		"payment_reference", "version", "created_at", "updated_at", "completed_at"}
}

func orderRow(o *domain.Order) *pgxmock.Rows {
	return pgxmock.NewRows(orderTestColumns()).AddRow(
		o.ExternalID, o.UserID, o.Side, o.TokenCurrency, o.FiatCurrency,
		o.Quantity, o.Price, o.Fee, o.Status, o.CounterpartyID,
		o.PaymentMethod, o.PaymentReference, o.Version,
		o.CreatedAt, o.UpdatedAt, o.CompletedAt,
	)
}

func TestOrderRepo_Create(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewOrderRepo(mock)
	o := newTestOrder()

	mock.ExpectExec("INSERT INTO orders").
		WithArgs(
			o.ExternalID, o.UserID, o.Side, o.TokenCurrency, o.FiatCurrency,
			o.Quantity, o.Price, o.Fee, o.Status, o.CounterpartyID,
			o.Version, o.CreatedAt, o.UpdatedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = repo.Create(context.Background(), o)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOrderRepo_GetByExternalID(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewOrderRepo(mock)
	o := newTestOrder()

	mock.ExpectQuery("SELECT .+ FROM orders WHERE external_id").
		WithArgs(o.ExternalID).
		WillReturnRows(orderRow(o))

	result, err := repo.GetByExternalID(context.Background(), o.ExternalID)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, o.ExternalID, result.ExternalID)
	assert.Equal(t, domain.OrderStatusCreated, result.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOrderRepo_GetByExternalID_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewOrderRepo(mock)

	mock.ExpectQuery("SELECT .+ FROM orders WHERE external_id").
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(orderTestColumns()))

	result, err := repo.GetByExternalID(context.Background(), "UNKNOWN")
	assert.NoError(t, err)
	assert.Nil(t, result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOrderRepo_ListByStatuses(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewOrderRepo(mock)
	o := newTestOrder()

	mock.ExpectQuery("SELECT .+ FROM orders").
		WithArgs([]string{"CREATED", "WAITING_FOR_PAYMENT"}, 50, 0).
		WillReturnRows(orderRow(o))

	orders, err := repo.ListByStatuses(context.Background(),
		[]domain.OrderStatus{domain.OrderStatusCreated, domain.OrderStatusWaitingForPayment}, 50, 0)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, o.ExternalID, orders[0].ExternalID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOrderRepo_UpdateStatusIf_Applied(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewOrderRepo(mock)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE orders SET status").
		WithArgs(domain.OrderStatusPaid, "EXT-1001", domain.OrderStatusWaitingForPayment, int64(1)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	dbTx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	applied, err := repo.UpdateStatusIf(context.Background(), dbTx, "EXT-1001",
		domain.OrderStatusWaitingForPayment, domain.OrderStatusPaid, 1)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOrderRepo_UpdateStatusIf_StaleSignal(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewOrderRepo(mock)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE orders SET status").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	dbTx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	applied, err := repo.UpdateStatusIf(context.Background(), dbTx, "EXT-1001",
		domain.OrderStatusPaid, domain.OrderStatusCompleted, 3)
	require.NoError(t, err)
	assert.False(t, applied, "order moved past expected state, write must not apply")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOrderRepo_SetPaymentDetails(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewOrderRepo(mock)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE orders SET payment_method").
		WithArgs("bank_transfer", "PAY-77", "EXT-1001").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	dbTx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	err = repo.SetPaymentDetails(context.Background(), dbTx, "EXT-1001", "bank_transfer", "PAY-77")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
