package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"p2p-settlement-gateway/internal/core/domain"
	"p2p-settlement-gateway/internal/core/ports"
	"p2p-settlement-gateway/pkg/apperror"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const settlementCacheTTL = 24 * time.Hour

// SettlementServiceImpl implements ports.SettlementService. It is the sole
// writer of WalletBalance, WalletTransaction and GLEntry rows.
type SettlementServiceImpl struct {
	txRepo       ports.TransactionRepository
	walletRepo   ports.WalletRepository
	currencyRepo ports.CurrencyRepository
	cache        ports.IdempotencyCache
	transactor   ports.DBTransactor
	publisher    ports.EventPublisher
	log          zerolog.Logger
}

// NewSettlementService creates a new SettlementServiceImpl.
func NewSettlementService(
	txRepo ports.TransactionRepository,
	walletRepo ports.WalletRepository,
	currencyRepo ports.CurrencyRepository,
	cache ports.IdempotencyCache,
	transactor ports.DBTransactor,
	publisher ports.EventPublisher,
	log zerolog.Logger,
) *SettlementServiceImpl {
	return &SettlementServiceImpl{
		txRepo:       txRepo,
		walletRepo:   walletRepo,
		currencyRepo: currencyRepo,
		cache:        cache,
		transactor:   transactor,
		publisher:    publisher,
		log:          log,
	}
}

// Settle applies one ledger mutation in its own database transaction,
// idempotent on req.Reference.
func (s *SettlementServiceImpl) Settle(ctx context.Context, req ports.SettleRequest) (*domain.Transaction, error) {
	if err := s.validate(ctx, req); err != nil {
		return nil, err
	}

	// Layer 1: Redis fast path for recently settled references.
	cached, err := s.cache.Get(ctx, req.Reference)
	if err != nil {
		s.log.Warn().Err(err).Str("reference", req.Reference).Msg("settlement cache check failed, falling through to DB")
	}
	if cached != nil {
		return s.unmarshalCachedTransaction(cached)
	}

	// Layer 2: the unique external_reference row is the authoritative check.
	existing, err := s.txRepo.GetByReference(ctx, req.Reference)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("reference lookup: %w", err))
	}
	if existing != nil {
		s.log.Debug().Str("reference", req.Reference).Msg("duplicate settlement reference, returning existing transaction")
		return existing, nil
	}

	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	txn, err := s.apply(ctx, dbTx, req)
	if err != nil {
		// A racing duplicate settles exactly once: the loser of the insert
		// race rolls back and returns the winner's committed row.
		if isDuplicateReference(err) {
			_ = dbTx.Rollback(ctx)
			winner, lookupErr := s.txRepo.GetByReference(ctx, req.Reference)
			if lookupErr == nil && winner != nil {
				s.log.Debug().Str("reference", req.Reference).Msg("lost settlement race, returning winning transaction")
				return winner, nil
			}
		}
		return nil, err
	}

	if err := dbTx.Commit(ctx); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("commit tx: %w", err))
	}

	s.afterCommit(ctx, txn)
	return txn, nil
}

// SettleInTx applies the same mutation inside a caller-owned transaction.
// The caller commits and publishes its own lifecycle event; the result cache
// is skipped here, the reference row alone guarantees idempotency on replay.
func (s *SettlementServiceImpl) SettleInTx(ctx context.Context, tx pgx.Tx, req ports.SettleRequest) (*domain.Transaction, error) {
	if err := s.validate(ctx, req); err != nil {
		return nil, err
	}
	existing, err := s.txRepo.GetByReference(ctx, req.Reference)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("reference lookup: %w", err))
	}
	if existing != nil {
		s.log.Debug().Str("reference", req.Reference).Msg("duplicate settlement reference, returning existing transaction")
		return existing, nil
	}
	return s.apply(ctx, tx, req)
}

// validate enforces the numeric policy before any locking happens.
func (s *SettlementServiceImpl) validate(ctx context.Context, req ports.SettleRequest) error {
	if !req.Amount.IsPositive() || req.Fee.IsNegative() {
		return apperror.ErrInvalidAmount()
	}
	// The fee is carved out of the gross amount, so it must leave something.
	if req.Fee.IsPositive() && !req.Fee.LessThan(req.Amount) {
		return apperror.ErrInvalidAmount()
	}
	if req.Reference == "" {
		return apperror.ErrInvalidAmount()
	}
	currency, err := s.currencyRepo.GetByCode(ctx, req.Currency)
	if err != nil {
		return apperror.InternalError(fmt.Errorf("currency lookup: %w", err))
	}
	if currency == nil {
		return apperror.ErrNotFound("currency")
	}
	if !currency.Active {
		return apperror.ErrCurrencyInactive(req.Currency)
	}
	if !currency.AcceptsAmount(req.Amount) || !currency.AcceptsAmount(req.Fee) {
		return apperror.ErrPrecisionExceeded(req.Currency)
	}
	return nil
}

// apply runs the four settlement sub-steps inside tx: transaction row,
// balance update, wallet movement row, balanced GL rows. Any failure rolls
// the whole unit back.
func (s *SettlementServiceImpl) apply(ctx context.Context, tx pgx.Tx, req ports.SettleRequest) (*domain.Transaction, error) {
	now := time.Now().UTC()

	txn := &domain.Transaction{
		ID:                uuid.New(),
		UserID:            req.UserID,
		Type:              req.Source,
		Direction:         req.Direction,
		Amount:            req.Amount,
		Fee:               req.Fee,
		Currency:          req.Currency,
		Status:            domain.TransactionStatusCompleted,
		ExternalReference: req.Reference,
		OrderID:           req.OrderID,
		CreatedAt:         now,
		CompletedAt:       &now,
	}
	if err := s.txRepo.Create(ctx, tx, txn); err != nil {
		if isDuplicateReference(err) {
			return nil, err
		}
		return nil, apperror.InternalError(fmt.Errorf("create transaction: %w", err))
	}

	balance, err := s.lockOrCreateBalance(ctx, tx, req.UserID, req.Currency, now)
	if err != nil {
		return nil, err
	}

	availableBefore, frozenBefore := balance.Available, balance.Frozen

	// The transaction row records the gross amount; the wallet moves the
	// net of the fee on credits. Debits move the gross, the fee portion is
	// recognized on the GL side.
	var walletType domain.WalletTransactionType
	var movement, newAvailable decimal.Decimal
	switch req.Direction {
	case domain.DirectionCredit:
		walletType = domain.WalletTxCredit
		movement = req.Amount.Sub(req.Fee)
		newAvailable = balance.Available.Add(movement)
	case domain.DirectionDebit:
		walletType = domain.WalletTxDebit
		movement = req.Amount
		if balance.Available.LessThan(movement) {
			return nil, apperror.ErrInsufficientBalance()
		}
		newAvailable = balance.Available.Sub(movement)
	default:
		return nil, apperror.ErrInvalidAmount()
	}

	newTotal := newAvailable.Add(balance.Frozen)
	after := domain.WalletBalance{Available: newAvailable, Frozen: balance.Frozen, Total: newTotal}
	if !after.CheckInvariant() {
		return nil, apperror.ErrBalanceInvariant(fmt.Errorf("user %s currency %s: available %s frozen %s total %s",
			req.UserID, req.Currency, newAvailable, balance.Frozen, newTotal))
	}

	if err := s.walletRepo.UpdateBalances(ctx, tx, balance.ID, newAvailable, balance.Frozen, newTotal); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("update balance: %w", err))
	}

	wt := &domain.WalletTransaction{
		ID:              uuid.New(),
		UserID:          req.UserID,
		Currency:        req.Currency,
		Type:            walletType,
		Amount:          movement,
		AvailableBefore: availableBefore,
		AvailableAfter:  newAvailable,
		FrozenBefore:    frozenBefore,
		FrozenAfter:     balance.Frozen,
		ReferenceID:     req.Reference,
		ReferenceType:   string(req.Source),
		Actor:           req.Actor,
		CreatedAt:       now,
	}
	if err := s.walletRepo.AppendWalletTransaction(ctx, tx, wt); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("append wallet transaction: %w", err))
	}

	userSide := domain.GLCredit
	if req.Direction == domain.DirectionDebit {
		userSide = domain.GLDebit
	}
	entries := domain.BalancedPair(txn.ID, userSide, movement, req.Currency, now)
	if req.Fee.IsPositive() {
		entries = append(entries, domain.FeePair(txn.ID, req.Fee, req.Currency, now)...)
	}
	if err := checkZeroSum(entries); err != nil {
		return nil, apperror.ErrUnbalancedEntries(err)
	}
	if err := s.walletRepo.AppendGLEntries(ctx, tx, entries); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("append gl entries: %w", err))
	}

	return txn, nil
}

func (s *SettlementServiceImpl) lockOrCreateBalance(ctx context.Context, tx pgx.Tx, userID uuid.UUID, currency string, now time.Time) (*domain.WalletBalance, error) {
	balance, err := s.walletRepo.GetForUpdate(ctx, tx, userID, currency)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("lock wallet: %w", err))
	}
	if balance != nil {
		return balance, nil
	}
	balance = &domain.WalletBalance{
		ID:        uuid.New(),
		UserID:    userID,
		Currency:  currency,
		Available: decimal.Zero,
		Frozen:    decimal.Zero,
		Total:     decimal.Zero,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.walletRepo.CreateInTx(ctx, tx, balance); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("create wallet: %w", err))
	}
	return balance, nil
}

// afterCommit caches the settled result and publishes PaymentProcessed.
// Both are best-effort: the reference row already guarantees idempotency.
func (s *SettlementServiceImpl) afterCommit(ctx context.Context, txn *domain.Transaction) {
	respJSON, err := json.Marshal(txn)
	if err != nil {
		s.log.Warn().Err(err).Str("tx_id", txn.ID.String()).Msg("failed to marshal settled transaction for cache")
	} else if err := s.cache.Set(ctx, txn.ExternalReference, respJSON, settlementCacheTTL); err != nil {
		s.log.Warn().Err(err).Str("reference", txn.ExternalReference).Msg("failed to cache settlement result")
	}

	event := domain.NewPaymentEvent(domain.EventPaymentProcessed, txn)
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.log.Warn().Err(err).Str("tx_id", txn.ID.String()).Msg("failed to publish payment event")
	}

	s.log.Info().
		Str("tx_id", txn.ID.String()).
		Str("user_id", txn.UserID.String()).
		Str("reference", txn.ExternalReference).
		Str("direction", string(txn.Direction)).
		Str("amount", txn.Amount.String()).
		Str("currency", txn.Currency).
		Msg("settlement applied")
}

// Freeze moves amount from available to frozen. Total is unchanged, so no
// transaction or GL rows are posted, only a wallet movement row.
func (s *SettlementServiceImpl) Freeze(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal, reference string) error {
	return s.moveFrozen(ctx, userID, currency, amount, reference, domain.WalletTxFreeze)
}

// Unfreeze reverses a freeze.
func (s *SettlementServiceImpl) Unfreeze(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal, reference string) error {
	return s.moveFrozen(ctx, userID, currency, amount, reference, domain.WalletTxUnfreeze)
}

func (s *SettlementServiceImpl) moveFrozen(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal, reference string, moveType domain.WalletTransactionType) error {
	if !amount.IsPositive() {
		return apperror.ErrInvalidAmount()
	}

	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return apperror.InternalError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	balance, err := s.walletRepo.GetForUpdate(ctx, dbTx, userID, currency)
	if err != nil {
		return apperror.InternalError(fmt.Errorf("lock wallet: %w", err))
	}
	if balance == nil {
		return apperror.ErrNotFound("wallet")
	}

	availableBefore, frozenBefore := balance.Available, balance.Frozen
	var newAvailable, newFrozen decimal.Decimal
	switch moveType {
	case domain.WalletTxFreeze:
		if balance.Available.LessThan(amount) {
			return apperror.ErrInsufficientBalance()
		}
		newAvailable = balance.Available.Sub(amount)
		newFrozen = balance.Frozen.Add(amount)
	case domain.WalletTxUnfreeze:
		if balance.Frozen.LessThan(amount) {
			return apperror.ErrInsufficientBalance()
		}
		newAvailable = balance.Available.Add(amount)
		newFrozen = balance.Frozen.Sub(amount)
	default:
		return apperror.ErrInvalidAmount()
	}

	if err := s.walletRepo.UpdateBalances(ctx, dbTx, balance.ID, newAvailable, newFrozen, balance.Total); err != nil {
		return apperror.InternalError(fmt.Errorf("update balance: %w", err))
	}

	now := time.Now().UTC()
	wt := &domain.WalletTransaction{
		ID:              uuid.New(),
		UserID:          userID,
		Currency:        currency,
		Type:            moveType,
		Amount:          amount,
		AvailableBefore: availableBefore,
		AvailableAfter:  newAvailable,
		FrozenBefore:    frozenBefore,
		FrozenAfter:     newFrozen,
		ReferenceID:     reference,
		ReferenceType:   string(moveType),
		Actor:           "system",
		CreatedAt:       now,
	}
	if err := s.walletRepo.AppendWalletTransaction(ctx, dbTx, wt); err != nil {
		return apperror.InternalError(fmt.Errorf("append wallet transaction: %w", err))
	}

	if err := dbTx.Commit(ctx); err != nil {
		return apperror.InternalError(fmt.Errorf("commit tx: %w", err))
	}

	s.log.Info().
		Str("user_id", userID.String()).
		Str("currency", currency).
		Str("type", string(moveType)).
		Str("amount", amount.String()).
		Msg("frozen balance moved")
	return nil
}

// VerifyLedger replays the wallet movement journal from zero and compares
// the result against the stored balance row.
func (s *SettlementServiceImpl) VerifyLedger(ctx context.Context, userID uuid.UUID, currency string) error {
	balance, err := s.walletRepo.GetBalance(ctx, userID, currency)
	if err != nil {
		return apperror.InternalError(fmt.Errorf("read balance: %w", err))
	}
	if balance == nil {
		return apperror.ErrNotFound("wallet")
	}
	if !balance.CheckInvariant() {
		return apperror.ErrBalanceInvariant(fmt.Errorf("user %s currency %s: stored balance violates identity", userID, currency))
	}

	movements, err := s.walletRepo.ListWalletTransactions(ctx, userID, currency)
	if err != nil {
		return apperror.InternalError(fmt.Errorf("list wallet transactions: %w", err))
	}

	available, frozen := decimal.Zero, decimal.Zero
	for i := range movements {
		available, frozen = movements[i].Apply(available, frozen)
	}

	if !available.Equal(balance.Available) || !frozen.Equal(balance.Frozen) {
		return apperror.ErrLedgerDrift(fmt.Errorf(
			"user %s currency %s: replayed available %s frozen %s, stored available %s frozen %s",
			userID, currency, available, frozen, balance.Available, balance.Frozen))
	}

	s.log.Debug().
		Str("user_id", userID.String()).
		Str("currency", currency).
		Int("movements", len(movements)).
		Msg("ledger replay verified")
	return nil
}

// VerifyEntries checks the zero-sum property of the GL rows posted for one
// transaction.
func (s *SettlementServiceImpl) VerifyEntries(ctx context.Context, transactionID uuid.UUID) error {
	credits, debits, err := s.walletRepo.SumGLByTransaction(ctx, transactionID)
	if err != nil {
		return apperror.InternalError(fmt.Errorf("sum gl entries: %w", err))
	}
	if !credits.Equal(debits) {
		return apperror.ErrUnbalancedEntries(fmt.Errorf("transaction %s: credits %s, debits %s", transactionID, credits, debits))
	}
	return nil
}

func (s *SettlementServiceImpl) unmarshalCachedTransaction(data []byte) (*domain.Transaction, error) {
	var txn domain.Transaction
	if err := json.Unmarshal(data, &txn); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("unmarshal cached transaction: %w", err))
	}
	return &txn, nil
}

// isDuplicateReference reports the unique-reference conflict raised when a
// concurrent settlement already inserted the same external reference.
func isDuplicateReference(err error) bool {
	var appErr *apperror.AppError
	return errors.As(err, &appErr) && appErr.Code == "LED_002"
}

func checkZeroSum(entries []domain.GLEntry) error {
	credits, debits := decimal.Zero, decimal.Zero
	for i := range entries {
		switch entries[i].EntryType {
		case domain.GLCredit:
			credits = credits.Add(entries[i].Amount)
		case domain.GLDebit:
			debits = debits.Add(entries[i].Amount)
		}
	}
	if !credits.Equal(debits) {
		return fmt.Errorf("credits %s, debits %s", credits, debits)
	}
	return nil
}
