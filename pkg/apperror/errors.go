package apperror

import (
	"fmt"
	"net/http"
)

// AppError is a structured error that maps to HTTP responses and to the
// error taxonomy: validation, conflict, transient external, integrity.
type AppError struct {
	Code       string `json:"error_code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"` // Wrapped internal error (not exposed to client)
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code string, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an internal error with an AppError.
func Wrap(code string, message string, httpStatus int, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// ---- Validation (VAL) ----

func ErrInvalidAmount() *AppError {
	return New("VAL_001", "Invalid amount", http.StatusBadRequest)
}

func ErrPrecisionExceeded(currency string) *AppError {
	return New("VAL_002", fmt.Sprintf("Amount exceeds declared precision for %s", currency), http.StatusBadRequest)
}

func ErrCurrencyInactive(currency string) *AppError {
	return New("VAL_003", fmt.Sprintf("Currency %s is not active", currency), http.StatusBadRequest)
}

func ErrPayloadTooLarge() *AppError {
	return New("VAL_004", "Payload exceeds size ceiling", http.StatusRequestEntityTooLarge)
}

func ErrMalformedPayload(err error) *AppError {
	return Wrap("VAL_005", "Malformed payload", http.StatusBadRequest, err)
}

// ---- Ledger conflicts (LED) ----

func ErrInsufficientBalance() *AppError {
	return New("LED_001", "Insufficient available balance", http.StatusPaymentRequired)
}

func ErrDuplicateReference(reference string) *AppError {
	return New("LED_002", fmt.Sprintf("Reference %s already settled", reference), http.StatusConflict)
}

func ErrNotFound(entity string) *AppError {
	return New("LED_003", fmt.Sprintf("%s not found", entity), http.StatusNotFound)
}

// ---- Order conflicts (ORD) ----

func ErrStaleTransition(externalID string) *AppError {
	return New("ORD_001", fmt.Sprintf("Order %s already moved past expected state", externalID), http.StatusConflict)
}

func ErrTransitionNotAllowed(from, to string) *AppError {
	return New("ORD_002", fmt.Sprintf("Transition %s -> %s is not reachable", from, to), http.StatusConflict)
}

// ---- Security (SEC) ----

func ErrInvalidSignature() *AppError {
	return New("SEC_001", "Invalid signature", http.StatusUnauthorized)
}

func ErrReplayDetected() *AppError {
	return New("SEC_002", "Payload replayed within freshness window", http.StatusForbidden)
}

func ErrInvalidToken() *AppError {
	return New("SEC_003", "Invalid or expired token", http.StatusUnauthorized)
}

// ---- Transient external (EXT) ----

func ErrMarketplaceUnavailable(err error) *AppError {
	return Wrap("EXT_001", "Marketplace call failed", http.StatusBadGateway, err)
}

func ErrProviderUnavailable(provider string, err error) *AppError {
	return Wrap("EXT_002", fmt.Sprintf("Provider %s call failed", provider), http.StatusBadGateway, err)
}

// ---- Integrity violations (INT) ----
// These are fatal to the operation: the unit of work aborts and the
// condition is alerted, never silently repaired.

func ErrBalanceInvariant(err error) *AppError {
	return Wrap("INT_001", "Wallet balance invariant violated", http.StatusInternalServerError, err)
}

func ErrUnbalancedEntries(err error) *AppError {
	return Wrap("INT_002", "GL entries do not sum to zero", http.StatusInternalServerError, err)
}

func ErrLedgerDrift(err error) *AppError {
	return Wrap("INT_003", "Replayed journal does not reproduce stored balance", http.StatusInternalServerError, err)
}

// ---- Rate limiting (RATE) ----

func ErrRateLimitExceeded() *AppError {
	return New("RATE_001", "Rate limit exceeded", http.StatusTooManyRequests)
}

// ---- System & Infrastructure (SYS) ----

func ErrEncryptionFailure(err error) *AppError {
	return Wrap("SYS_002", "Encryption service failure", http.StatusInternalServerError, err)
}

// InternalError wraps an internal error as a SYS_001 error.
func InternalError(err error) *AppError {
	return Wrap("SYS_001", "Internal server error", http.StatusInternalServerError, err)
}
