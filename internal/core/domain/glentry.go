package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// GLEntryType is the side of a double-entry bookkeeping row.
type GLEntryType string

const (
	GLDebit  GLEntryType = "DEBIT"
	GLCredit GLEntryType = "CREDIT"
)

// GLAccountType identifies the account a GL row posts against.
type GLAccountType string

const (
	GLAccountUser     GLAccountType = "USER"
	GLAccountPlatform GLAccountType = "PLATFORM"
	GLAccountFee      GLAccountType = "FEE"
)

// GLEntry is one side of a double-entry posting. For every financial event
// the CREDIT and DEBIT sums across all rows sharing a TransactionID must be
// equal. Rows are created once per settled event and never updated.
type GLEntry struct {
	ID            uuid.UUID       `json:"id"`
	TransactionID uuid.UUID       `json:"transaction_id"`
	EntryType     GLEntryType     `json:"entry_type"`
	AccountType   GLAccountType   `json:"account_type"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	CreatedAt     time.Time       `json:"created_at"`
}

// BalancedPair builds the standard two-row posting for a user-side movement:
// the user account takes entryType, the platform account takes the opposite
// side for the same amount.
func BalancedPair(txID uuid.UUID, entryType GLEntryType, amount decimal.Decimal, currency string, at time.Time) []GLEntry {
	opposite := GLDebit
	if entryType == GLDebit {
		opposite = GLCredit
	}
	return []GLEntry{
		{ID: uuid.New(), TransactionID: txID, EntryType: entryType, AccountType: GLAccountUser, Amount: amount, Currency: currency, CreatedAt: at},
		{ID: uuid.New(), TransactionID: txID, EntryType: opposite, AccountType: GLAccountPlatform, Amount: amount, Currency: currency, CreatedAt: at},
	}
}

// FeePair posts a fee amount from the platform account into the fee account.
func FeePair(txID uuid.UUID, amount decimal.Decimal, currency string, at time.Time) []GLEntry {
	return []GLEntry{
		{ID: uuid.New(), TransactionID: txID, EntryType: GLDebit, AccountType: GLAccountPlatform, Amount: amount, Currency: currency, CreatedAt: at},
		{ID: uuid.New(), TransactionID: txID, EntryType: GLCredit, AccountType: GLAccountFee, Amount: amount, Currency: currency, CreatedAt: at},
	}
}
