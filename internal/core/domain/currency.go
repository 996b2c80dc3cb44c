package domain

import "github.com/shopspring/decimal"

// Currency is reference metadata owned by an external collaborator. Only the
// fields settlement needs are mirrored here.
type Currency struct {
	Code      string `json:"code"`
	Precision int32  `json:"precision"`
	Active    bool   `json:"active"`
}

// AcceptsAmount reports whether amount fits the currency's declared decimal
// precision. Amounts with more fractional digits are rejected before any
// ledger mutation.
func (c Currency) AcceptsAmount(amount decimal.Decimal) bool {
	return amount.Equal(amount.Truncate(c.Precision))
}
