// Package tax derives VAT components and stores per-tenant tax settings.
package tax

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-credit/internal/money"
)

var (
	// ErrInvalidAmount indicates a negative, zero where forbidden, or non-numeric amount.
	ErrInvalidAmount = errors.New("tax: invalid amount")
	// ErrInvalidRate indicates a VAT rate outside [0, 1) or with more than four decimals.
	ErrInvalidRate = errors.New("tax: invalid VAT rate")
)

// DefaultVATRate is the standard VAT rate applied when a tenant has no override.
var DefaultVATRate = decimal.RequireFromString("0.15")

var one = decimal.NewFromInt(1)

// Breakdown splits a VAT-inclusive total. Base + VAT always equals Total.
type Breakdown struct {
	Total decimal.Decimal `json:"total"`
	Base  decimal.Decimal `json:"base"`
	VAT   decimal.Decimal `json:"vat"`
	Rate  decimal.Decimal `json:"rate"`
}

// Decompose splits total at DefaultVATRate.
func Decompose(total decimal.Decimal) (Breakdown, error) {
	return DecomposeVAT(total, DefaultVATRate)
}

// DecomposeVAT splits a VAT-inclusive total into base and VAT using
// vat = total * rate / (1 + rate), rounded half-up to cents. The base absorbs
// the rounding remainder so the two parts reproduce the rounded total exactly.
func DecomposeVAT(total, rate decimal.Decimal) (Breakdown, error) {
	if total.IsNegative() {
		return Breakdown{}, ErrInvalidAmount
	}
	if err := ValidateRate(rate); err != nil {
		return Breakdown{}, err
	}
	rounded := money.Round(total)
	vat := money.Round(total.Mul(rate).Div(one.Add(rate)))
	return Breakdown{
		Total: rounded,
		Base:  rounded.Sub(vat),
		VAT:   vat,
		Rate:  rate,
	}, nil
}

// RateScale is the number of decimal places a stored VAT rate keeps.
const RateScale = 4

// ValidateRate accepts rates in [0, 1) with at most RateScale decimals.
// Trailing zeros beyond the scale are fine.
func ValidateRate(rate decimal.Decimal) error {
	if rate.IsNegative() || rate.GreaterThanOrEqual(one) {
		return ErrInvalidRate
	}
	if !rate.Equal(rate.Round(RateScale)) {
		return ErrInvalidRate
	}
	return nil
}
