package creditnote

import (
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-credit/internal/money"
	"github.com/odyssey-erp/odyssey-credit/internal/tax"
)

// AvailableBalance is invoiceTotal minus issuedSum, never below zero.
func AvailableBalance(invoiceTotal, issuedSum decimal.Decimal) decimal.Decimal {
	return money.Max(invoiceTotal.Sub(issuedSum), decimal.Zero)
}

// CheckEligibility validates proposedAmount against the refundable balance of
// an invoice at the standard VAT rate.
func CheckEligibility(invoiceTotal, issuedSum, proposedAmount decimal.Decimal) (Eligibility, error) {
	return CheckEligibilityAtRate(invoiceTotal, issuedSum, proposedAmount, tax.DefaultVATRate)
}

// CheckEligibilityAtRate validates proposedAmount and decomposes it at rate.
// Amounts are rounded to cents first; an amount equal to the available
// balance is accepted.
func CheckEligibilityAtRate(invoiceTotal, issuedSum, proposedAmount, rate decimal.Decimal) (Eligibility, error) {
	if invoiceTotal.IsNegative() || issuedSum.IsNegative() {
		return Eligibility{}, ErrInvalidAmount
	}
	proposed := money.Round(proposedAmount)
	if !proposed.IsPositive() {
		return Eligibility{}, ErrInvalidAmount
	}
	available := AvailableBalance(money.Round(invoiceTotal), money.Round(issuedSum))
	if proposed.GreaterThan(available) {
		return Eligibility{Available: available}, &BalanceError{Available: available, Requested: proposed}
	}
	breakdown, err := tax.DecomposeVAT(proposed, rate)
	if err != nil {
		return Eligibility{}, err
	}
	return Eligibility{Available: available, Breakdown: breakdown}, nil
}
