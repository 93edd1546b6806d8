// Package money holds the fixed-point helpers used for every monetary amount.
package money

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Scale is the number of decimal places kept for currency amounts.
const Scale = 2

// ErrNotNumeric indicates the input could not be parsed as an amount.
var ErrNotNumeric = errors.New("money: amount is not numeric")

// Tolerance is the largest rounding difference accepted between derived amounts.
var Tolerance = decimal.New(1, -Scale)

// Round rounds half away from zero to two decimal places.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Scale)
}

// Parse reads a user supplied amount.
func Parse(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, ErrNotNumeric
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, ErrNotNumeric
	}
	return d, nil
}

// Max returns the larger of a and b.
func Max(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// Sum adds amounts together.
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// Formatter renders amounts for user facing messages.
type Formatter struct {
	unit    currency.Unit
	printer *message.Printer
}

// NewFormatter builds a Formatter for an ISO 4217 currency code.
func NewFormatter(code string) (*Formatter, error) {
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return nil, err
	}
	return &Formatter{unit: unit, printer: message.NewPrinter(language.English)}, nil
}

// Code returns the ISO currency code.
func (f *Formatter) Code() string {
	if f == nil {
		return ""
	}
	return f.unit.String()
}

// Format renders d with its currency symbol, e.g. "SAR 400.00".
func (f *Formatter) Format(d decimal.Decimal) string {
	if f == nil {
		return Round(d).StringFixed(Scale)
	}
	return f.printer.Sprint(currency.Symbol(f.unit.Amount(Round(d).InexactFloat64())))
}
