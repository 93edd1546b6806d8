package creditnote

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-credit/internal/money"
	"github.com/odyssey-erp/odyssey-credit/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-credit/internal/tax"
)

// Sentinels wrap the httpx ones so httpx.RespondError picks a matching status.
var (
	// ErrInvalidAmount indicates a non-positive or non-numeric amount.
	ErrInvalidAmount = tax.ErrInvalidAmount
	// ErrExceedsAvailableBalance indicates the amount is above the refundable balance.
	ErrExceedsAvailableBalance = fmt.Errorf("creditnote: amount exceeds available balance: %w", httpx.ErrUnprocessable)
	// ErrConcurrentOverIssue indicates a concurrent issue consumed the balance first.
	ErrConcurrentOverIssue = fmt.Errorf("creditnote: concurrent credit note exceeded invoice total: %w", httpx.ErrConflict)
	// ErrInvalidStatus indicates the status transition is not allowed.
	ErrInvalidStatus = fmt.Errorf("creditnote: invalid status transition: %w", httpx.ErrConflict)
	// ErrCancellationBlocked indicates policy forbids cancelling the note.
	ErrCancellationBlocked = fmt.Errorf("creditnote: credit notes tied to an issued tax invoice cannot be cancelled: %w", httpx.ErrConflict)
	// ErrNotFound indicates a missing credit note.
	ErrNotFound = fmt.Errorf("creditnote: credit note %w", httpx.ErrNotFound)
	// ErrInvoiceNotFound indicates a missing invoice.
	ErrInvoiceNotFound = fmt.Errorf("creditnote: invoice %w", httpx.ErrNotFound)
	// ErrInvoiceNotIssued indicates the invoice is still a draft.
	ErrInvoiceNotIssued = fmt.Errorf("creditnote: invoice has not been issued: %w", httpx.ErrConflict)
	// ErrReasonRequired indicates an empty reason.
	ErrReasonRequired = fmt.Errorf("creditnote: reason required: %w", httpx.ErrValidation)
	// ErrDuplicateRequest indicates the idempotency key was already used.
	ErrDuplicateRequest = fmt.Errorf("creditnote: request already processed: %w", httpx.ErrDuplicate)
)

// BalanceError carries the refundable balance for display. It matches
// ErrExceedsAvailableBalance with errors.Is.
type BalanceError struct {
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *BalanceError) Error() string {
	return fmt.Sprintf("%s: requested %s, available %s",
		ErrExceedsAvailableBalance, e.Requested.StringFixed(money.Scale), e.Available.StringFixed(money.Scale))
}

func (e *BalanceError) Unwrap() error {
	return ErrExceedsAvailableBalance
}
