package creditnote

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-credit/internal/tax"
)

// InvoiceStatus enumerates sales invoice statuses.
type InvoiceStatus string

const (
	InvoiceDraft InvoiceStatus = "draft"
	InvoiceDue   InvoiceStatus = "due"
	InvoicePaid  InvoiceStatus = "paid"
)

// Issued reports whether the invoice has been issued as a tax invoice.
func (s InvoiceStatus) Issued() bool {
	return s == InvoiceDue || s == InvoicePaid
}

// Invoice is the read model of a sales invoice. Total is VAT-inclusive.
type Invoice struct {
	ID       int64           `json:"id"`
	TenantID uuid.UUID       `json:"tenant_id"`
	Number   string          `json:"number"`
	Total    decimal.Decimal `json:"total"`
	Status   InvoiceStatus   `json:"status"`
}

// Status enumerates credit note statuses.
type Status string

const (
	StatusActive    Status = "active"
	StatusCancelled Status = "cancelled"
)

// CreditNote reduces the amount collected on exactly one invoice.
// Amount, Base and VAT never change after creation.
type CreditNote struct {
	ID           int64           `json:"id"`
	TenantID     uuid.UUID       `json:"tenant_id"`
	Number       string          `json:"number"`
	InvoiceID    int64           `json:"invoice_id"`
	Amount       decimal.Decimal `json:"amount"`
	Base         decimal.Decimal `json:"base"`
	VAT          decimal.Decimal `json:"vat"`
	VATRate      decimal.Decimal `json:"vat_rate"`
	Reason       string          `json:"reason"`
	Status       Status          `json:"status"`
	CreatedBy    int64           `json:"created_by,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	CancelReason string          `json:"cancel_reason,omitempty"`
	CancelledBy  int64           `json:"cancelled_by,omitempty"`
	CancelledAt  *time.Time      `json:"cancelled_at,omitempty"`
}

// InvoiceBalance is the refundable position of an invoice.
type InvoiceBalance struct {
	Invoice   Invoice         `json:"invoice"`
	Issued    decimal.Decimal `json:"issued"`
	Available decimal.Decimal `json:"available"`
}

// Eligibility is the outcome of a successful eligibility check.
type Eligibility struct {
	Available decimal.Decimal `json:"available"`
	Breakdown tax.Breakdown   `json:"breakdown"`
}

// IssueInput describes a credit note request.
type IssueInput struct {
	TenantID       uuid.UUID
	InvoiceID      int64
	Amount         decimal.Decimal
	Reason         string
	ActorID        int64
	IdempotencyKey string
}

// CancelInput describes a cancellation request.
type CancelInput struct {
	TenantID uuid.UUID
	ID       int64
	Reason   string
	ActorID  int64
}

// ListFilter narrows credit note listings.
type ListFilter struct {
	InvoiceID int64
	Status    Status
	Page      int
	PerPage   int
}

// OverIssue describes an invoice whose active credit notes exceed its total.
type OverIssue struct {
	TenantID  uuid.UUID       `json:"tenant_id"`
	InvoiceID int64           `json:"invoice_id"`
	Number    string          `json:"number"`
	Total     decimal.Decimal `json:"total"`
	Issued    decimal.Decimal `json:"issued"`
}
