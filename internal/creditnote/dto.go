package creditnote

import "github.com/odyssey-erp/odyssey-credit/internal/shared"

type eligibilityRequest struct {
	InvoiceTotal string `json:"invoice_total" validate:"required,numeric"`
	IssuedSum    string `json:"issued_sum" validate:"omitempty,numeric"`
	Amount       string `json:"amount" validate:"required,numeric"`
	VATRate      string `json:"vat_rate,omitempty" validate:"omitempty,numeric"`
}

type issueRequest struct {
	InvoiceID int64  `json:"invoice_id" validate:"required,gt=0"`
	Amount    string `json:"amount" validate:"required,numeric"`
	Reason    string `json:"reason" validate:"required,max=500"`
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

type listResponse struct {
	Data       []CreditNote      `json:"data"`
	Pagination shared.Pagination `json:"pagination"`
}
