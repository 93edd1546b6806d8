package creditnote

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-credit/internal/money"
	"github.com/odyssey-erp/odyssey-credit/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-credit/internal/shared"
	"github.com/odyssey-erp/odyssey-credit/internal/tax"
)

// IdempotencyHeader lets clients retry an issue request safely.
const IdempotencyHeader = "Idempotency-Key"

// Handler exposes credit note endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	formatter *money.Formatter
	validator *validator.Validate
}

// NewHandler builds Handler instance. formatter renders amounts in problem details.
func NewHandler(logger *slog.Logger, service *Service, formatter *money.Formatter) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		formatter: formatter,
		validator: validator.New(),
	}
}

func (h *Handler) Eligibility(w http.ResponseWriter, r *http.Request) {
	var req eligibilityRequest
	if !h.decode(w, r, &req) {
		return
	}
	total, issued, amount, err := parseAmounts(req.InvoiceTotal, req.IssuedSum, req.Amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var result Eligibility
	if req.VATRate != "" {
		rate, perr := money.Parse(req.VATRate)
		if perr != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "vat_rate must be numeric")
			return
		}
		if err := tax.ValidateRate(rate); err != nil {
			h.writeError(w, r, err)
			return
		}
		result, err = CheckEligibilityAtRate(total, issued, amount, rate)
	} else {
		tenantID, _ := shared.TenantFromContext(r.Context())
		result, err = h.service.Check(r.Context(), tenantID, total, issued, amount)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	tenantID, _ := shared.TenantFromContext(r.Context())
	balance, err := h.service.Balance(r.Context(), tenantID, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, balance)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{Status: Status(q.Get("status"))}
	if filter.Status != "" && !filter.Status.Valid() {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "status must be active or cancelled")
		return
	}
	if raw := q.Get("invoice_id"); raw != "" {
		invoiceID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || invoiceID <= 0 {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invoice_id must be a positive integer")
			return
		}
		filter.InvoiceID = invoiceID
	}
	filter.Page, _ = strconv.Atoi(q.Get("page"))
	filter.PerPage, _ = strconv.Atoi(q.Get("per_page"))

	tenantID, _ := shared.TenantFromContext(r.Context())
	notes, pagination, err := h.service.List(r.Context(), tenantID, filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if notes == nil {
		notes = []CreditNote{}
	}
	httpx.JSON(w, http.StatusOK, listResponse{Data: notes, Pagination: pagination})
}

func (h *Handler) Show(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	tenantID, _ := shared.TenantFromContext(r.Context())
	note, err := h.service.Get(r.Context(), tenantID, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, note)
}

func (h *Handler) Issue(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, err := money.Parse(req.Amount)
	if err != nil {
		h.writeError(w, r, ErrInvalidAmount)
		return
	}
	tenantID, _ := shared.TenantFromContext(r.Context())
	note, err := h.service.Issue(r.Context(), IssueInput{
		TenantID:       tenantID,
		InvoiceID:      req.InvoiceID,
		Amount:         amount,
		Reason:         req.Reason,
		ActorID:        shared.ActorFromContext(r.Context()),
		IdempotencyKey: r.Header.Get(IdempotencyHeader),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/credit-notes/"+strconv.FormatInt(note.ID, 10))
	httpx.JSON(w, http.StatusCreated, note)
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	if !h.decode(w, r, &req) {
		return
	}
	tenantID, _ := shared.TenantFromContext(r.Context())
	note, err := h.service.Cancel(r.Context(), CancelInput{
		TenantID: tenantID,
		ID:       id,
		Reason:   req.Reason,
		ActorID:  shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, note)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body")
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		httpx.WriteProblem(w, httpx.ProblemDetail{
			Title:  "Validation Failed",
			Status: http.StatusBadRequest,
			Errors: validationErrors(err),
		})
		return false
	}
	return true
}

func validationErrors(err error) map[string]string {
	out := map[string]string{}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		out["body"] = err.Error()
		return out
	}
	for _, fe := range verrs {
		out[strings.ToLower(fe.Field())] = fe.Tag()
	}
	return out
}

func parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid id")
		return 0, false
	}
	return id, true
}

func parseAmounts(rawTotal, rawIssued, rawAmount string) (total, issued, amount decimal.Decimal, err error) {
	if total, err = money.Parse(rawTotal); err != nil {
		return total, issued, amount, ErrInvalidAmount
	}
	if strings.TrimSpace(rawIssued) != "" {
		if issued, err = money.Parse(rawIssued); err != nil {
			return total, issued, amount, ErrInvalidAmount
		}
	}
	if amount, err = money.Parse(rawAmount); err != nil {
		return total, issued, amount, ErrInvalidAmount
	}
	return total, issued, amount, nil
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var balanceErr *BalanceError
	switch {
	case errors.As(err, &balanceErr):
		httpx.WriteProblem(w, httpx.ProblemDetail{
			Title:  "Exceeds Available Balance",
			Status: http.StatusUnprocessableEntity,
			Detail: "credit note amount exceeds the available balance of " + h.formatter.Format(balanceErr.Available),
			Meta: map[string]any{
				"available": balanceErr.Available.StringFixed(money.Scale),
				"requested": balanceErr.Requested.StringFixed(money.Scale),
			},
		})
	case errors.Is(err, ErrInvalidAmount):
		httpx.Problem(w, http.StatusBadRequest, "Invalid Amount", "amount must be a positive number")
	case errors.Is(err, tax.ErrInvalidRate):
		httpx.Problem(w, http.StatusBadRequest, "Invalid Rate", "VAT rate must be between 0 and 1 with at most 4 decimals")
	case errors.Is(err, ErrReasonRequired), errors.Is(err, shared.ErrTenantRequired):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrConcurrentOverIssue):
		httpx.Problem(w, http.StatusConflict, "Concurrent Over-Issue", "another credit note consumed the balance, reload and retry")
	case errors.Is(err, ErrCancellationBlocked):
		httpx.Problem(w, http.StatusConflict, "Cancellation Blocked", err.Error())
	case errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrInvoiceNotIssued):
		httpx.Problem(w, http.StatusConflict, "Invalid Status", err.Error())
	case errors.Is(err, httpx.ErrNotFound), errors.Is(err, httpx.ErrDuplicate):
		httpx.RespondError(w, err)
	default:
		h.logger.Error("credit note request failed",
			slog.Any("error", err),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path))
		httpx.RespondError(w, err)
	}
}
