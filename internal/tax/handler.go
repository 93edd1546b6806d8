package tax

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-credit/internal/money"
	"github.com/odyssey-erp/odyssey-credit/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-credit/internal/shared"
)

// Handler exposes VAT and tax settings endpoints.
type Handler struct {
	logger    *slog.Logger
	settings  *Settings
	validator *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, settings *Settings) *Handler {
	return &Handler{logger: logger, settings: settings, validator: validator.New()}
}

// MountRoutes registers tax routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/vat/decompose", h.decompose)
	r.Get("/tax-settings", h.getSettings)
	r.Put("/tax-settings", h.updateSettings)
}

type updateSettingsRequest struct {
	VATRate string `json:"vat_rate" validate:"required,numeric"`
}

func (h *Handler) decompose(w http.ResponseWriter, r *http.Request) {
	total, err := money.Parse(r.URL.Query().Get("total"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "total must be numeric")
		return
	}
	rate := DefaultVATRate
	if raw := r.URL.Query().Get("rate"); raw != "" {
		rate, err = money.Parse(raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "rate must be numeric")
			return
		}
	} else if tenantID, ok := shared.TenantFromContext(r.Context()); ok {
		rate, err = h.settings.VATRate(r.Context(), tenantID)
		if err != nil {
			h.logger.Error("resolve vat rate", slog.Any("error", err))
			httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
			return
		}
	}
	breakdown, err := DecomposeVAT(total, rate)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, breakdown)
}

func (h *Handler) getSettings(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := shared.TenantFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", shared.ErrTenantRequired.Error())
		return
	}
	setting, err := h.settings.Get(r.Context(), tenantID)
	if err != nil {
		h.logger.Error("get tax settings", slog.Any("error", err), slog.String("tenant", tenantID.String()))
		h.writeError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, setting)
}

func (h *Handler) updateSettings(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := shared.TenantFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", shared.ErrTenantRequired.Error())
		return
	}
	var req updateSettingsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "vat_rate must be numeric")
		return
	}
	rate, err := decimal.NewFromString(req.VATRate)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "vat_rate must be numeric")
		return
	}
	setting, err := h.settings.Update(r.Context(), tenantID, rate)
	if err != nil {
		h.logger.Error("update tax settings", slog.Any("error", err), slog.String("tenant", tenantID.String()))
		h.writeError(w, err)
		return
	}
	h.logger.Info("tax settings updated", slog.String("tenant", tenantID.String()), slog.String("vat_rate", rate.String()))
	httpx.JSON(w, http.StatusOK, setting)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidAmount):
		httpx.Problem(w, http.StatusBadRequest, "Invalid Amount", "amount must not be negative")
	case errors.Is(err, ErrInvalidRate):
		httpx.Problem(w, http.StatusBadRequest, "Invalid Rate", "VAT rate must be between 0 and 1 with at most 4 decimals")
	default:
		httpx.RespondError(w, err)
	}
}
