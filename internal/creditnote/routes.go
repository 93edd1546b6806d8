package creditnote

import "github.com/go-chi/chi/v5"

// MountRoutes registers credit note routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/credit-notes/eligibility", h.Eligibility)
	r.Get("/invoices/{id}/credit-balance", h.Balance)
	r.Get("/credit-notes", h.List)
	r.Post("/credit-notes", h.Issue)
	r.Get("/credit-notes/{id}", h.Show)
	r.Post("/credit-notes/{id}/cancel", h.Cancel)
}
