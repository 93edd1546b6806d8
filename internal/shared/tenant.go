package shared

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
)

const (
	// TenantHeader carries the tenant id on every API request.
	TenantHeader = "X-Tenant-ID"
	// ActorHeader carries the acting user id set by the upstream gateway.
	ActorHeader = "X-Actor-ID"
)

// TenantMiddleware resolves tenant and actor headers into the request context.
// Requests without a valid tenant are rejected with 400.
func TenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID, err := uuid.Parse(r.Header.Get(TenantHeader))
		if err != nil || tenantID == uuid.Nil {
			w.Header().Set("Content-Type", "application/problem+json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"title":"Bad Request","status":400,"detail":"missing or invalid X-Tenant-ID header"}`))
			return
		}
		ctx := ContextWithTenant(r.Context(), tenantID)
		if raw := r.Header.Get(ActorHeader); raw != "" {
			if actorID, err := strconv.ParseInt(raw, 10, 64); err == nil && actorID > 0 {
				ctx = ContextWithActor(ctx, actorID)
			}
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
