package tax

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-credit/internal/shared"
)

func newTestRouter(t *testing.T, store Store) http.Handler {
	t.Helper()
	settings := NewSettings(store, nil, time.Minute, nil)
	h := NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), settings)
	r := chi.NewRouter()
	r.Use(shared.TenantMiddleware)
	h.MountRoutes(r)
	return r
}

func doRequest(router http.Handler, method, target, body string, tenant uuid.UUID) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(shared.TenantHeader, tenant.String())
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestDecomposeEndpoint(t *testing.T) {
	router := newTestRouter(t, newMemoryStore())
	rr := doRequest(router, http.MethodGet, "/vat/decompose?total=400", "", uuid.New())
	require.Equal(t, http.StatusOK, rr.Code)

	var body Breakdown
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.True(t, body.Base.Equal(d("347.83")))
	require.True(t, body.VAT.Equal(d("52.17")))
}

func TestDecomposeEndpointRejectsNegative(t *testing.T) {
	router := newTestRouter(t, newMemoryStore())
	rr := doRequest(router, http.MethodGet, "/vat/decompose?total=-1", "", uuid.New())
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doRequest(router, http.MethodGet, "/vat/decompose?total=abc", "", uuid.New())
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestDecomposeEndpointUsesTenantRate(t *testing.T) {
	store := newMemoryStore()
	tenant := uuid.New()
	store.rates[tenant] = d("0.10")
	router := newTestRouter(t, store)
	rr := doRequest(router, http.MethodGet, "/vat/decompose?total=110", "", tenant)
	require.Equal(t, http.StatusOK, rr.Code)

	var body Breakdown
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.True(t, body.VAT.Equal(d("10")))
}

func TestUpdateSettingsEndpoint(t *testing.T) {
	store := newMemoryStore()
	tenant := uuid.New()
	router := newTestRouter(t, store)

	rr := doRequest(router, http.MethodPut, "/tax-settings", `{"vat_rate":"0.05"}`, tenant)
	require.Equal(t, http.StatusOK, rr.Code)
	require.True(t, store.rates[tenant].Equal(d("0.05")))

	rr = doRequest(router, http.MethodPut, "/tax-settings", `{"vat_rate":"0.12345"}`, tenant)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doRequest(router, http.MethodPut, "/tax-settings", `{"vat_rate":"2"}`, tenant)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doRequest(router, http.MethodPut, "/tax-settings", `{"vat_rate":""}`, tenant)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doRequest(router, http.MethodGet, "/tax-settings", "", tenant)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"0.05"`)
}
