package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	cycleConfig "github.com/iurnickita/offerbilling/internal/cycle/config"
	serviceConfig "github.com/iurnickita/offerbilling/internal/service/config"

	"github.com/iurnickita/offerbilling/internal/auth"
	"github.com/iurnickita/offerbilling/internal/metrics"
	"github.com/iurnickita/offerbilling/internal/model"
	"github.com/iurnickita/offerbilling/internal/runlock"
	"github.com/iurnickita/offerbilling/internal/service"
	"github.com/iurnickita/offerbilling/internal/store"
)

const (
	jwtSecret    = "secret"
	serviceToken = "service-token"
)

type testServer struct {
	router http.Handler
	tokens map[string]string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "billing.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg := prometheus.NewRegistry()
	svc, err := service.NewService(serviceConfig.Config{}, cycleConfig.Config{
		Rates:    model.BillingRate{Standard: 10, VIP: 30, Flash: 20},
		Cutover:  "00:00",
		Timezone: "UTC",
	}, st, runlock.NewLocal(), metrics.New(reg), zap.NewNop())
	require.NoError(t, err)

	h := newHandler(auth.NewAuth(jwtSecret, serviceToken), svc, reg, zap.NewNop())
	return &testServer{router: h.newRouter(), tokens: map[string]string{}}
}

func (s *testServer) provider(t *testing.T, method, path, provider, body string) *httptest.ResponseRecorder {
	t.Helper()
	token, ok := s.tokens[provider]
	if !ok {
		var err error
		token, err = auth.BuildToken([]byte(jwtSecret), provider, time.Hour)
		require.NoError(t, err)
		s.tokens[provider] = token
	}
	r := httptest.NewRequest(method, path, strings.NewReader(body))
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, r)
	return w
}

func (s *testServer) service(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(method, path, strings.NewReader(body))
	r.Header.Set(auth.HeaderServiceToken, serviceToken)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, r)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestOfferLifecycle(t *testing.T) {
	s := newTestServer(t)

	w := s.provider(t, http.MethodPost, "/api/provider/offers", "p1", `{"is_vip":true,"has_flash_offer":true}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	offer := decodeBody[OfferJSON](t, w)
	require.Equal(t, model.OfferStatusInactive, offer.Status)

	// без средств
	w = s.provider(t, http.MethodPost, "/api/provider/offers/"+offer.ID+"/activate", "p1", "")
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	require.Equal(t, "insufficient_funds", decodeBody[ErrorJSONResponse](t, w).Reason)

	w = s.provider(t, http.MethodGet, "/api/provider/activation", "p1", "")
	require.Equal(t, http.StatusOK, w.Code)
	eligibility := decodeBody[GetActivationJSONResponse](t, w)
	require.False(t, eligibility.Allowed)
	require.False(t, eligibility.FundsOK)
	require.True(t, eligibility.PreconditionsOK)

	w = s.service(t, http.MethodPost, "/api/payments/confirmed", `{"provider_id":"p1","amount":1000,"reference":"pay_1"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	payment := decodeBody[PostPaymentJSONResponse](t, w)
	require.Equal(t, int64(1000), payment.Balance)
	require.True(t, payment.ActivationAllowed)
	require.Equal(t, "pay_1", payment.Entry.Reference)

	// пополнение не включает предложение само
	w = s.provider(t, http.MethodGet, "/api/provider/offers", "p1", "")
	require.Equal(t, model.OfferStatusInactive, decodeBody[GetOffersJSONResponse](t, w).Offers[0].Status)

	w = s.provider(t, http.MethodPost, "/api/provider/offers/"+offer.ID+"/activate", "p1", "")
	require.Equal(t, http.StatusNoContent, w.Code)

	w = s.provider(t, http.MethodGet, "/api/provider/offers", "p1", "")
	require.Equal(t, http.StatusOK, w.Code)
	offers := decodeBody[GetOffersJSONResponse](t, w)
	require.Len(t, offers.Offers, 1)
	require.Equal(t, int64(50), offers.DailyCharge)
	require.Equal(t, "0.50", offers.DailyChargeDisplay)
	require.Equal(t, int64(50), offers.Offers[0].DailyCharge)

	// чужое предложение не видно
	w = s.provider(t, http.MethodPost, "/api/provider/offers/"+offer.ID+"/deactivate", "p2", "")
	require.Equal(t, http.StatusNotFound, w.Code)

	w = s.provider(t, http.MethodPost, "/api/provider/offers/"+offer.ID+"/archive", "p1", "")
	require.Equal(t, http.StatusNoContent, w.Code)
	w = s.provider(t, http.MethodPost, "/api/provider/offers/"+offer.ID+"/activate", "p1", "")
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, "offer_archived", decodeBody[ErrorJSONResponse](t, w).Reason)
}

func TestBalanceAndLedger(t *testing.T) {
	s := newTestServer(t)

	w := s.provider(t, http.MethodGet, "/api/provider/balance", "p1", "")
	require.Equal(t, http.StatusNotFound, w.Code)

	w = s.service(t, http.MethodPut, "/api/admin/providers/p1", "")
	require.Equal(t, http.StatusNoContent, w.Code)

	for i := 0; i < 2; i++ {
		// повтор подтверждения не удваивает пополнение
		w = s.service(t, http.MethodPost, "/api/payments/confirmed", `{"provider_id":"p1","amount":1250,"reference":"pay_1"}`)
		require.Equal(t, http.StatusOK, w.Code)
	}

	w = s.provider(t, http.MethodGet, "/api/provider/balance", "p1", "")
	require.Equal(t, http.StatusOK, w.Code)
	balance := decodeBody[GetBalanceJSONResponse](t, w)
	require.Equal(t, int64(1250), balance.Balance)
	require.Equal(t, "12.50", balance.BalanceDisplay)

	w = s.provider(t, http.MethodGet, "/api/provider/ledger", "p1", "")
	require.Equal(t, http.StatusOK, w.Code)
	entries := decodeBody[[]LedgerEntryJSON](t, w)
	require.Len(t, entries, 1)
	require.Equal(t, model.EntryKindTopup, entries[0].Kind)

	w = s.provider(t, http.MethodGet, "/api/provider/ledger?since="+time.Now().Add(time.Hour).Format(time.RFC3339), "p1", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, decodeBody[[]LedgerEntryJSON](t, w))

	w = s.provider(t, http.MethodGet, "/api/provider/ledger?since=yesterday", "p1", "")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPaymentConfirmed(t *testing.T) {
	s := newTestServer(t)
	s.service(t, http.MethodPut, "/api/admin/providers/p1", "")
	s.service(t, http.MethodPut, "/api/admin/providers/p2", "")

	tests := []struct {
		name   string
		body   string
		status int
		reason string
	}{
		{name: "ok", body: `{"provider_id":"p1","amount":100,"reference":"pay_1"}`, status: http.StatusOK},
		{name: "zero amount", body: `{"provider_id":"p1","amount":0,"reference":"pay_2"}`, status: http.StatusBadRequest, reason: "validation_failed"},
		{name: "no reference", body: `{"provider_id":"p1","amount":100}`, status: http.StatusBadRequest, reason: "validation_failed"},
		{name: "unknown provider", body: `{"provider_id":"p9","amount":100,"reference":"pay_3"}`, status: http.StatusNotFound, reason: "not_found"},
		{name: "reference of another provider", body: `{"provider_id":"p2","amount":100,"reference":"pay_1"}`, status: http.StatusConflict, reason: "reference_conflict"},
		{name: "malformed", body: `{"provider_id":`, status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.service(t, http.MethodPost, "/api/payments/confirmed", tt.body)
			require.Equal(t, tt.status, w.Code, w.Body.String())
			if tt.reason != "" {
				require.Equal(t, tt.reason, decodeBody[ErrorJSONResponse](t, w).Reason)
			}
		})
	}
}

func TestCycleEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := s.provider(t, http.MethodPost, "/api/provider/offers", "p1", `{}`)
	require.Equal(t, http.StatusCreated, w.Code)
	offer := decodeBody[OfferJSON](t, w)
	s.service(t, http.MethodPost, "/api/payments/confirmed", `{"provider_id":"p1","amount":5,"reference":"pay_1"}`)
	w = s.provider(t, http.MethodPost, "/api/provider/offers/"+offer.ID+"/activate", "p1", "")
	require.Equal(t, http.StatusNoContent, w.Code)

	w = s.service(t, http.MethodPost, "/api/admin/cycles/run", `{"period":"2026-10-15"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	record := decodeBody[CycleJSON](t, w)
	require.Equal(t, 1, record.ProvidersDeactivated)
	require.Equal(t, int64(5), record.TotalCharged)
	require.False(t, record.AlreadyCompleted)

	w = s.service(t, http.MethodPost, "/api/admin/cycles/run", `{"period":"2026-10-15"}`)
	require.Equal(t, http.StatusOK, w.Code)
	again := decodeBody[CycleJSON](t, w)
	require.True(t, again.AlreadyCompleted)
	require.Equal(t, record.CycleID, again.CycleID)

	w = s.service(t, http.MethodPost, "/api/admin/cycles/run", `{"period":"15.10.2026"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	// будущий период не запускается
	w = s.service(t, http.MethodPost, "/api/admin/cycles/run", `{"period":"2099-01-01"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "invalid_period", decodeBody[ErrorJSONResponse](t, w).Reason)

	w = s.service(t, http.MethodGet, "/api/admin/cycles", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, decodeBody[[]CycleJSON](t, w), 1)

	w = s.provider(t, http.MethodGet, "/api/provider/offers", "p1", "")
	offers := decodeBody[GetOffersJSONResponse](t, w)
	require.Equal(t, model.OfferStatusInactive, offers.Offers[0].Status)

	w = s.provider(t, http.MethodGet, "/api/provider/balance", "p1", "")
	require.Zero(t, decodeBody[GetBalanceJSONResponse](t, w).Balance)
}

func TestCycleRunWithoutBody(t *testing.T) {
	s := newTestServer(t)

	// chunked-запрос без тела
	r := httptest.NewRequest(http.MethodPost, "/api/admin/cycles/run", strings.NewReader(""))
	r.ContentLength = -1
	r.Header.Set(auth.HeaderServiceToken, serviceToken)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, time.Now().UTC().Format(model.PeriodLayout), decodeBody[CycleJSON](t, w).Period)

	w = s.service(t, http.MethodPost, "/api/admin/cycles/run", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.True(t, decodeBody[CycleJSON](t, w).AlreadyCompleted)
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t)

	r := httptest.NewRequest(http.MethodGet, "/api/provider/balance", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, r)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	r = httptest.NewRequest(http.MethodPost, "/api/admin/cycles/run", nil)
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, r)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	// токен поставщика не дает доступа к служебным методам
	w = s.provider(t, http.MethodPost, "/api/payments/confirmed", "p1", `{"provider_id":"p1","amount":100,"reference":"pay_1"}`)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.service(t, http.MethodPut, "/api/admin/providers/p1", "")
	s.service(t, http.MethodPost, "/api/payments/confirmed", `{"provider_id":"p1","amount":100,"reference":"pay_1"}`)

	r := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `offerbilling_topups_total{result="applied"} 1`)
}
