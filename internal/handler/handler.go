package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/iurnickita/offerbilling/internal/auth"
	"github.com/iurnickita/offerbilling/internal/cycle"
	"github.com/iurnickita/offerbilling/internal/gate"
	"github.com/iurnickita/offerbilling/internal/handler/config"
	"github.com/iurnickita/offerbilling/internal/ledger"
	"github.com/iurnickita/offerbilling/internal/logger"
	"github.com/iurnickita/offerbilling/internal/model"
	"github.com/iurnickita/offerbilling/internal/service"
)

// Serve обслуживает HTTP до отмены ctx
func Serve(ctx context.Context, cfg config.Config, auth auth.Auth, service service.Service,
	gatherer prometheus.Gatherer, zaplog *zap.Logger) error {
	h := newHandler(auth, service, gatherer, zaplog)
	router := h.newRouter()

	srv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	zaplog.Info("starting HTTP server", zap.String("addr", cfg.ServerAddr))
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

type handler struct {
	auth     auth.Auth
	service  service.Service
	gatherer prometheus.Gatherer
	validate *validator.Validate
	zaplog   *zap.Logger
}

func newHandler(auth auth.Auth, service service.Service, gatherer prometheus.Gatherer, zaplog *zap.Logger) *handler {
	return &handler{
		auth:     auth,
		service:  service,
		gatherer: gatherer,
		validate: validator.New(),
		zaplog:   zaplog,
	}
}

func (h *handler) newRouter() *http.ServeMux {
	mux := http.NewServeMux()
	// поставщик
	mux.HandleFunc("GET /api/provider/balance", logger.RequestLogMdlw(h.auth.Middleware(h.GetBalance), h.zaplog))
	mux.HandleFunc("GET /api/provider/ledger", logger.RequestLogMdlw(h.auth.Middleware(h.GetLedger), h.zaplog))
	mux.HandleFunc("GET /api/provider/offers", logger.RequestLogMdlw(h.auth.Middleware(h.GetOffers), h.zaplog))
	mux.HandleFunc("POST /api/provider/offers", logger.RequestLogMdlw(h.auth.Middleware(h.PostOffer), h.zaplog))
	mux.HandleFunc("GET /api/provider/activation", logger.RequestLogMdlw(h.auth.Middleware(h.GetActivation), h.zaplog))
	mux.HandleFunc("POST /api/provider/offers/{id}/activate", logger.RequestLogMdlw(h.auth.Middleware(h.PostActivate), h.zaplog))
	mux.HandleFunc("POST /api/provider/offers/{id}/deactivate", logger.RequestLogMdlw(h.auth.Middleware(h.PostDeactivate), h.zaplog))
	mux.HandleFunc("POST /api/provider/offers/{id}/archive", logger.RequestLogMdlw(h.auth.Middleware(h.PostArchive), h.zaplog))
	// внутренние сервисы
	mux.HandleFunc("PUT /api/admin/providers/{id}", logger.RequestMetaLogMdlw(h.auth.ServiceMiddleware(h.PutProvider), h.zaplog))
	mux.HandleFunc("POST /api/admin/providers/{id}/deactivate-all", logger.RequestMetaLogMdlw(h.auth.ServiceMiddleware(h.PostDeactivateAll), h.zaplog))
	mux.HandleFunc("POST /api/payments/confirmed", logger.RequestMetaLogMdlw(h.auth.ServiceMiddleware(h.PostPaymentConfirmed), h.zaplog))
	mux.HandleFunc("POST /api/admin/cycles/run", logger.RequestMetaLogMdlw(h.auth.ServiceMiddleware(h.PostCycleRun), h.zaplog))
	mux.HandleFunc("GET /api/admin/cycles", logger.RequestMetaLogMdlw(h.auth.ServiceMiddleware(h.GetCycles), h.zaplog))
	mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	return mux
}

type GetBalanceJSONResponse struct {
	Balance        int64  `json:"balance"`
	BalanceDisplay string `json:"balance_display"`
	Credited       int64  `json:"credited"`
	Charged        int64  `json:"charged"`
}

func (h *handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	provider := r.Header.Get(auth.HeaderProviderKey)

	summary, err := h.service.GetSummary(r.Context(), provider)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, GetBalanceJSONResponse{
		Balance:        summary.Balance,
		BalanceDisplay: ledger.Format(summary.Balance),
		Credited:       summary.Credited,
		Charged:        summary.Charged,
	})
}

type LedgerEntryJSON struct {
	ID            string    `json:"id"`
	Amount        int64     `json:"amount"`
	AmountDisplay string    `json:"amount_display"`
	Kind          string    `json:"kind"`
	Period        string    `json:"period,omitempty"`
	Reference     string    `json:"reference,omitempty"`
	Description   string    `json:"description"`
	CreatedAt     time.Time `json:"created_at"`
}

func (h *handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	provider := r.Header.Get(auth.HeaderProviderKey)

	var since time.Time
	if value := r.URL.Query().Get("since"); value != "" {
		var err error
		since, err = time.Parse(time.RFC3339, value)
		if err != nil {
			http.Error(w, "since: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	entries, err := h.service.GetLedger(r.Context(), provider, since)
	if err != nil {
		h.writeError(w, err)
		return
	}

	entriesJSON := make([]LedgerEntryJSON, 0, len(entries))
	for _, entry := range entries {
		entriesJSON = append(entriesJSON, LedgerEntryJSON{
			ID:            entry.ID,
			Amount:        entry.Amount,
			AmountDisplay: ledger.Format(entry.Amount),
			Kind:          entry.Kind,
			Period:        entry.Period,
			Reference:     entry.Reference,
			Description:   entry.Description,
			CreatedAt:     entry.CreatedAt,
		})
	}
	h.writeJSON(w, http.StatusOK, entriesJSON)
}

type OfferJSON struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"`
	IsVIP         bool      `json:"is_vip"`
	HasFlashOffer bool      `json:"has_flash_offer"`
	DailyCharge   int64     `json:"daily_charge"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type GetOffersJSONResponse struct {
	Offers             []OfferJSON `json:"offers"`
	DailyCharge        int64       `json:"daily_charge"`
	DailyChargeDisplay string      `json:"daily_charge_display"`
}

func (h *handler) GetOffers(w http.ResponseWriter, r *http.Request) {
	provider := r.Header.Get(auth.HeaderProviderKey)

	preview, err := h.service.ListOffers(r.Context(), provider)
	if err != nil {
		h.writeError(w, err)
		return
	}

	charges := make(map[string]int64, len(preview.Lines))
	for _, line := range preview.Lines {
		charges[line.Offer] = line.Total()
	}
	response := GetOffersJSONResponse{
		Offers:             make([]OfferJSON, 0, len(preview.Offers)),
		DailyCharge:        preview.DailyCharge,
		DailyChargeDisplay: ledger.Format(preview.DailyCharge),
	}
	for _, offer := range preview.Offers {
		item := offerJSON(offer)
		item.DailyCharge = charges[offer.ID]
		response.Offers = append(response.Offers, item)
	}
	h.writeJSON(w, http.StatusOK, response)
}

type PostOfferJSONRequest struct {
	IsVIP         bool `json:"is_vip"`
	HasFlashOffer bool `json:"has_flash_offer"`
}

func (h *handler) PostOffer(w http.ResponseWriter, r *http.Request) {
	var request PostOfferJSONRequest
	if !h.decode(w, r, &request) {
		return
	}
	provider := r.Header.Get(auth.HeaderProviderKey)

	offer, err := h.service.CreateOffer(r.Context(), provider, request.IsVIP, request.HasFlashOffer)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, offerJSON(offer))
}

type GetActivationJSONResponse struct {
	Allowed         bool  `json:"allowed"`
	FundsOK         bool  `json:"funds_ok"`
	PreconditionsOK bool  `json:"preconditions_ok"`
	Balance         int64 `json:"balance"`
}

func (h *handler) GetActivation(w http.ResponseWriter, r *http.Request) {
	provider := r.Header.Get(auth.HeaderProviderKey)

	eligibility, err := h.service.Eligibility(r.Context(), provider)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, GetActivationJSONResponse{
		Allowed:         eligibility.Allowed(),
		FundsOK:         eligibility.FundsOK,
		PreconditionsOK: eligibility.PreconditionsOK,
		Balance:         eligibility.Balance,
	})
}

func (h *handler) PostActivate(w http.ResponseWriter, r *http.Request) {
	provider := r.Header.Get(auth.HeaderProviderKey)
	h.writeStatusChange(w, h.service.ActivateOffer(r.Context(), provider, r.PathValue("id")))
}

func (h *handler) PostDeactivate(w http.ResponseWriter, r *http.Request) {
	provider := r.Header.Get(auth.HeaderProviderKey)
	h.writeStatusChange(w, h.service.DeactivateOffer(r.Context(), provider, r.PathValue("id")))
}

func (h *handler) PostArchive(w http.ResponseWriter, r *http.Request) {
	provider := r.Header.Get(auth.HeaderProviderKey)
	h.writeStatusChange(w, h.service.ArchiveOffer(r.Context(), provider, r.PathValue("id")))
}

func (h *handler) writeStatusChange(w http.ResponseWriter, err error) {
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) PutProvider(w http.ResponseWriter, r *http.Request) {
	if err := h.service.RegisterProvider(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type PostDeactivateAllJSONResponse struct {
	Deactivated int `json:"deactivated"`
}

func (h *handler) PostDeactivateAll(w http.ResponseWriter, r *http.Request) {
	count, err := h.service.ForceDeactivateAll(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, PostDeactivateAllJSONResponse{Deactivated: count})
}

type PostPaymentJSONRequest struct {
	Provider  string `json:"provider_id" validate:"required,max=128"`
	Amount    int64  `json:"amount" validate:"gt=0"`
	Reference string `json:"reference" validate:"required,max=256"`
}

type PostPaymentJSONResponse struct {
	Entry             LedgerEntryJSON `json:"entry"`
	Balance           int64           `json:"balance"`
	ActivationAllowed bool            `json:"activation_allowed"`
}

func (h *handler) PostPaymentConfirmed(w http.ResponseWriter, r *http.Request) {
	var request PostPaymentJSONRequest
	if !h.decode(w, r, &request) {
		return
	}

	entry, eligibility, err := h.service.ConfirmPayment(r.Context(), request.Provider, request.Amount, request.Reference)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, PostPaymentJSONResponse{
		Entry: LedgerEntryJSON{
			ID:            entry.ID,
			Amount:        entry.Amount,
			AmountDisplay: ledger.Format(entry.Amount),
			Kind:          entry.Kind,
			Reference:     entry.Reference,
			Description:   entry.Description,
			CreatedAt:     entry.CreatedAt,
		},
		Balance:           eligibility.Balance,
		ActivationAllowed: eligibility.Allowed(),
	})
}

type PostCycleRunJSONRequest struct {
	Period string `json:"period" validate:"omitempty,datetime=2006-01-02"`
}

type CycleJSON struct {
	CycleID              string    `json:"cycle_id"`
	Period               string    `json:"period"`
	RanAt                time.Time `json:"ran_at"`
	ProvidersProcessed   int       `json:"providers_processed"`
	ProvidersDeactivated int       `json:"providers_deactivated"`
	TotalCharged         int64     `json:"total_charged"`
	AlreadyCompleted     bool      `json:"already_completed,omitempty"`
}

func (h *handler) PostCycleRun(w http.ResponseWriter, r *http.Request) {
	var request PostCycleRunJSONRequest
	// тело необязательно: без него запускается текущий период
	if !h.decodeOptional(w, r, &request) {
		return
	}

	record, err := h.service.RunCycle(r.Context(), request.Period)
	completed := errors.Is(err, cycle.ErrCycleCompleted)
	if err != nil && !completed {
		h.writeError(w, err)
		return
	}
	response := cycleJSON(record)
	response.AlreadyCompleted = completed
	h.writeJSON(w, http.StatusOK, response)
}

func (h *handler) GetCycles(w http.ResponseWriter, r *http.Request) {
	var limit int
	if value := r.URL.Query().Get("limit"); value != "" {
		var err error
		limit, err = strconv.Atoi(value)
		if err != nil || limit < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
	}

	records, err := h.service.ListCycles(r.Context(), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	recordsJSON := make([]CycleJSON, 0, len(records))
	for _, record := range records {
		recordsJSON = append(recordsJSON, cycleJSON(record))
	}
	h.writeJSON(w, http.StatusOK, recordsJSON)
}

func offerJSON(offer model.Offer) OfferJSON {
	return OfferJSON{
		ID:            offer.ID,
		Status:        offer.Status,
		IsVIP:         offer.IsVIP,
		HasFlashOffer: offer.HasFlashOffer,
		CreatedAt:     offer.CreatedAt,
		UpdatedAt:     offer.UpdatedAt,
	}
}

func cycleJSON(record model.BillingCycleRecord) CycleJSON {
	return CycleJSON{
		CycleID:              record.CycleID,
		Period:               record.Period,
		RanAt:                record.RanAt,
		ProvidersProcessed:   record.ProvidersProcessed,
		ProvidersDeactivated: record.ProvidersDeactivated,
		TotalCharged:         record.TotalCharged,
	}
}

// decode читает JSON тела запроса и проверяет теги validate
func (h *handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	return h.decodeBody(w, r, v, false)
}

func (h *handler) decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	return h.decodeBody(w, r, v, true)
}

func (h *handler) decodeBody(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if optional && errors.Is(err, io.EOF) {
		err = nil
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			fields := make(map[string]string, len(validationErrors))
			for _, ve := range validationErrors {
				fields[ve.Field()] = ve.Tag()
			}
			h.writeJSON(w, http.StatusBadRequest, ErrorJSONResponse{Reason: "validation_failed", Fields: fields})
			return false
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

type ErrorJSONResponse struct {
	Reason string            `json:"reason"`
	Error  string            `json:"error,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

func (h *handler) writeError(w http.ResponseWriter, err error) {
	var status int
	var reason string
	switch {
	case errors.Is(err, model.ErrNotFound):
		status, reason = http.StatusNotFound, "not_found"
	case errors.Is(err, service.ErrInsufficientData):
		status, reason = http.StatusBadRequest, "insufficient_data"
	case errors.Is(err, model.ErrInvalidAmount):
		status, reason = http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, model.ErrInvalidReference):
		status, reason = http.StatusBadRequest, "invalid_reference"
	case errors.Is(err, cycle.ErrInvalidPeriod):
		status, reason = http.StatusBadRequest, "invalid_period"
	case errors.Is(err, model.ErrInsufficientFunds):
		status, reason = http.StatusPaymentRequired, "insufficient_funds"
	case errors.Is(err, model.ErrPreconditionsNotMet):
		status, reason = http.StatusConflict, "preconditions_not_met"
	case errors.Is(err, model.ErrOfferArchived):
		status, reason = http.StatusConflict, "offer_archived"
	case errors.Is(err, model.ErrReferenceConflict):
		status, reason = http.StatusConflict, "reference_conflict"
	case errors.Is(err, gate.ErrConcurrentUpdate):
		status, reason = http.StatusConflict, "concurrent_update"
	case errors.Is(err, cycle.ErrCycleInProgress):
		status, reason = http.StatusConflict, "cycle_in_progress"
	default:
		h.zaplog.Error("request failed", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, status, ErrorJSONResponse{Reason: reason, Error: err.Error()})
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, v any) {
	responseJSON, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(responseJSON)
}
