package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	cycleConfig "github.com/iurnickita/offerbilling/internal/cycle/config"

	"github.com/iurnickita/offerbilling/internal/cycle"
	"github.com/iurnickita/offerbilling/internal/gate"
	"github.com/iurnickita/offerbilling/internal/ledger"
	"github.com/iurnickita/offerbilling/internal/metrics"
	"github.com/iurnickita/offerbilling/internal/model"
	"github.com/iurnickita/offerbilling/internal/ratecalc"
	"github.com/iurnickita/offerbilling/internal/runlock"
	"github.com/iurnickita/offerbilling/internal/service/config"
	"github.com/iurnickita/offerbilling/internal/service/profileclient"
	"github.com/iurnickita/offerbilling/internal/store"
	"github.com/iurnickita/offerbilling/internal/topup"
)

type Service interface {
	RegisterProvider(ctx context.Context, provider string) error
	GetSummary(ctx context.Context, provider string) (model.LedgerSummary, error)
	GetLedger(ctx context.Context, provider string, since time.Time) ([]model.LedgerEntry, error)

	ListOffers(ctx context.Context, provider string) (OfferPreview, error)
	CreateOffer(ctx context.Context, provider string, isVIP bool, hasFlashOffer bool) (model.Offer, error)
	ActivateOffer(ctx context.Context, provider string, offerID string) error
	DeactivateOffer(ctx context.Context, provider string, offerID string) error
	ArchiveOffer(ctx context.Context, provider string, offerID string) error
	Eligibility(ctx context.Context, provider string) (model.Eligibility, error)

	ConfirmPayment(ctx context.Context, provider string, amount int64, reference string) (model.LedgerEntry, model.Eligibility, error)
	ForceDeactivateAll(ctx context.Context, provider string) (int, error)

	RunCycle(ctx context.Context, period string) (model.BillingCycleRecord, error)
	ListCycles(ctx context.Context, limit int) ([]model.BillingCycleRecord, error)

	Start(ctx context.Context)
	Stop()
}

var ErrInsufficientData = errors.New("insufficient data")

// OfferPreview - предложения поставщика и суточная сумма по текущим статусам
type OfferPreview struct {
	Offers      []model.Offer
	Lines       []ratecalc.Line
	DailyCharge int64
	Rates       model.BillingRate
}

type service struct {
	cfg       config.Config
	store     store.Store
	ledger    ledger.Ledger
	gate      gate.Gate
	topup     topup.Topup
	engine    *cycle.Engine
	schedule  cycle.Schedule
	scheduler *cycle.Scheduler
	now       func() time.Time
	zaplog    *zap.Logger
}

func NewService(cfg config.Config, cycleCfg cycleConfig.Config, store store.Store, locker runlock.Locker,
	metrics *metrics.Metrics, zaplog *zap.Logger) (Service, error) {
	schedule, err := cycle.NewSchedule(cycleCfg.Cutover, cycleCfg.Timezone)
	if err != nil {
		return nil, err
	}

	ledger := ledger.NewLedger(store)

	var checker gate.PreconditionChecker = gate.AllowAll{}
	if cfg.ProfileAddr != "" {
		checker = profileclient.NewProfileClient(cfg.ProfileAddr, cfg.CompletenessThreshold, cfg.ProfileTimeout)
	} else {
		zaplog.Warn("profile service address is not set, activation preconditions are not checked")
	}

	gate := gate.NewGate(store, ledger, checker, metrics, zaplog)
	engine := cycle.NewEngine(store, ledger, gate, locker, cycle.EngineOptions{
		Rates:   cycleCfg.Rates,
		Workers: cycleCfg.Workers,
		LockTTL: cycleCfg.LockTTL,
	}, metrics, zaplog)

	service := service{
		cfg:       cfg,
		store:     store,
		ledger:    ledger,
		gate:      gate,
		topup:     topup.NewTopup(ledger, metrics, zaplog),
		engine:    engine,
		schedule:  schedule,
		scheduler: cycle.NewScheduler(engine, schedule, cycleCfg.RetryInterval, zaplog),
		now:       time.Now,
		zaplog:    zaplog,
	}

	return &service, nil
}

// Start запускает ежедневные циклы списания
func (service *service) Start(ctx context.Context) {
	service.scheduler.Start(ctx)
}

func (service *service) Stop() {
	service.scheduler.Stop()
}

func (service *service) RegisterProvider(ctx context.Context, provider string) error {
	if provider == "" {
		return ErrInsufficientData
	}
	return service.store.ProviderPut(ctx, provider)
}

func (service *service) GetSummary(ctx context.Context, provider string) (model.LedgerSummary, error) {
	if provider == "" {
		return model.LedgerSummary{}, ErrInsufficientData
	}
	return service.ledger.GetSummary(ctx, provider)
}

func (service *service) GetLedger(ctx context.Context, provider string, since time.Time) ([]model.LedgerEntry, error) {
	if provider == "" {
		return nil, ErrInsufficientData
	}
	return service.ledger.ListEntries(ctx, provider, since)
}

func (service *service) ListOffers(ctx context.Context, provider string) (OfferPreview, error) {
	if provider == "" {
		return OfferPreview{}, ErrInsufficientData
	}
	offers, err := service.store.OfferList(ctx, provider)
	if err != nil {
		return OfferPreview{}, err
	}
	rates := service.engine.Rates()
	return OfferPreview{
		Offers:      offers,
		Lines:       ratecalc.Breakdown(offers, rates),
		DailyCharge: ratecalc.ComputeDailyCharge(offers, rates),
		Rates:       rates,
	}, nil
}

// CreateOffer создает предложение в статусе inactive.
// Поставщик регистрируется при первом предложении.
func (service *service) CreateOffer(ctx context.Context, provider string, isVIP bool, hasFlashOffer bool) (model.Offer, error) {
	if provider == "" {
		return model.Offer{}, ErrInsufficientData
	}
	if err := service.store.ProviderPut(ctx, provider); err != nil {
		return model.Offer{}, err
	}

	offer := model.Offer{
		ID:            uuid.NewString(),
		Provider:      provider,
		Status:        model.OfferStatusInactive,
		IsVIP:         isVIP,
		HasFlashOffer: hasFlashOffer,
	}
	if err := service.store.OfferPost(ctx, offer); err != nil {
		return model.Offer{}, err
	}
	return service.store.OfferGet(ctx, offer.ID)
}

func (service *service) ActivateOffer(ctx context.Context, provider string, offerID string) error {
	if err := service.checkOwner(ctx, provider, offerID); err != nil {
		return err
	}
	return service.gate.Activate(ctx, offerID)
}

func (service *service) DeactivateOffer(ctx context.Context, provider string, offerID string) error {
	if err := service.checkOwner(ctx, provider, offerID); err != nil {
		return err
	}
	return service.gate.Deactivate(ctx, offerID)
}

func (service *service) ArchiveOffer(ctx context.Context, provider string, offerID string) error {
	if err := service.checkOwner(ctx, provider, offerID); err != nil {
		return err
	}
	return service.gate.Archive(ctx, offerID)
}

// checkOwner: чужое предложение неотличимо от несуществующего
func (service *service) checkOwner(ctx context.Context, provider string, offerID string) error {
	if provider == "" || offerID == "" {
		return ErrInsufficientData
	}
	offer, err := service.store.OfferGet(ctx, offerID)
	if errors.Is(err, store.ErrNoRows) {
		return model.ErrNotFound
	}
	if err != nil {
		return err
	}
	if offer.Provider != provider {
		return model.ErrNotFound
	}
	return nil
}

func (service *service) Eligibility(ctx context.Context, provider string) (model.Eligibility, error) {
	if provider == "" {
		return model.Eligibility{}, ErrInsufficientData
	}
	return service.gate.Eligibility(ctx, provider)
}

// ConfirmPayment зачисляет платеж и пересчитывает возможность активации.
// Сами предложения не включаются.
func (service *service) ConfirmPayment(ctx context.Context, provider string, amount int64, reference string) (model.LedgerEntry, model.Eligibility, error) {
	if provider == "" {
		return model.LedgerEntry{}, model.Eligibility{}, ErrInsufficientData
	}
	entry, err := service.topup.ApplyTopup(ctx, provider, amount, reference)
	if err != nil {
		return model.LedgerEntry{}, model.Eligibility{}, err
	}

	// платеж уже записан: недоступность сервиса профилей его не отменяет
	eligibility, err := service.gate.Eligibility(ctx, provider)
	if err != nil {
		service.zaplog.Warn("failed to recompute activation eligibility",
			zap.String("provider", provider),
			zap.Error(err),
		)
		return entry, model.Eligibility{Provider: provider}, nil
	}
	return entry, eligibility, nil
}

func (service *service) ForceDeactivateAll(ctx context.Context, provider string) (int, error) {
	if provider == "" {
		return 0, ErrInsufficientData
	}
	exists, err := service.store.ProviderExists(ctx, provider)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, model.ErrNotFound
	}
	return service.gate.ForceDeactivateAll(ctx, provider)
}

// RunCycle запускает цикл вручную; пустой период - текущий.
// Периоды позже текущего не принимаются.
func (service *service) RunCycle(ctx context.Context, period string) (model.BillingCycleRecord, error) {
	current := service.schedule.PeriodAt(service.now())
	if period == "" {
		period = current
	}
	if _, err := service.schedule.PeriodStart(period); err != nil {
		return model.BillingCycleRecord{}, fmt.Errorf("%w: %q", cycle.ErrInvalidPeriod, period)
	}
	// формат YYYY-MM-DD сравнивается как строка
	if period > current {
		return model.BillingCycleRecord{}, fmt.Errorf("%w: %q is after current period %q", cycle.ErrInvalidPeriod, period, current)
	}
	return service.engine.RunPeriod(ctx, period)
}

func (service *service) ListCycles(ctx context.Context, limit int) ([]model.BillingCycleRecord, error) {
	return service.store.CycleList(ctx, limit)
}
