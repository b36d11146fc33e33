// Package cycle runs the daily billing cycle: it charges every provider
// for its active offers and deactivates the offers of providers who
// cannot cover the full daily charge.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iurnickita/offerbilling/internal/gate"
	"github.com/iurnickita/offerbilling/internal/ledger"
	"github.com/iurnickita/offerbilling/internal/metrics"
	"github.com/iurnickita/offerbilling/internal/model"
	"github.com/iurnickita/offerbilling/internal/ratecalc"
	"github.com/iurnickita/offerbilling/internal/runlock"
	"github.com/iurnickita/offerbilling/internal/store"
)

const lockKey = "offerbilling:billing-cycle"

var (
	ErrCycleInProgress = errors.New("billing cycle already in progress")
	ErrCycleCompleted  = errors.New("billing cycle already completed for period")
	ErrInvalidPeriod   = errors.New("invalid billing period")
)

type Engine struct {
	store   store.Store
	ledger  ledger.Ledger
	gate    gate.Gate
	locker  runlock.Locker
	rates   model.BillingRate
	workers int
	lockTTL time.Duration
	metrics *metrics.Metrics
	zaplog  *zap.Logger
	now     func() time.Time
}

type EngineOptions struct {
	Rates   model.BillingRate
	Workers int
	LockTTL time.Duration
}

func NewEngine(store store.Store, ledger ledger.Ledger, gate gate.Gate, locker runlock.Locker,
	opts EngineOptions, metrics *metrics.Metrics, zaplog *zap.Logger) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 10 * time.Minute
	}
	return &Engine{
		store:   store,
		ledger:  ledger,
		gate:    gate,
		locker:  locker,
		rates:   opts.Rates,
		workers: opts.Workers,
		lockTTL: opts.LockTTL,
		metrics: metrics,
		zaplog:  zaplog,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Rates returns the configured billing rates.
func (e *Engine) Rates() model.BillingRate {
	return e.rates
}

type providerResult struct {
	charged     int64
	deactivated bool
}

// RunPeriod charges every provider with non-archived offers for the period.
// A period is processed at most once: a finished run leaves a BillingCycleRecord
// (ErrCycleCompleted on later calls), and an interrupted run can be repeated
// because every provider is charged at most once per period.
func (e *Engine) RunPeriod(ctx context.Context, period string) (model.BillingCycleRecord, error) {
	if _, err := time.Parse(model.PeriodLayout, period); err != nil {
		return model.BillingCycleRecord{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, period)
	}

	lock, err := e.locker.Obtain(ctx, lockKey, e.lockTTL)
	if errors.Is(err, runlock.ErrNotObtained) {
		e.metrics.CycleRuns.WithLabelValues("in_progress").Inc()
		return model.BillingCycleRecord{}, ErrCycleInProgress
	}
	if err != nil {
		return model.BillingCycleRecord{}, fmt.Errorf("obtain cycle lock: %w", err)
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			e.zaplog.Warn("failed to release cycle lock", zap.Error(err))
		}
	}()
	stopRefresh := e.keepLock(ctx, lock)
	defer stopRefresh()

	// Цикл за период уже завершен
	existing, err := e.store.CycleGet(ctx, period)
	switch {
	case err == nil:
		e.metrics.CycleRuns.WithLabelValues("skipped").Inc()
		return existing, ErrCycleCompleted
	case !errors.Is(err, store.ErrNoRows):
		return model.BillingCycleRecord{}, err
	}

	started := e.now()
	providers, err := e.store.ProvidersWithOffers(ctx)
	if err != nil {
		e.metrics.CycleRuns.WithLabelValues("failed").Inc()
		return model.BillingCycleRecord{}, err
	}

	var (
		mu     sync.Mutex
		errs   error
		record = model.BillingCycleRecord{Period: period}
	)
	var g errgroup.Group
	g.SetLimit(e.workers)
	for _, provider := range providers {
		g.Go(func() error {
			res, err := e.chargeProvider(ctx, period, provider)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// остальные поставщики обрабатываются, цикл будет повторен
				errs = multierr.Append(errs, fmt.Errorf("provider %s: %w", provider, err))
				return nil
			}
			record.ProvidersProcessed++
			record.TotalCharged += res.charged
			if res.deactivated {
				record.ProvidersDeactivated++
			}
			return nil
		})
	}
	g.Wait()

	if errs != nil {
		e.metrics.CycleRuns.WithLabelValues("failed").Inc()
		e.zaplog.Error("billing cycle incomplete",
			zap.String("period", period),
			zap.Int("failed", len(multierr.Errors(errs))),
			zap.Error(errs),
		)
		return model.BillingCycleRecord{}, errs
	}

	record.CycleID = uuid.NewString()
	record.RanAt = e.now()
	err = e.store.CyclePost(ctx, record)
	if errors.Is(err, store.ErrAlreadyExists) {
		existing, err := e.store.CycleGet(ctx, period)
		if err != nil {
			return model.BillingCycleRecord{}, err
		}
		return existing, ErrCycleCompleted
	}
	if err != nil {
		e.metrics.CycleRuns.WithLabelValues("failed").Inc()
		return model.BillingCycleRecord{}, err
	}

	e.metrics.CycleRuns.WithLabelValues("completed").Inc()
	e.metrics.CycleDuration.Observe(record.RanAt.Sub(started).Seconds())
	e.zaplog.Info("billing cycle completed",
		zap.String("period", period),
		zap.String("cycle", record.CycleID),
		zap.Int("providers", record.ProvidersProcessed),
		zap.Int("deactivated", record.ProvidersDeactivated),
		zap.Int64("charged", record.TotalCharged),
	)
	return record, nil
}

func (e *Engine) chargeProvider(ctx context.Context, period string, provider string) (providerResult, error) {
	// Списание за период уже есть - продолжение прерванного цикла
	existing, err := e.ledger.GetCharge(ctx, provider, period)
	switch {
	case err == nil:
		return e.resume(ctx, provider, existing)
	case !errors.Is(err, model.ErrNotFound):
		return providerResult{}, err
	}

	offers, err := e.store.OfferList(ctx, provider)
	if err != nil {
		return providerResult{}, err
	}
	due := ratecalc.ComputeDailyCharge(offers, e.rates)
	if due == 0 {
		return providerResult{}, nil
	}

	entry, err := e.ledger.ChargeDaily(ctx, provider, period, due)
	if errors.Is(err, ledger.ErrAlreadyCharged) {
		return e.resume(ctx, provider, entry)
	}
	if err != nil {
		return providerResult{}, err
	}

	res := providerResult{charged: -entry.Amount}
	e.metrics.ChargedTotal.Add(float64(res.charged))
	if !entry.Shortfall() {
		return res, nil
	}

	// Не хватило на полную сумму: отключаются все активные предложения
	count, err := e.gate.ForceDeactivateAll(ctx, provider)
	if err != nil {
		return providerResult{}, fmt.Errorf("deactivate offers: %w", err)
	}
	res.deactivated = true
	e.metrics.ProvidersDeactivated.Inc()
	e.zaplog.Info("insufficient balance, offers deactivated",
		zap.String("provider", provider),
		zap.String("period", period),
		zap.Int64("due", due),
		zap.Int64("charged", res.charged),
		zap.Int("offers", count),
	)
	return res, nil
}

// resume завершает обработку поставщика, уже списанного в этом периоде.
// Отключение повторяется только для предложений, активированных до списания.
func (e *Engine) resume(ctx context.Context, provider string, entry model.LedgerEntry) (providerResult, error) {
	res := providerResult{charged: -entry.Amount}
	if !entry.Shortfall() {
		return res, nil
	}
	count, err := e.gate.ForceDeactivateBefore(ctx, provider, entry.CreatedAt)
	if err != nil {
		return providerResult{}, fmt.Errorf("deactivate offers: %w", err)
	}
	res.deactivated = true
	if count > 0 {
		e.zaplog.Info("resumed deactivation after interrupted cycle",
			zap.String("provider", provider),
			zap.String("period", entry.Period),
			zap.Int("offers", count),
		)
	}
	return res, nil
}

// keepLock продлевает блокировку, пока идет цикл
func (e *Engine) keepLock(ctx context.Context, lock runlock.Lock) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(e.lockTTL / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if err := lock.Refresh(ctx, e.lockTTL); err != nil {
					e.zaplog.Warn("failed to refresh cycle lock", zap.Error(err))
				}
			}
		}
	}()
	return func() { close(done) }
}
