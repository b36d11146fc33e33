// Package gate decides when an offer may become active and performs
// every offer status transition.
package gate

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/iurnickita/offerbilling/internal/ledger"
	"github.com/iurnickita/offerbilling/internal/metrics"
	"github.com/iurnickita/offerbilling/internal/model"
	"github.com/iurnickita/offerbilling/internal/store"
)

// PreconditionChecker is owned by the account/profile subsystem.
type PreconditionChecker interface {
	MeetsActivationPreconditions(ctx context.Context, provider string) (bool, error)
}

// AllowAll passes every provider; used when no profile service is configured.
type AllowAll struct{}

func (AllowAll) MeetsActivationPreconditions(context.Context, string) (bool, error) {
	return true, nil
}

type Gate interface {
	Eligibility(ctx context.Context, provider string) (model.Eligibility, error)
	CanActivate(ctx context.Context, provider string) (bool, error)
	Activate(ctx context.Context, offerID string) error
	Deactivate(ctx context.Context, offerID string) error
	Archive(ctx context.Context, offerID string) error
	ForceDeactivateAll(ctx context.Context, provider string) (int, error)
	ForceDeactivateBefore(ctx context.Context, provider string, before time.Time) (int, error)
}

var ErrConcurrentUpdate = errors.New("offer status changed concurrently")

const (
	reasonFunds    = "insufficient_funds"
	reasonProvider = "provider"
)

type gate struct {
	store   store.Store
	ledger  ledger.Ledger
	checker PreconditionChecker
	metrics *metrics.Metrics
	zaplog  *zap.Logger
}

func NewGate(store store.Store, ledger ledger.Ledger, checker PreconditionChecker, metrics *metrics.Metrics, zaplog *zap.Logger) Gate {
	return &gate{
		store:   store,
		ledger:  ledger,
		checker: checker,
		metrics: metrics,
		zaplog:  zaplog,
	}
}

func (gate *gate) Eligibility(ctx context.Context, provider string) (model.Eligibility, error) {
	balance, err := gate.ledger.GetBalance(ctx, provider)
	if err != nil {
		return model.Eligibility{}, err
	}
	ok, err := gate.checker.MeetsActivationPreconditions(ctx, provider)
	if err != nil {
		return model.Eligibility{}, err
	}
	return model.Eligibility{
		Provider:        provider,
		Balance:         balance,
		FundsOK:         balance > 0,
		PreconditionsOK: ok,
	}, nil
}

func (gate *gate) CanActivate(ctx context.Context, provider string) (bool, error) {
	eligibility, err := gate.Eligibility(ctx, provider)
	if err != nil {
		return false, err
	}
	return eligibility.Allowed(), nil
}

// Activate - единственный способ перевести предложение в active.
func (gate *gate) Activate(ctx context.Context, offerID string) error {
	offer, err := gate.getOffer(ctx, offerID)
	if err != nil {
		return err
	}
	if offer.Status == model.OfferStatusArchived {
		return model.ErrOfferArchived
	}

	// Средства проверяются первыми: для UI это разные причины отказа.
	// Уже активное предложение проходит те же проверки.
	balance, err := gate.ledger.GetBalance(ctx, offer.Provider)
	if err != nil {
		return err
	}
	if balance <= 0 {
		gate.metrics.Activations.WithLabelValues(reasonFunds).Inc()
		return model.ErrInsufficientFunds
	}
	ok, err := gate.checker.MeetsActivationPreconditions(ctx, offer.Provider)
	if err != nil {
		return err
	}
	if !ok {
		gate.metrics.Activations.WithLabelValues("preconditions_not_met").Inc()
		return model.ErrPreconditionsNotMet
	}
	if offer.Status == model.OfferStatusActive {
		return nil
	}

	err = gate.transition(ctx, offerID, model.OfferStatusInactive, model.OfferStatusActive)
	if err != nil {
		return err
	}
	gate.metrics.Activations.WithLabelValues("activated").Inc()
	gate.zaplog.Info("offer activated",
		zap.String("offer", offerID),
		zap.String("provider", offer.Provider),
		zap.Int64("balance", balance),
	)
	return nil
}

func (gate *gate) Deactivate(ctx context.Context, offerID string) error {
	offer, err := gate.getOffer(ctx, offerID)
	if err != nil {
		return err
	}
	switch offer.Status {
	case model.OfferStatusArchived:
		return model.ErrOfferArchived
	case model.OfferStatusInactive:
		return nil
	}

	err = gate.transition(ctx, offerID, model.OfferStatusActive, model.OfferStatusInactive)
	if err != nil {
		return err
	}
	gate.metrics.OffersDeactivated.WithLabelValues(reasonProvider).Inc()
	return nil
}

// Archive - конечное состояние, из него переходов нет
func (gate *gate) Archive(ctx context.Context, offerID string) error {
	for attempt := 0; attempt < 3; attempt++ {
		offer, err := gate.getOffer(ctx, offerID)
		if err != nil {
			return err
		}
		if offer.Status == model.OfferStatusArchived {
			return nil
		}
		ok, err := gate.store.OfferSetStatus(ctx, offerID, offer.Status, model.OfferStatusArchived)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return ErrConcurrentUpdate
}

func (gate *gate) ForceDeactivateAll(ctx context.Context, provider string) (int, error) {
	return gate.ForceDeactivateBefore(ctx, provider, time.Time{})
}

// ForceDeactivateBefore переводит в inactive все активные предложения поставщика,
// статус которых последний раз менялся не позже before (нулевое время - все).
func (gate *gate) ForceDeactivateBefore(ctx context.Context, provider string, before time.Time) (int, error) {
	offers, err := gate.store.OfferList(ctx, provider)
	if err != nil {
		return 0, err
	}

	var count int
	for _, offer := range offers {
		if offer.Status != model.OfferStatusActive {
			continue
		}
		// совпадение времени считается изменением до списания
		if !before.IsZero() && offer.UpdatedAt.After(before) {
			continue
		}
		ok, err := gate.store.OfferSetStatus(ctx, offer.ID, model.OfferStatusActive, model.OfferStatusInactive)
		if err != nil {
			return count, err
		}
		if ok {
			count++
		}
	}

	if count > 0 {
		gate.metrics.OffersDeactivated.WithLabelValues(reasonFunds).Add(float64(count))
		gate.zaplog.Info("offers force-deactivated",
			zap.String("provider", provider),
			zap.Int("count", count),
		)
	}
	return count, nil
}

func (gate *gate) getOffer(ctx context.Context, offerID string) (model.Offer, error) {
	offer, err := gate.store.OfferGet(ctx, offerID)
	if errors.Is(err, store.ErrNoRows) {
		return model.Offer{}, model.ErrNotFound
	}
	return offer, err
}

// transition: смена статуса со сравнением; проигравший гонку перечитывает предложение
func (gate *gate) transition(ctx context.Context, offerID string, from string, to string) error {
	ok, err := gate.store.OfferSetStatus(ctx, offerID, from, to)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	offer, err := gate.getOffer(ctx, offerID)
	if err != nil {
		return err
	}
	switch offer.Status {
	case to:
		return nil
	case model.OfferStatusArchived:
		return model.ErrOfferArchived
	default:
		return ErrConcurrentUpdate
	}
}
