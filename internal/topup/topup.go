// Package topup credits provider balances after confirmed external payments.
package topup

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/iurnickita/offerbilling/internal/ledger"
	"github.com/iurnickita/offerbilling/internal/metrics"
	"github.com/iurnickita/offerbilling/internal/model"
)

type Topup interface {
	ApplyTopup(ctx context.Context, provider string, amount int64, reference string) (model.LedgerEntry, error)
}

type topup struct {
	ledger  ledger.Ledger
	metrics *metrics.Metrics
	zaplog  *zap.Logger
}

func NewTopup(ledger ledger.Ledger, metrics *metrics.Metrics, zaplog *zap.Logger) Topup {
	return &topup{
		ledger:  ledger,
		metrics: metrics,
		zaplog:  zaplog,
	}
}

// ApplyTopup записывает пополнение один раз на платеж.
// Повтор с той же ссылкой возвращает ранее созданную запись.
// Предложения не активируются - это отдельное действие поставщика.
func (topup *topup) ApplyTopup(ctx context.Context, provider string, amount int64, reference string) (model.LedgerEntry, error) {
	if amount <= 0 {
		topup.metrics.Topups.WithLabelValues("invalid").Inc()
		return model.LedgerEntry{}, model.ErrInvalidAmount
	}
	if reference == "" {
		topup.metrics.Topups.WithLabelValues("invalid").Inc()
		return model.LedgerEntry{}, model.ErrInvalidReference
	}

	// Платеж уже учтен
	existing, err := topup.ledger.GetTopup(ctx, reference)
	switch {
	case err == nil:
		return topup.duplicate(provider, existing)
	case !errors.Is(err, model.ErrNotFound):
		return model.LedgerEntry{}, err
	}

	entry, err := topup.ledger.AppendTopup(ctx, provider, amount, reference, "top-up "+reference)
	if errors.Is(err, ledger.ErrDuplicateReference) {
		// параллельное подтверждение того же платежа
		existing, err := topup.ledger.GetTopup(ctx, reference)
		if err != nil {
			return model.LedgerEntry{}, err
		}
		return topup.duplicate(provider, existing)
	}
	if err != nil {
		return model.LedgerEntry{}, err
	}

	topup.metrics.Topups.WithLabelValues("applied").Inc()
	topup.zaplog.Info("top-up applied",
		zap.String("provider", provider),
		zap.String("reference", reference),
		zap.Int64("amount", amount),
	)
	return entry, nil
}

func (topup *topup) duplicate(provider string, existing model.LedgerEntry) (model.LedgerEntry, error) {
	if existing.Provider != provider {
		topup.metrics.Topups.WithLabelValues("conflict").Inc()
		return model.LedgerEntry{}, model.ErrReferenceConflict
	}
	topup.metrics.Topups.WithLabelValues("duplicate").Inc()
	return existing, nil
}
