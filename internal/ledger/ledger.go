package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iurnickita/offerbilling/internal/model"
	"github.com/iurnickita/offerbilling/internal/store"
)

type Ledger interface {
	GetBalance(ctx context.Context, provider string) (int64, error)
	GetSummary(ctx context.Context, provider string) (model.LedgerSummary, error)
	AppendEntry(ctx context.Context, provider string, amount int64, kind string, description string) (model.LedgerEntry, error)
	AppendTopup(ctx context.Context, provider string, amount int64, reference string, description string) (model.LedgerEntry, error)
	ChargeDaily(ctx context.Context, provider string, period string, due int64) (model.LedgerEntry, error)
	ListEntries(ctx context.Context, provider string, since time.Time) ([]model.LedgerEntry, error)
	GetTopup(ctx context.Context, reference string) (model.LedgerEntry, error)
	GetCharge(ctx context.Context, provider string, period string) (model.LedgerEntry, error)
}

var (
	ErrDuplicateReference = errors.New("payment reference already recorded")
	ErrAlreadyCharged     = errors.New("already charged for period")
)

type ledger struct {
	store store.Store
}

func NewLedger(store store.Store) Ledger {
	ledger := ledger{store: store}
	return &ledger
}

func (ledger *ledger) GetBalance(ctx context.Context, provider string) (int64, error) {
	balance, err := ledger.store.LedgerBalance(ctx, provider)
	return balance, translate(err)
}

func (ledger *ledger) GetSummary(ctx context.Context, provider string) (model.LedgerSummary, error) {
	summary, err := ledger.store.LedgerSummary(ctx, provider)
	return summary, translate(err)
}

// AppendEntry добавляет refund/adjustment.
// topup и daily_charge пишутся только через AppendTopup и ChargeDaily - у них обязательные метки.
func (ledger *ledger) AppendEntry(ctx context.Context, provider string, amount int64, kind string, description string) (model.LedgerEntry, error) {
	switch kind {
	case model.EntryKindRefund, model.EntryKindAdjustment:
	default:
		return model.LedgerEntry{}, model.ErrInvalidKind
	}
	if amount == 0 {
		return model.LedgerEntry{}, model.ErrInvalidAmount
	}

	entry, err := ledger.store.LedgerAppend(ctx, model.LedgerEntry{
		Provider:    provider,
		Amount:      amount,
		Kind:        kind,
		Description: description,
	})
	return entry, translate(err)
}

func (ledger *ledger) AppendTopup(ctx context.Context, provider string, amount int64, reference string, description string) (model.LedgerEntry, error) {
	if amount <= 0 {
		return model.LedgerEntry{}, model.ErrInvalidAmount
	}
	if reference == "" {
		return model.LedgerEntry{}, model.ErrInvalidReference
	}

	entry, err := ledger.store.LedgerAppend(ctx, model.LedgerEntry{
		Provider:    provider,
		Amount:      amount,
		Kind:        model.EntryKindTopup,
		Reference:   reference,
		Description: description,
	})
	if errors.Is(err, store.ErrDuplicate) {
		return model.LedgerEntry{}, ErrDuplicateReference
	}
	return entry, translate(err)
}

// ChargeDaily списывает due за период, но не больше текущего баланса.
// При повторном вызове за тот же период возвращает существующую запись и ErrAlreadyCharged.
func (ledger *ledger) ChargeDaily(ctx context.Context, provider string, period string, due int64) (model.LedgerEntry, error) {
	if due <= 0 {
		return model.LedgerEntry{}, model.ErrInvalidAmount
	}

	description := fmt.Sprintf("daily charge for %s (%s due)", period, Format(due))
	entry, err := ledger.store.LedgerCharge(ctx, provider, period, due, description)
	switch {
	case errors.Is(err, store.ErrAlreadyCharged):
		return entry, ErrAlreadyCharged
	case errors.Is(err, store.ErrDuplicate):
		// параллельная запись за тот же период
		existing, getErr := ledger.GetCharge(ctx, provider, period)
		if getErr != nil {
			return model.LedgerEntry{}, getErr
		}
		return existing, ErrAlreadyCharged
	}
	return entry, translate(err)
}

func (ledger *ledger) ListEntries(ctx context.Context, provider string, since time.Time) ([]model.LedgerEntry, error) {
	exists, err := ledger.store.ProviderExists(ctx, provider)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, model.ErrNotFound
	}

	return ledger.store.LedgerList(ctx, provider, since)
}

func (ledger *ledger) GetTopup(ctx context.Context, reference string) (model.LedgerEntry, error) {
	entry, err := ledger.store.LedgerGetTopup(ctx, reference)
	return entry, translate(err)
}

func (ledger *ledger) GetCharge(ctx context.Context, provider string, period string) (model.LedgerEntry, error) {
	entry, err := ledger.store.LedgerGetCharge(ctx, provider, period)
	return entry, translate(err)
}

func translate(err error) error {
	if errors.Is(err, store.ErrNoRows) {
		return model.ErrNotFound
	}
	return err
}

// Format renders an amount in minor units as a decimal string with two places.
func Format(amount int64) string {
	return decimal.New(amount, -2).StringFixed(2)
}
