package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iurnickita/offerbilling/internal/model"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "billing.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreLedger(t *testing.T) {
	const provider = "provider-1"

	ctx := context.Background()
	store := newTestStore(t)

	// неизвестный поставщик
	_, err := store.LedgerBalance(ctx, provider)
	require.ErrorIs(t, err, ErrNoRows)

	require.NoError(t, store.ProviderPut(ctx, provider))
	require.NoError(t, store.ProviderPut(ctx, provider))

	balance, err := store.LedgerBalance(ctx, provider)
	require.NoError(t, err)
	require.Zero(t, balance)

	// пополнение на 300
	topup, err := store.LedgerAppend(ctx, model.LedgerEntry{
		Provider:  provider,
		Amount:    300,
		Kind:      model.EntryKindTopup,
		Reference: "pay_1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, topup.ID)

	// тот же платеж второй раз
	_, err = store.LedgerAppend(ctx, model.LedgerEntry{
		Provider:  provider,
		Amount:    300,
		Kind:      model.EntryKindTopup,
		Reference: "pay_1",
	})
	require.ErrorIs(t, err, ErrDuplicate)

	found, err := store.LedgerGetTopup(ctx, "pay_1")
	require.NoError(t, err)
	require.Equal(t, topup.ID, found.ID)

	_, err = store.LedgerAppend(ctx, model.LedgerEntry{
		Provider: provider,
		Amount:   -50,
		Kind:     model.EntryKindAdjustment,
	})
	require.NoError(t, err)

	summary, err := store.LedgerSummary(ctx, provider)
	require.NoError(t, err)
	require.Equal(t, model.LedgerSummary{Provider: provider, Balance: 250, Credited: 300, Charged: 50}, summary)

	entries, err := store.LedgerList(ctx, provider, time.Time{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, model.EntryKindTopup, entries[0].Kind)
	require.Equal(t, "pay_1", entries[0].Reference)
	require.Equal(t, model.EntryKindAdjustment, entries[1].Kind)

	// баланс = сумма записей
	var sum int64
	for _, entry := range entries {
		sum += entry.Amount
	}
	require.Equal(t, summary.Balance, sum)
}

func TestStoreLedgerUnknownProvider(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.LedgerAppend(ctx, model.LedgerEntry{
		Provider: "nobody",
		Amount:   10,
		Kind:     model.EntryKindAdjustment,
	})
	require.ErrorIs(t, err, ErrNoRows)
}

func TestStoreLedgerCharge(t *testing.T) {
	const (
		provider = "provider-1"
		period   = "2026-10-15"
	)

	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.ProviderPut(ctx, provider))
	_, err := store.LedgerAppend(ctx, model.LedgerEntry{Provider: provider, Amount: 15, Kind: model.EntryKindTopup, Reference: "pay_1"})
	require.NoError(t, err)

	_, err = store.LedgerCharge(ctx, provider, period, 0, "")
	require.ErrorIs(t, err, ErrAmountIncorrect)

	// не хватает: списывается остаток
	charge, err := store.LedgerCharge(ctx, provider, period, 30, "daily charge")
	require.NoError(t, err)
	require.Equal(t, int64(-15), charge.Amount)
	require.Equal(t, int64(30), charge.Due)
	require.Equal(t, period, charge.Period)
	require.True(t, charge.Shortfall())

	// повторно за тот же период
	again, err := store.LedgerCharge(ctx, provider, period, 30, "daily charge")
	require.ErrorIs(t, err, ErrAlreadyCharged)
	require.Equal(t, charge.ID, again.ID)

	balance, err := store.LedgerBalance(ctx, provider)
	require.NoError(t, err)
	require.Zero(t, balance)

	// нулевой баланс: запись-метка с нулевой суммой
	next, err := store.LedgerCharge(ctx, provider, "2026-10-16", 30, "daily charge")
	require.NoError(t, err)
	require.Zero(t, next.Amount)

	found, err := store.LedgerGetCharge(ctx, provider, "2026-10-16")
	require.NoError(t, err)
	require.Equal(t, next.ID, found.ID)

	_, err = store.LedgerGetCharge(ctx, provider, "2026-10-17")
	require.ErrorIs(t, err, ErrNoRows)
}

func TestStoreLedgerConcurrentAppend(t *testing.T) {
	const provider = "provider-1"

	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.ProviderPut(ctx, provider))

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			amount := int64(10)
			if i%2 == 1 {
				amount = -3
			}
			_, err := store.LedgerAppend(ctx, model.LedgerEntry{Provider: provider, Amount: amount, Kind: model.EntryKindAdjustment})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	balance, err := store.LedgerBalance(ctx, provider)
	require.NoError(t, err)
	require.Equal(t, int64(10*10-3*10), balance)
}

func TestStoreOffer(t *testing.T) {
	const provider = "provider-1"

	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.ProviderPut(ctx, provider))

	offer := model.Offer{
		ID:       "offer-1",
		Provider: provider,
		Status:   model.OfferStatusInactive,
		IsVIP:    true,
	}
	require.NoError(t, store.OfferPost(ctx, offer))
	require.ErrorIs(t, store.OfferPost(ctx, offer), ErrAlreadyExists)
	require.NoError(t, store.OfferPost(ctx, model.Offer{ID: "offer-2", Provider: provider, Status: model.OfferStatusArchived}))

	dbOffer, err := store.OfferGet(ctx, "offer-1")
	require.NoError(t, err)
	require.Equal(t, model.OfferStatusInactive, dbOffer.Status)
	require.True(t, dbOffer.IsVIP)
	require.False(t, dbOffer.HasFlashOffer)

	_, err = store.OfferGet(ctx, "missing")
	require.ErrorIs(t, err, ErrNoRows)

	// смена статуса со сравнением
	ok, err := store.OfferSetStatus(ctx, "offer-1", model.OfferStatusInactive, model.OfferStatusActive)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.OfferSetStatus(ctx, "offer-1", model.OfferStatusInactive, model.OfferStatusActive)
	require.NoError(t, err)
	require.False(t, ok)

	offers, err := store.OfferList(ctx, provider)
	require.NoError(t, err)
	require.Len(t, offers, 2)

	providers, err := store.ProvidersWithOffers(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{provider}, providers)
}

func TestStoreCycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.CycleGet(ctx, "2026-10-15")
	require.ErrorIs(t, err, ErrNoRows)

	record := model.BillingCycleRecord{
		CycleID:              "cycle-1",
		Period:               "2026-10-15",
		RanAt:                time.Date(2026, time.October, 15, 0, 0, 1, 0, time.UTC),
		ProvidersProcessed:   3,
		ProvidersDeactivated: 1,
		TotalCharged:         70,
	}
	require.NoError(t, store.CyclePost(ctx, record))
	require.ErrorIs(t, store.CyclePost(ctx, record), ErrAlreadyExists)

	dbRecord, err := store.CycleGet(ctx, "2026-10-15")
	require.NoError(t, err)
	require.Equal(t, record, dbRecord)

	require.NoError(t, store.CyclePost(ctx, model.BillingCycleRecord{CycleID: "cycle-2", Period: "2026-10-16", RanAt: record.RanAt.Add(24 * time.Hour)}))
	records, err := store.CycleList(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "2026-10-16", records[0].Period)
}
