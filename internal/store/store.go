package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iurnickita/offerbilling/internal/model"
	"github.com/iurnickita/offerbilling/internal/store/config"
)

type Store interface {
	ProviderPut(ctx context.Context, provider string) error
	ProviderExists(ctx context.Context, provider string) (bool, error)
	ProvidersWithOffers(ctx context.Context) ([]string, error)

	LedgerBalance(ctx context.Context, provider string) (int64, error)
	LedgerSummary(ctx context.Context, provider string) (model.LedgerSummary, error)
	LedgerAppend(ctx context.Context, entry model.LedgerEntry) (model.LedgerEntry, error)
	LedgerCharge(ctx context.Context, provider string, period string, due int64, description string) (model.LedgerEntry, error)
	LedgerList(ctx context.Context, provider string, since time.Time) ([]model.LedgerEntry, error)
	LedgerGetCharge(ctx context.Context, provider string, period string) (model.LedgerEntry, error)
	LedgerGetTopup(ctx context.Context, reference string) (model.LedgerEntry, error)

	OfferPost(ctx context.Context, offer model.Offer) error
	OfferGet(ctx context.Context, id string) (model.Offer, error)
	OfferList(ctx context.Context, provider string) ([]model.Offer, error)
	OfferSetStatus(ctx context.Context, id string, from string, to string) (bool, error)

	CycleGet(ctx context.Context, period string) (model.BillingCycleRecord, error)
	CyclePost(ctx context.Context, record model.BillingCycleRecord) error
	CycleList(ctx context.Context, limit int) ([]model.BillingCycleRecord, error)

	Ping(ctx context.Context) error
	Close() error
}

var (
	ErrNoRows          = errors.New("no rows")
	ErrAlreadyExists   = errors.New("already exists")
	ErrDuplicate       = errors.New("duplicate ledger entry")
	ErrAlreadyCharged  = errors.New("provider already charged for period")
	ErrAmountIncorrect = errors.New("amount value is incorrect")
)

func NewStore(cfg config.Config) (Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres, "":
		return NewPostgresStore(cfg.DBDsn)
	case config.DriverSQLite:
		return NewSQLiteStore(cfg.DBDsn)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}
