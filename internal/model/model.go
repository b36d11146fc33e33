package model

import "time"

// Предложения поставщика

type Offer struct {
	ID            string
	Provider      string
	Status        string
	IsVIP         bool
	HasFlashOffer bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

const (
	OfferStatusActive   = "active"
	OfferStatusInactive = "inactive"
	OfferStatusArchived = "archived"
)

// Журнал баланса.
// Записи только добавляются, баланс = сумма Amount по поставщику.

type LedgerEntry struct {
	ID          string
	Provider    string
	Amount      int64
	Kind        string
	Period      string // только daily_charge
	Due         int64  // полная суточная сумма, против которой считалось списание
	Reference   string // только topup
	Description string
	CreatedAt   time.Time
}

const (
	EntryKindTopup       = "topup"
	EntryKindDailyCharge = "daily_charge"
	EntryKindRefund      = "refund"
	EntryKindAdjustment  = "adjustment"
)

// Shortfall reports whether a daily charge could not cover the full amount due.
func (e LedgerEntry) Shortfall() bool {
	return e.Kind == EntryKindDailyCharge && -e.Amount < e.Due
}

type LedgerSummary struct {
	Provider string
	Balance  int64
	Credited int64
	Charged  int64
}

// Тарифы, в минимальных единицах валюты за сутки

type BillingRate struct {
	Standard int64
	VIP      int64
	Flash    int64
}

// Биллинговые циклы

// PeriodLayout is the textual form of a billing period (one calendar day).
const PeriodLayout = "2006-01-02"

type BillingCycleRecord struct {
	CycleID              string
	Period               string
	RanAt                time.Time
	ProvidersProcessed   int
	ProvidersDeactivated int
	TotalCharged         int64
}

// Возможность активации

type Eligibility struct {
	Provider        string
	Balance         int64
	FundsOK         bool
	PreconditionsOK bool
}

func (e Eligibility) Allowed() bool {
	return e.FundsOK && e.PreconditionsOK
}
