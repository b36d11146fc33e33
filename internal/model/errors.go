package model

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidReference    = errors.New("invalid payment reference")
	ErrInvalidKind         = errors.New("invalid ledger entry kind")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrPreconditionsNotMet = errors.New("activation preconditions not met")
	ErrOfferArchived       = errors.New("offer is archived")
	ErrReferenceConflict   = errors.New("payment reference belongs to another provider")
)
