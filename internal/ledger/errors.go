package ledger

import "errors"

// Engine errors. Callers match them with errors.Is.
var (
	ErrNotFound            = errors.New("not found")
	ErrForbidden           = errors.New("forbidden")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrConflict            = errors.New("conflict")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidRefund       = errors.New("entry is not a refundable debit")
	ErrMissingKey          = errors.New("idempotency key is required")
	ErrInvalidState        = errors.New("invalid state")
)

// Store errors raised by unique constraints. The engine translates them.
var (
	ErrDuplicateKey       = errors.New("duplicate idempotency key")
	ErrDuplicateReference = errors.New("duplicate external reference")
)
