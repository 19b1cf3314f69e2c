package purchase

import (
	"errors"

	"github.com/netpulse/backend/internal/ledger"
)

var (
	ErrUnknownService    = errors.New("unknown service type")
	ErrPackageInactive   = errors.New("package is not available")
	ErrOutOfStock        = errors.New("out of stock")
	ErrActivationFailure = errors.New("activation failed")
	// ErrRefundFailure means money was taken and could not be returned
	// automatically. It is never retried; an operator must reconcile.
	ErrRefundFailure = errors.New("refund failed")
	ErrInvalidState  = errors.New("invalid execution state")
)

// Shared with the ledger so one mapping covers both at the HTTP edge.
var (
	ErrNotFound  = ledger.ErrNotFound
	ErrConflict  = ledger.ErrConflict
	ErrForbidden = ledger.ErrForbidden
)
