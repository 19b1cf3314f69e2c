package activator

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Renewal identifies one subscription renewal on the ISP side.
type Renewal struct {
	ExecutionLogID uuid.UUID
	LineID         string
	AccountNumber  string
	PackageCode    string
	DurationDays   int
}

// Reference is the marker written on the provider side so a repeated attempt
// can tell the renewal already happened.
func (r Renewal) Reference() string { return r.ExecutionLogID.String() }

type RenewalReceipt struct {
	Reference string    `json:"reference"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Renewer extends a subscriber's service at the ISP.
type Renewer interface {
	// IsRenewed reports whether the renewal carrying r.Reference() already
	// took effect, and returns its receipt when it did.
	IsRenewed(ctx context.Context, r Renewal) (*RenewalReceipt, bool, error)
	Renew(ctx context.Context, r Renewal) (*RenewalReceipt, error)
}
