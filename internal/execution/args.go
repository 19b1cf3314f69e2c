// Package execution runs long activations, home internet renewals, on a
// durable River queue that shares the application's Postgres pool.
package execution

import (
	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/netpulse/backend/internal/activator"
)

const (
	QueueRenewals = "renewals"
	kindRenewal   = "isp_renewal"
)

type RenewalArgs struct {
	ExecutionLogID uuid.UUID `json:"executionLogId"`
	LineID         string    `json:"lineId"`
	AccountNumber  string    `json:"accountNumber"`
	PackageCode    string    `json:"packageCode"`
	DurationDays   int       `json:"durationDays"`
}

func (RenewalArgs) Kind() string { return kindRenewal }

func (RenewalArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{Queue: QueueRenewals}
}

func argsFrom(r activator.Renewal) RenewalArgs {
	return RenewalArgs{
		ExecutionLogID: r.ExecutionLogID,
		LineID:         r.LineID,
		AccountNumber:  r.AccountNumber,
		PackageCode:    r.PackageCode,
		DurationDays:   r.DurationDays,
	}
}

func (a RenewalArgs) renewal() activator.Renewal {
	return activator.Renewal{
		ExecutionLogID: a.ExecutionLogID,
		LineID:         a.LineID,
		AccountNumber:  a.AccountNumber,
		PackageCode:    a.PackageCode,
		DurationDays:   a.DurationDays,
	}
}
