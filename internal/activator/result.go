// Package activator performs the provider side of a purchase: the call that
// actually delivers a recharge, a bill payment, or a subscription renewal.
package activator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/netpulse/backend/internal/models"
)

// ErrPermanent marks a failure that no retry can fix (bad account number,
// rejected by the provider). Wrap it so errors.Is finds it.
var ErrPermanent = errors.New("permanent activation failure")

// ErrInvalidParams is returned by Validate for missing or malformed input.
var ErrInvalidParams = errors.New("invalid purchase parameters")

// Kind discriminates Result.
type Kind int

const (
	KindCompleted Kind = iota + 1
	KindPending
	KindQueued
	KindFailed
)

func (k Kind) String() string {
	switch k {
	case KindCompleted:
		return "completed"
	case KindPending:
		return "pending"
	case KindQueued:
		return "queued"
	case KindFailed:
		return "failed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Result is the outcome of one activation. Only the fields of its Kind are set.
type Result struct {
	Kind Kind

	// Completed
	Reference string
	Payload   json.RawMessage

	// Pending
	Reason string

	// Queued
	JobID int64

	// Failed
	Err error
}

// Completed builds a success result. payload is marshalled to JSON; a value
// that fails to marshal is recorded as its error string.
func Completed(reference string, payload any) Result {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw, _ = json.Marshal(map[string]string{"marshal_error": err.Error()})
	}
	return Result{Kind: KindCompleted, Reference: reference, Payload: raw}
}

func Pending(reason string) Result { return Result{Kind: KindPending, Reason: reason} }

func Queued(jobID int64) Result { return Result{Kind: KindQueued, JobID: jobID} }

func Failed(err error) Result {
	if err == nil {
		err = errors.New("activation failed")
	}
	return Result{Kind: KindFailed, Err: err}
}

// Request carries everything an activator needs about one purchase.
type Request struct {
	ExecutionLogID uuid.UUID
	UserID         uuid.UUID
	Package        *models.ServicePackage
	Params         map[string]string
}

// Param returns a trimmed request parameter.
func (r Request) Param(name string) string {
	return strings.TrimSpace(r.Params[name])
}

// Activator delivers one synchronous service.
type Activator interface {
	Activate(ctx context.Context, req Request) Result
}

// Func adapts a function to Activator.
type Func func(ctx context.Context, req Request) Result

func (f Func) Activate(ctx context.Context, req Request) Result { return f(ctx, req) }

// Request parameter names shared by handlers and HTTP decoding.
const (
	ParamPhoneNumber   = "phone_number"
	ParamMeterNumber   = "meter_number"
	ParamLineID        = "line_id"
	ParamAccountNumber = "account_number"
	ParamDeviceSerial  = "device_serial"
)
