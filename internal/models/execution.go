package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Service types sold through the purchase saga.
const (
	ServiceHomeInternet   = "HOME_INTERNET"
	ServiceHotspot        = "HOTSPOT"
	ServiceMobileRecharge = "MOBILE_RECHARGE"
	ServiceElectricity    = "ELECTRICITY"
	ServiceSetTopBox      = "SET_TOP_BOX"
)

// Execution log statuses. COMPLETED, FAILED and REFUNDED are terminal.
const (
	ExecutionPending   = "PENDING"
	ExecutionExecuting = "EXECUTING"
	ExecutionQueued    = "QUEUED"
	ExecutionCompleted = "COMPLETED"
	ExecutionFailed    = "FAILED"
	ExecutionRefunded  = "REFUNDED"
)

// ExecutionLog tracks one purchase attempt through the saga.
type ExecutionLog struct {
	ID              uuid.UUID       `json:"id"`
	ServiceType     string          `json:"service_type"`
	UserID          uuid.UUID       `json:"user_id"`
	WalletID        uuid.UUID       `json:"wallet_id"`
	PackageID       uuid.UUID       `json:"package_id"`
	Status          string          `json:"status"`
	IdempotencyKey  string          `json:"idempotency_key"`
	DebitEntryID    *uuid.UUID      `json:"debit_entry_id,omitempty"`
	RefundEntryID   *uuid.UUID      `json:"refund_entry_id,omitempty"`
	RequestPayload  json.RawMessage `json:"request_payload,omitempty"`
	ResponsePayload json.RawMessage `json:"response_payload,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	JobID           *int64          `json:"job_id,omitempty"`
	Attempts        int             `json:"attempts"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// IsTerminal reports whether the log reached a final state.
func (l *ExecutionLog) IsTerminal() bool {
	switch l.Status {
	case ExecutionCompleted, ExecutionFailed, ExecutionRefunded:
		return true
	}
	return false
}
