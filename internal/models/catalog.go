package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Package statuses.
const (
	PackageStatusActive   = "ACTIVE"
	PackageStatusInactive = "INACTIVE"
)

// Voucher statuses.
const (
	VoucherAvailable = "AVAILABLE"
	VoucherSold      = "SOLD"
)

// Subscription statuses.
const (
	SubscriptionActive  = "ACTIVE"
	SubscriptionExpired = "EXPIRED"
)

// ServicePackage is a sellable offer for one service type.
type ServicePackage struct {
	ID           uuid.UUID       `json:"id"`
	ServiceType  string          `json:"service_type"`
	Code         string          `json:"code"`
	Name         string          `json:"name"`
	Price        decimal.Decimal `json:"price"`
	Status       string          `json:"status"`
	DurationDays int             `json:"duration_days"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Voucher is one physical hotspot card in stock.
type Voucher struct {
	ID             uuid.UUID  `json:"id"`
	PackageID      uuid.UUID  `json:"package_id"`
	Code           string     `json:"code"`
	Status         string     `json:"status"`
	SoldTo         *uuid.UUID `json:"sold_to,omitempty"`
	SoldAt         *time.Time `json:"sold_at,omitempty"`
	ExecutionLogID *uuid.UUID `json:"execution_log_id,omitempty"`
}

// Subscription is the active ownership of a home-internet line.
type Subscription struct {
	ID        uuid.UUID `json:"id"`
	LineID    string    `json:"line_id"`
	UserID    uuid.UUID `json:"user_id"`
	PackageID uuid.UUID `json:"package_id"`
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ExpiredAt reports whether the subscription has run out at t.
func (s *Subscription) ExpiredAt(t time.Time) bool {
	return !s.ExpiresAt.After(t)
}

// ServiceRecord is the delivered service created when a purchase completes.
type ServiceRecord struct {
	ID             uuid.UUID       `json:"id"`
	ExecutionLogID uuid.UUID       `json:"execution_log_id"`
	ServiceType    string          `json:"service_type"`
	UserID         uuid.UUID       `json:"user_id"`
	Reference      string          `json:"reference"`
	Details        json.RawMessage `json:"details,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}
