// Package idempotency builds the operation tokens that make ledger writes safe
// to retry.
package idempotency

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a fresh random key with the given prefix, e.g. "topup:3f2a...".
func New(prefix string) string {
	if prefix == "" {
		return uuid.NewString()
	}
	return prefix + ":" + uuid.NewString()
}

// Refund is the deterministic key for refunding a ledger entry. Every refund
// attempt for the same entry maps to the same key, so only one credit can exist.
func Refund(originalEntryID uuid.UUID) string {
	return "refund:" + originalEntryID.String()
}

// Purchase derives the debit key for a purchase attempt. A client-supplied key
// wins so a retried HTTP request replays the same debit.
func Purchase(executionLogID uuid.UUID, clientKey string) string {
	if k := strings.TrimSpace(clientKey); k != "" {
		return "purchase:" + k
	}
	return "purchase:" + executionLogID.String()
}
