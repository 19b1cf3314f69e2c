package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const ctxPurchaseKey contextKey = "parsed_purchase"

// maxPurchaseBody caps the purchase request body.
const maxPurchaseBody = 64 << 10

// PurchaseBody is the decoded purchase request.
type PurchaseBody struct {
	PackageID      uuid.UUID         `json:"package_id"`
	WalletID       *uuid.UUID        `json:"wallet_id,omitempty"`
	Params         map[string]string `json:"params"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
}

// PurchaseFromCtx returns the body parsed by PurchaseCheck, or nil.
func PurchaseFromCtx(ctx context.Context) *PurchaseBody {
	b, _ := ctx.Value(ctxPurchaseKey).(*PurchaseBody)
	return b
}

// PurchaseCheck rejects unknown service types and malformed bodies before the
// saga is entered. It decodes the body once, stores it in the context and
// restores r.Body for handlers that re-read it. An Idempotency-Key header is
// used when the body carries no key.
func PurchaseCheck(allowed map[string]bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			serviceType := strings.ToUpper(r.PathValue("serviceType"))
			if !allowed[serviceType] {
				http.Error(w, `{"error":"unknown service type"}`, http.StatusNotFound)
				return
			}

			bodyBytes, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPurchaseBody))
			r.Body.Close()
			if err != nil {
				http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))

			var body PurchaseBody
			if err := json.Unmarshal(bodyBytes, &body); err != nil {
				http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
				return
			}
			if body.PackageID == uuid.Nil {
				http.Error(w, `{"error":"package_id is required"}`, http.StatusBadRequest)
				return
			}
			if body.IdempotencyKey == "" {
				body.IdempotencyKey = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
			}
			if body.Params == nil {
				body.Params = map[string]string{}
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxPurchaseKey, &body)))
		})
	}
}
