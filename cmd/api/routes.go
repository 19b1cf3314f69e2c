package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"

	"github.com/netpulse/backend/internal/config"
	"github.com/netpulse/backend/internal/handlers"
	"github.com/netpulse/backend/internal/models"
	"github.com/netpulse/backend/internal/purchase"
	"github.com/netpulse/backend/internal/router"
)

// newAPIHandler mounts the /api/v1 router behind CORS.
// Middleware chain: CORS -> Auth -> (RequireAdmin | PurchaseCheck) -> handler.
func newAPIHandler(
	cfg config.Config,
	wallets handlers.WalletService,
	saga handlers.PurchaseService,
	pool *pgxpool.Pool,
	rdb *redis.Client,
	logger *slog.Logger,
) http.Handler {
	mux := router.New(router.Deps{
		Purchases: &handlers.PurchaseHandler{Saga: saga, Logger: logger},
		Wallets:   &handlers.WalletHandler{Ledger: wallets, Logger: logger},
		JWTSecret: []byte(cfg.JWTSecret),
		ServiceTypes: []string{
			models.ServiceHomeInternet,
			models.ServiceHotspot,
			models.ServiceMobileRecharge,
			models.ServiceElectricity,
			models.ServiceSetTopBox,
		},
		Health: map[string]handlers.Pinger{
			"postgres": pool,
			"redis":    redisPinger{rdb},
		},
	})

	return cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		AllowCredentials: true,
	}).Handler(mux)
}

type redisPinger struct{ c *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.c.Ping(ctx).Err() }

// sagaReporter feeds renewal outcomes from the queue back into the saga.
type sagaReporter struct {
	saga *purchase.Orchestrator
}

func (r sagaReporter) Completed(ctx context.Context, logID uuid.UUID, reference string, payload json.RawMessage) error {
	_, err := r.saga.CompleteAsync(ctx, logID, reference, payload)
	return err
}

func (r sagaReporter) Failed(ctx context.Context, logID uuid.UUID, reason string) error {
	return r.saga.FailAsync(ctx, logID, reason)
}
