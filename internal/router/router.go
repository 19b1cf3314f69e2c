package router

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/netpulse/backend/internal/handlers"
	"github.com/netpulse/backend/internal/middleware"
)

// Deps are the handlers and settings the router mounts.
type Deps struct {
	Purchases    *handlers.PurchaseHandler
	Wallets      *handlers.WalletHandler
	JWTSecret    []byte
	ServiceTypes []string
	Health       map[string]handlers.Pinger
	// Gatherer serves /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
}

// New returns an http.Handler that serves the API under /api/v1.
func New(d Deps) http.Handler {
	mux := http.NewServeMux()
	base := "/api/v1"

	auth := middleware.Auth(d.JWTSecret)
	admin := func(h http.HandlerFunc) http.Handler { return auth(middleware.RequireAdmin(h)) }

	allowed := make(map[string]bool, len(d.ServiceTypes))
	for _, s := range d.ServiceTypes {
		allowed[s] = true
	}
	purchaseCheck := middleware.PurchaseCheck(allowed)

	// Auth -> PurchaseCheck -> CreatePurchase
	mux.Handle("POST "+base+"/purchases/{serviceType}", auth(purchaseCheck(http.HandlerFunc(d.Purchases.CreatePurchase))))
	mux.Handle("GET "+base+"/executions/{id}", auth(http.HandlerFunc(d.Purchases.GetExecution)))
	mux.Handle("GET "+base+"/wallets/{id}/balance", auth(http.HandlerFunc(d.Wallets.Balance)))
	mux.Handle("GET "+base+"/wallets/{id}/entries", auth(http.HandlerFunc(d.Wallets.Entries)))
	mux.HandleFunc("GET "+base+"/services", handlers.ListServices(d.ServiceTypes))

	mux.Handle("POST "+base+"/admin/executions/{id}/refund", admin(d.Purchases.AdminRefund))
	mux.Handle("POST "+base+"/admin/executions/{id}/execute", admin(d.Purchases.AdminExecute))
	mux.Handle("POST "+base+"/admin/wallets/{id}/status", admin(d.Wallets.AdminSetStatus))
	mux.Handle("POST "+base+"/admin/wallets/{id}/credit", admin(d.Wallets.AdminCredit))

	mux.HandleFunc("GET /healthz", handlers.Healthz(d.Health))
	gatherer := d.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return mux
}
