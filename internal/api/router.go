// Package api serves the gateway's REST surface.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/gluk-w/claworc/bmcp-gateway/internal/billing"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/chains"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/ledger"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/metrics"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/proxy"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/publisher"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/registry"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/store"
)

type Deps struct {
	Store      store.Store
	Registry   *registry.Registry
	Billing    *billing.Workflow
	Publishers *publisher.Service
	Ledger     *ledger.Ledger
	Chains     *chains.Registry
	Reporter   *metrics.Reporter
	CallerAuth *proxy.CallerAuth
	Limiter    *proxy.RateLimiter
	Proxy      *proxy.Handler

	AdminSecret    string
	StreamInterval time.Duration
}

type Handlers struct {
	Deps
}

func NewRouter(d Deps) http.Handler {
	h := &Handlers{Deps: d}

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	// Health (no auth)
	r.Get("/health", h.Health)
	r.Get("/health/detailed", h.HealthDetailed)
	r.Get("/health/stream", h.Reporter.StreamHandler(d.StreamInterval))

	// Metered proxy
	r.Group(func(r chi.Router) {
		r.Use(d.CallerAuth.Middleware)
		r.Use(d.Limiter.Middleware)
		r.Handle("/proxy/{mappingId}", d.Proxy)
		r.Handle("/proxy/{mappingId}/*", d.Proxy)
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Get("/register", h.ListMappings)
		r.Get("/register/{id}", h.GetMapping)
		r.Patch("/register/{id}/status", h.SetMappingStatus)

		r.Get("/resolve/{id}", h.Resolve)
		r.Post("/resolve/batch", h.ResolveBatch)

		r.Get("/publisher/{id}", h.GetPublisher)
		r.Put("/publisher/{id}/pricing", h.UpdatePricing)
		r.Put("/publisher/{id}/splits", h.UpdateSplits)
		r.Put("/publisher/{id}/wallet", h.UpdateWallet)

		r.Get("/invoices", h.ListInvoices)
		r.Post("/invoices/{id}/pay", h.InvoicePaymentRequest)
		r.Get("/invoices/pay/{invoiceId}", h.PayInvoice)

		r.Get("/balance", h.GetBalance)
		r.Get("/receipts/{id}", h.GetReceipt)
		r.Get("/chains", h.ListChains)
	})

	// Operator API
	r.Route("/admin", func(r chi.Router) {
		r.Use(AdminAuth(d.AdminSecret))

		r.Post("/callers/{callerId}/keys", h.IssueCallerKey)
		r.Delete("/keys/{keyId}", h.DisableCallerKey)
		r.Get("/logs", h.GetLogs)
		r.Delete("/logs", h.ClearLogs)
	})

	return r
}
