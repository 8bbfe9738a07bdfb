// Package server exposes the control plane over HTTP. Everything lives
// under /api/v1 behind token-header authentication; health and metrics are
// open.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"escrowd/models"
	"escrowd/orchestrator"
	"escrowd/reconciler"
	"escrowd/store"
	"escrowd/webhooks"
)

// Config wires the HTTP layer.
type Config struct {
	Store        *store.Store
	Orchestrator *orchestrator.Orchestrator
	Reconciler   *reconciler.Reconciler
	Publisher    *webhooks.Publisher
	Logger       *slog.Logger
	// RevealSecret signs the admin reveal-permission tokens.
	RevealSecret string
	Now          func() time.Time
}

// Server holds the handler dependencies.
type Server struct {
	store        *store.Store
	orchestrator *orchestrator.Orchestrator
	reconciler   *reconciler.Reconciler
	publisher    *webhooks.Publisher
	logger       *slog.Logger
	revealSecret string
	now          func() time.Time
}

// New builds the server, filling defaults.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Server{
		store:        cfg.Store,
		orchestrator: cfg.Orchestrator,
		reconciler:   cfg.Reconciler,
		publisher:    cfg.Publisher,
		logger:       logger,
		revealSecret: cfg.RevealSecret,
		now:          now,
	}
}

// Router assembles the chi router with the full API surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(s.authenticate)

		api.Route("/payment", func(pr chi.Router) {
			pr.With(s.requirePermission(models.PermissionRead)).Get("/", s.handleListPayments)
			pr.With(s.requirePermission(models.PermissionRead)).Post("/resolve-blockchain-identifier", s.handleResolvePayment)
			pr.With(s.requirePermission(models.PermissionRead)).Get("/diff", s.handlePaymentDiff(store.DiffAny))
			pr.With(s.requirePermission(models.PermissionRead)).Get("/diff/next-action", s.handlePaymentDiff(store.DiffNextAction))
			pr.With(s.requirePermission(models.PermissionRead)).Get("/diff/onchain-state-or-result", s.handlePaymentDiff(store.DiffOnChainState))
			pr.With(s.requirePermission(models.PermissionRead)).Post("/income", s.handlePaymentIncome)

			pr.With(s.requirePermission(models.PermissionReadAndPay)).Post("/", s.handleCreatePayment)
			pr.With(s.requirePermission(models.PermissionReadAndPay)).Post("/authorize-refund", s.handleAuthorizeRefund)
			pr.With(s.requirePermission(models.PermissionReadAndPay)).Post("/submit-result", s.handleSubmitResult)
			pr.With(s.requirePermission(models.PermissionAdmin)).Post("/error-state-recovery", s.handleRecoverPayment)
		})

		api.Route("/purchase", func(pr chi.Router) {
			pr.With(s.requirePermission(models.PermissionRead)).Get("/", s.handleListPurchases)
			pr.With(s.requirePermission(models.PermissionRead)).Post("/resolve-blockchain-identifier", s.handleResolvePurchase)
			pr.With(s.requirePermission(models.PermissionRead)).Get("/diff", s.handlePurchaseDiff(store.DiffAny))
			pr.With(s.requirePermission(models.PermissionRead)).Get("/diff/next-action", s.handlePurchaseDiff(store.DiffNextAction))
			pr.With(s.requirePermission(models.PermissionRead)).Get("/diff/onchain-state-or-result", s.handlePurchaseDiff(store.DiffOnChainState))
			pr.With(s.requirePermission(models.PermissionRead)).Post("/spending", s.handlePurchaseSpending)

			pr.With(s.requirePermission(models.PermissionReadAndPay)).Post("/", s.handleCreatePurchase)
			pr.With(s.requirePermission(models.PermissionReadAndPay)).Post("/request-refund", s.handleRequestRefund)
			pr.With(s.requirePermission(models.PermissionReadAndPay)).Post("/cancel-refund-request", s.handleCancelRefundRequest)
			pr.With(s.requirePermission(models.PermissionAdmin)).Post("/error-state-recovery", s.handleRecoverPurchase)
		})

		api.Route("/registry", func(rr chi.Router) {
			rr.With(s.requirePermission(models.PermissionRead)).Get("/", s.handleListRegistry)
			rr.With(s.requirePermission(models.PermissionRead)).Get("/agent-identifier", s.handleRegistryByAgent)
			rr.With(s.requirePermission(models.PermissionRead)).Get("/wallet", s.handleRegistryWallet)
			rr.With(s.requirePermission(models.PermissionRead)).Get("/diff", s.handleRegistryDiff)
			rr.With(s.requirePermission(models.PermissionReadAndPay)).Post("/", s.handleCreateRegistry)
			rr.With(s.requirePermission(models.PermissionReadAndPay)).Post("/deregister", s.handleDeregister)
			rr.With(s.requirePermission(models.PermissionReadAndPay)).Delete("/", s.handleDeleteRegistry)
		})

		api.With(s.requirePermission(models.PermissionAdmin)).Get("/api-key", s.handleListAPIKeys)
		api.With(s.requirePermission(models.PermissionAdmin)).Post("/api-key", s.handleCreateAPIKey)
		api.With(s.requirePermission(models.PermissionAdmin)).Patch("/api-key", s.handleUpdateAPIKey)
		api.With(s.requirePermission(models.PermissionAdmin)).Delete("/api-key", s.handleRevokeAPIKey)
		api.Get("/api-key-status", s.handleAPIKeyStatus)

		api.Route("/webhook-endpoint", func(wr chi.Router) {
			wr.Get("/", s.handleListWebhookEndpoints)
			wr.Post("/", s.handleCreateWebhookEndpoint)
			wr.Delete("/", s.handleDeleteWebhookEndpoint)
		})

		api.With(s.requirePermission(models.PermissionRead)).Get("/monitoring", s.handleMonitoring)
		api.With(s.requirePermission(models.PermissionAdmin)).Post("/monitoring/trigger-cycle", s.handleTriggerCycle)
		api.With(s.requirePermission(models.PermissionAdmin)).Post("/monitoring/start", s.handleStartReconciler)
		api.With(s.requirePermission(models.PermissionAdmin)).Post("/monitoring/stop", s.handleStopReconciler)

		api.With(s.requirePermission(models.PermissionAdmin)).Post("/reveal-data", s.handleRevealData)
	})

	return r
}

// publish fans a webhook event out when a publisher is wired.
func (s *Server) publish(r *http.Request, event webhooks.Event) {
	if s.publisher == nil {
		return
	}
	event.CreatedAt = s.now()
	s.publisher.Publish(r.Context(), event)
}
