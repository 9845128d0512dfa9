package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/defcomm/secure-sync/internal/middleware"
	"github.com/defcomm/secure-sync/internal/service"
	"github.com/defcomm/secure-sync/pkg/logger"
)

// RouterConfig holds the HTTP settings of the local API.
type RouterConfig struct {
	JWTSecret         string
	RateLimitRequests int
	RateLimitWindow   time.Duration
	CORSOrigins       []string
}

// NewRouter builds the local API.
func NewRouter(svc *service.SyncService, transport Connectivity, cfg RouterConfig, log *logger.Logger) http.Handler {
	healthHandler := NewHealthHandler(transport)
	conversationHandler := NewConversationHandler(svc, log)
	sessionHandler := NewSessionHandler(svc, log)
	callHandler := NewCallHandler(svc, log)
	pairingHandler := NewPairingHandler(svc, log)

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Get("/contacts", conversationHandler.Contacts)
		r.Route("/conversations/{kind}/{peerID}", func(r chi.Router) {
			r.Get("/messages", conversationHandler.Messages)
			r.Delete("/messages", conversationHandler.Discard)
		})

		r.Get("/session", sessionHandler.Get)
		r.Get("/presence", sessionHandler.Presence)
		r.Get("/call", callHandler.Get)
		r.Get("/pairing", pairingHandler.Get)

		// Actions
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireScope(middleware.ScopeControl))

			r.Post("/session/groups", sessionHandler.RefreshGroups)
			r.Post("/logout", sessionHandler.Logout)

			r.Post("/call/accept", callHandler.Accept)
			r.Post("/call/hangup", callHandler.HangUp)
			r.Post("/call/outgoing", callHandler.Outgoing)
			r.Put("/call/meeting", callHandler.Meeting)

			r.Post("/pairing", pairingHandler.Start)
			r.Delete("/pairing", pairingHandler.Cancel)
		})
	})

	return r
}
