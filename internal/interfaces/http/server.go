// Package http exposes the JSON API. Every route runs behind the shared
// middleware chain (request id, logging, CORS) plus a per-route timeout.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/berea-app/berea/internal/config"
)

// Per-route budgets. Generation carries the LLM budget plus headroom; the
// webhook path is bounded tighter per the gateway's retry policy.
const (
	defaultRouteTimeout  = 15 * time.Second
	generateRouteTimeout = 65 * time.Second
	webhookRouteTimeout  = 10 * time.Second
)

// Server is the HTTP front of the application.
type Server struct {
	router   *mux.Router
	server   *http.Server
	auth     AuthService
	handlers *Handlers
	origins  []string
	log      zerolog.Logger
}

// NewServer assembles the router and middleware around the handlers.
func NewServer(cfg config.ServerConfig, origins []string, auth AuthService, h *Handlers, log zerolog.Logger) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		auth:     auth,
		handlers: h,
		origins:  origins,
		log:      log.With().Str("component", "http").Logger(),
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      hlog.NewHandler(s.log)(s.router),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(requestIDMiddleware)
	s.router.Use(loggingMiddleware)
	s.router.Use(corsMiddleware(s.origins))

	std := timeout(defaultRouteTimeout)
	gen := timeout(generateRouteTimeout)
	hook := timeout(webhookRouteTimeout)

	route := func(path, method string, mw func(http.Handler) http.Handler, h http.HandlerFunc) {
		s.router.Handle(path, mw(h)).Methods(method, http.MethodOptions)
	}

	route("/study-generate", http.MethodPost, gen, s.authenticate(authOptional, s.handlers.StudyGenerate))
	route("/study-guides", http.MethodGet, std, s.authenticate(authAny, s.handlers.ListStudyGuides))
	route("/study-guides", http.MethodPost, std, s.authenticate(authUser, s.handlers.SaveStudyGuide))
	route("/feedback", http.MethodPost, std, s.authenticate(authOptional, s.handlers.SubmitFeedback))

	route("/topics-recommended", http.MethodGet, std, s.authenticate(authAny, s.handlers.RecommendedTopics))
	route("/topics-categories", http.MethodGet, std, s.authenticate(authAny, s.handlers.TopicCategories))
	route("/daily-verse", http.MethodGet, std, s.authenticate(authAny, s.handlers.DailyVerse))

	route("/auth-session", http.MethodPost, std, s.handlers.AuthSession)
	route("/auth-callback", http.MethodPost, std, s.handlers.AuthCallback)

	route("/token-status", http.MethodGet, std, s.authenticate(authAny, s.handlers.TokenStatus))
	route("/purchase-tokens", http.MethodPost, std, s.authenticate(authUser, s.handlers.PurchaseTokens))
	route("/subscriptions-checkout", http.MethodPost, std, s.authenticate(authUser, s.handlers.CreateCheckout))
	route("/webhooks/payments", http.MethodPost, hook, s.handlers.PaymentsWebhook)

	route("/submit-memory-practice", http.MethodPost, std, s.authenticate(authUser, s.handlers.SubmitMemoryPractice))
	route("/memory-verses", http.MethodPost, std, s.authenticate(authUser, s.handlers.AddMemoryVerse))
	route("/memory-verses", http.MethodGet, std, s.authenticate(authUser, s.handlers.ListMemoryVerses))

	s.router.Handle("/health", std(http.HandlerFunc(s.handlers.Health))).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(s.handlers.NotFound)
}

// Handler exposes the full middleware-wrapped handler, used by tests.
func (s *Server) Handler() http.Handler {
	return hlog.NewHandler(s.log)(s.router)
}

// Start blocks serving requests until the listener closes.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("http server listening")
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.server.Shutdown(ctx)
}
