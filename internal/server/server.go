// Package server provides the HTTP server and routing for Helmsman.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/helmsman-trade/helmsman/internal/modules/orders"
	"github.com/helmsman-trade/helmsman/internal/modules/portfolio"
	"github.com/helmsman-trade/helmsman/internal/session"
)

// Config holds server configuration.
type Config struct {
	Log           zerolog.Logger
	Port          int
	DevMode       bool
	PortfolioID   string
	Sessions      *session.Manager
	PortfolioRepo *portfolio.Repository
	OrderRepo     *orders.Repository
	AnomalyRepo   *orders.AnomalyRepository
}

// Server represents the HTTP server.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
	cfg    Config

	sessionHandlers *SessionHandlers
	viewHandlers    *ViewHandlers
	systemHandlers  *SystemHandlers
}

// New creates a new HTTP server
func New(cfg Config) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    cfg.Log.With().Str("component", "server").Logger(),
		cfg:    cfg,

		sessionHandlers: NewSessionHandlers(cfg.Sessions, cfg.PortfolioID, cfg.Log),
		viewHandlers:    NewViewHandlers(cfg.PortfolioRepo, cfg.OrderRepo, cfg.AnomalyRepo, cfg.PortfolioID, cfg.Log),
		systemHandlers:  NewSystemHandlers(cfg.Log),
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: s.router,
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !s.cfg.DevMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.systemHandlers.HandleLiveness)

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/session", func(r chi.Router) {
			r.Post("/start", s.sessionHandlers.HandleStart)
			r.Post("/pause", s.sessionHandlers.HandlePause)
			r.Post("/resume", s.sessionHandlers.HandleResume)
			r.Post("/stop", s.sessionHandlers.HandleStop)
			r.Post("/emergency-stop", s.sessionHandlers.HandleEmergencyStop)
			r.Post("/unlock", s.sessionHandlers.HandleUnlock)
			r.Get("/status", s.sessionHandlers.HandleStatus)
		})

		r.Get("/portfolio", s.viewHandlers.HandlePortfolio)
		r.Get("/orders", s.viewHandlers.HandleOrders)
		r.Get("/anomalies", s.viewHandlers.HandleAnomalies)

		r.Get("/system/health", s.systemHandlers.HandleSystemHealth)
	})
}

// Start begins serving. It blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Router exposes the mux for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
