// Package server provides the HTTP and websocket surface of the simulator:
// REST handlers for templates and market instances, the push subscription
// endpoint, and the debug/monitoring routes. No domain logic lives here;
// every handler delegates to the instance controller or template store and
// wraps the result in the response envelope.
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

	"github.com/quantsim/marketsim/internal/market"
	"github.com/quantsim/marketsim/internal/push"
	"github.com/quantsim/marketsim/internal/templates"
)

// Config holds server wiring.
type Config struct {
	Port       int
	DevMode    bool
	Log        zerolog.Logger
	Controller *market.Controller
	Templates  templates.Store
	Bus        *push.Bus
}

// Server is the HTTP server.
type Server struct {
	router     *chi.Mux
	server     *http.Server
	log        zerolog.Logger
	controller *market.Controller
	templates  templates.Store
	bus        *push.Bus
}

// New creates the server and mounts all routes.
func New(cfg Config) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		log:        cfg.Log.With().Str("component", "server").Logger(),
		controller: cfg.Controller,
		templates:  cfg.Templates,
		bus:        cfg.Bus,
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Router exposes the mux for tests.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/templates", func(r chi.Router) {
			r.Post("/", s.handlePutTemplate)
			r.Get("/", s.handleListTemplates)
			r.Get("/{id}", s.handleGetTemplate)
			r.Delete("/{id}", s.handleDeleteTemplate)
		})

		r.Route("/market-instances", func(r chi.Router) {
			r.Post("/", s.handleCreateInstance)
			r.Get("/", s.handleListInstances)
			r.Get("/progress/{requestId}", s.handleGetProgress)
			r.Delete("/progress/{requestId}", s.handleCancelCreation)
			r.Get("/{id}", s.handleGetDetails)
			r.Delete("/{id}", s.handleDestroyInstance)
			r.Get("/{id}/export", s.handleExport)
			r.Get("/{id}/stocks/{symbol}/kline", s.handleGetKLine)
			r.Get("/{id}/time", s.handleGetTime)
			r.Patch("/{id}/time", s.handleSetAcceleration)
			r.Get("/{id}/trades", s.handleGetTrades)
		})
	})

	s.router.Get("/ws", s.handleWebSocket)

	s.router.Route("/debug", func(r chi.Router) {
		r.Get("/loop/status", s.handleLoopStatus)
		r.Post("/loop/start", s.handleLoopStart)
		r.Post("/loop/stop", s.handleLoopStop)
		r.Get("/performance", s.handlePerformance)
		r.Get("/gameobjects/stats", s.handleObjectStats)
	})
}

// Start starts the HTTP server. Blocks until shutdown.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests.
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
