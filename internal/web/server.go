package web

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config holds server configuration
type Config struct {
	Port           int
	Version        string
	AllowedOrigins []string
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

// Server represents the HTTP server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	config     *Config
	listener   net.Listener
	hub        *Hub // WebSocket Hub
}

// NewServer creates a new HTTP server. hub may be nil.
func NewServer(cfg *Config, hub *Hub) *Server {
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	srv := &Server{
		router: chi.NewRouter(),
		config: cfg,
		hub:    hub,
	}

	srv.setupMiddleware()
	srv.setupRoutes()

	return srv
}

func (s *Server) setupMiddleware() {
	origins := s.config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS", "DELETE"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))
}

func (s *Server) setupRoutes() {
	// WebSocket
	if s.hub != nil {
		s.router.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
			ServeWs(s.hub, w, r)
		})
	}

	if s.config.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{}))
	}

	// Health endpoint
	s.router.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := fmt.Fprintf(w, `{"status":"ok","version":%q}`, s.config.Version); err != nil {
			_ = err // Client disconnected
		}
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s.httpServer.Serve(listener)
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// BaseURL returns the server's base URL
func (s *Server) BaseURL() string {
	if s.listener != nil {
		return fmt.Sprintf("http://%s", s.listener.Addr().String())
	}
	return fmt.Sprintf("http://localhost:%d", s.config.Port)
}

// RegisterRunsHandler registers run control handlers
func (s *Server) RegisterRunsHandler(h RunsHandler) {
	s.router.Route("/api/v1/runs", func(r chi.Router) {
		r.Post("/", h.Start)
		r.Get("/current", h.Current)
		r.Get("/{id}", h.Get)
		r.Post("/{id}/pause", h.Pause)
		r.Post("/{id}/resume", h.Resume)
		r.Delete("/{id}", h.Cancel)
	})
}

// RegisterHistoryHandler registers ledger query handlers
func (s *Server) RegisterHistoryHandler(h HistoryHandler) {
	s.router.Route("/api/v1/history", func(r chi.Router) {
		r.Get("/forwards", h.Forwards)
		r.Get("/uploads", h.Uploads)
		r.Get("/downloads", h.Downloads)
		r.Get("/stats", h.Stats)
	})
}

// RegisterStatusHandler registers the telegram status handler
func (s *Server) RegisterStatusHandler(h StatusHandler) {
	s.router.Get("/api/v1/telegram/status", h.GetStatus)
}

// Router returns the underlying Chi router for external route mounting.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// RunsHandler serves run control.
type RunsHandler interface {
	Start(w http.ResponseWriter, r *http.Request)
	Current(w http.ResponseWriter, r *http.Request)
	Get(w http.ResponseWriter, r *http.Request)
	Pause(w http.ResponseWriter, r *http.Request)
	Resume(w http.ResponseWriter, r *http.Request)
	Cancel(w http.ResponseWriter, r *http.Request)
}

// HistoryHandler serves ledger queries.
type HistoryHandler interface {
	Forwards(w http.ResponseWriter, r *http.Request)
	Uploads(w http.ResponseWriter, r *http.Request)
	Downloads(w http.ResponseWriter, r *http.Request)
	Stats(w http.ResponseWriter, r *http.Request)
}

// StatusHandler serves the telegram client status.
type StatusHandler interface {
	GetStatus(w http.ResponseWriter, r *http.Request)
}
