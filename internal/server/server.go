package server

import (
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/payflow-gateway/internal/config"
	"github.com/payflow-gateway/internal/handlers"
	customMiddleware "github.com/payflow-gateway/internal/middleware"
)

// Server wraps the HTTP server
type Server struct {
	router  *chi.Mux
	handler *handlers.Handler
	config  *config.Config
}

// NewServer creates a new HTTP server
func NewServer(cfg *config.Config, h *handlers.Handler) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		handler: h,
		config:  cfg,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all routes and middleware
func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	// Public health check
	r.Get("/health", s.handler.HealthCheck)

	// Money-moving endpoints (require internal authentication)
	r.Group(func(r chi.Router) {
		r.Use(customMiddleware.EnsureInternalAuth(s.config.InternalSecret))

		r.Post("/purchase", s.handler.Purchase)
		r.Post("/authorize", s.handler.Authorize)
		r.Post("/transactions/{id}/capture", s.handler.Capture)
		r.Post("/transactions/{id}/void", s.handler.Void)
		r.Post("/transactions/{id}/refund", s.handler.Refund)
		r.Get("/transactions/{id}", s.handler.GetTransaction)
	})

	// Processor callback endpoint (IP filtered + size limited; signature
	// verified in the handler)
	r.Group(func(r chi.Router) {
		r.Use(customMiddleware.IPFilter(s.config.ProcessorIPs))
		r.Use(customMiddleware.RequestSizeLimit(s.config.MaxRequestSize))
		r.Post("/callback", s.handler.ProcessorCallback)
	})

	log.Println("Routes configured successfully")
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := ":" + s.config.ServerPort
	log.Printf("Starting HTTP server on %s", addr)

	return http.ListenAndServe(addr, s.router)
}
