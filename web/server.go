package web

import (
	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/rweb"

	"gonotesync/hub"
	"gonotesync/models"
)

// Deps are the services the HTTP layer serves from.
type Deps struct {
	Endpoint *hub.Endpoint
	Tokens   *models.TokenAuthority
	// RateLimit is requests per minute per client address. Zero disables it.
	RateLimit int
}

// NewServer creates and configures the RWeb server
func NewServer(opts rweb.ServerOptions, deps Deps) *rweb.Server {
	s := rweb.NewServer(opts)

	// Apply middleware
	s.Use(rweb.RequestInfo)          // Logs request info
	s.Use(CorsMiddleware)            // Custom CORS middleware
	s.Use(SecurityHeadersMiddleware) // Security headers
	if deps.RateLimit > 0 {
		s.Use(RateLimitMiddleware(deps.RateLimit))
	}
	s.Use(JWTAuthMiddleware(deps.Tokens)) // Bearer token -> user_id
	s.Use(LoggingMiddleware)              // Request logging

	// Setup routes
	setupRoutes(s, deps)

	return s
}

// Run starts the server
func Run(s *rweb.Server, addr string) error {
	logger.Info("Sync hub starting on", "address", addr)
	return s.Run()
}
