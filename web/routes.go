package web

import (
	"github.com/rohanthewiz/rweb"

	"gonotesync/web/api"
)

// setupRoutes configures all application routes
func setupRoutes(s *rweb.Server, deps Deps) {
	h := &api.SyncHandlers{Endpoint: deps.Endpoint}

	// Health check endpoint, no auth
	s.Get("/health", h.Health)

	// Sync protocol - JSON bodies, bearer token required
	s.Post("/sync/pull", h.Pull)      // Delta since the client's cursor
	s.Post("/sync/push", h.Push)      // Apply the client's pending changes
	s.Get("/sync/offline", h.Offline) // Notes flagged available offline
}
