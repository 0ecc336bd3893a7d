package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/rweb"
	"github.com/rohanthewiz/serr"
	"github.com/spf13/cobra"

	"gonotesync/config"
	"gonotesync/hub"
	"gonotesync/models"
	"gonotesync/presence"
	"gonotesync/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync hub",
	Long: `Run the sync hub: POST /sync/pull, POST /sync/push and GET /sync/offline
over HTTP, plus the presence websocket at /presence on its own listener.

Example usage:
  NOTESYNC_JWT_SECRET=... notesync serve
  notesync serve --addr :8000 --presence_addr :8001 --db_path ./data/hub.ddb`,
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		cfg := config.LoadServer(v)
		if err := cfg.Validate(); err != nil {
			return err
		}

		tokens, err := models.NewTokenAuthority(cfg.JWTSecret, cfg.TokenTTL)
		if err != nil {
			return err
		}

		store, err := hub.Open(cfg.DBPath)
		if err != nil {
			return serr.Wrap(err, "failed to open hub store")
		}
		defer store.Close()

		var pres *presence.Server
		if cfg.PresenceAddr != "" {
			pres = presence.NewServer(presence.NewHub(0), presence.Config{
				Addr:      cfg.PresenceAddr,
				Authorize: presenceAuthorizer(tokens),
			})
			if err := pres.Start(); err != nil {
				return err
			}
			defer func() {
				if err := pres.Stop(); err != nil {
					logger.LogErr(err, "presence shutdown failed")
				}
			}()
		}

		srv := web.NewServer(rweb.ServerOptions{Address: cfg.Addr, Verbose: true}, web.Deps{
			Endpoint:  hub.NewEndpoint(store),
			Tokens:    tokens,
			RateLimit: cfg.RateLimit,
		})

		errCh := make(chan error, 1)
		go func() { errCh <- web.Run(srv, cfg.Addr) }()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		select {
		case err := <-errCh:
			return serr.Wrap(err, "hub server stopped")
		case <-ctx.Done():
			logger.Info("Shutting down sync hub")
			return nil
		}
	},
}

// presenceAuthorizer accepts a bearer header or, for browsers that cannot
// set headers on websocket requests, a token query parameter.
func presenceAuthorizer(tokens *models.TokenAuthority) presence.Authorizer {
	return func(r *http.Request) (string, error) {
		tok := models.BearerToken(r.Header.Get("Authorization"))
		if tok == "" {
			tok = r.URL.Query().Get("token")
		}
		if tok == "" {
			return "", serr.New("missing token")
		}
		claims, err := tokens.ValidateToken(tok)
		if err != nil {
			return "", err
		}
		return claims.UserID, nil
	}
}

func init() {
	serveCmd.Flags().String(config.KeyAddr, "localhost:8000", "HTTP listen address")
	serveCmd.Flags().String(config.KeyPresenceAddr, "localhost:8001", "Presence websocket listen address, empty to disable")
	serveCmd.Flags().String(config.KeyDBPath, "./data/notesync.ddb", "DuckDB file for the hub")
	serveCmd.Flags().Int(config.KeyRateLimit, 0, "Requests per minute per client, 0 to disable")
	serveCmd.Flags().String(config.KeyLogLevel, "info", "Log level")

	rootCmd.AddCommand(serveCmd)
}
