package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"
	"github.com/spf13/cobra"

	"gonotesync/config"
	"gonotesync/coordinator"
	"gonotesync/replica"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync a local replica with the hub",
	Long: `Push pending local changes, pull everything changed on the hub since the
last sync and refresh the offline cache.

Example usage:
  notesync sync --hub_url http://localhost:8000 --token $TOKEN
  notesync sync --watch --interval 1m   # keep syncing until Ctrl+C`,
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		cfg := config.LoadClient(v)
		if cfg.DeviceID == "" {
			cfg.DeviceID, _ = os.Hostname()
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		store, err := replica.Open(cfg.ReplicaPath)
		if err != nil {
			return serr.Wrap(err, "failed to open replica")
		}
		defer store.Close()

		remote := coordinator.NewHTTPRemote(cfg.HubURL, cfg.Token, cfg.Timeout)
		c := coordinator.New(store, remote, coordinator.Options{
			Interval: cfg.Interval,
			DeviceID: cfg.DeviceID,
			OnEvent:  printEvent,
		})

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if watch, _ := cmd.Flags().GetBool("watch"); watch {
			c.Start(ctx)
			<-ctx.Done()
			c.Stop()
			return nil
		}

		_, err = c.SyncNow(ctx)
		return err
	},
}

func printEvent(e coordinator.Event) {
	switch e.Kind {
	case coordinator.EventSyncCompleted:
		r := e.Report
		fmt.Printf("Synced: %d created, %d updated, %d deleted, %d pulled, %d removed by hub\n",
			r.Created, r.Updated, r.Deleted, r.Upserted, r.RemovedByServer)
		for _, c := range r.Conflicts {
			fmt.Printf("  conflict on %s %d (local %s): hub changed it at %s\n",
				c.EntityType, c.NoteID, c.LocalID, c.ServerUpdatedAt.Format("2006-01-02 15:04:05"))
		}
		for _, rej := range r.Rejected {
			fmt.Printf("  rejected %s %s: %s\n", rej.EntityType, rej.LocalID, rej.Reason)
		}
	case coordinator.EventSyncError, coordinator.EventAuthFailure:
		logger.LogErr(e.Err, e.Message)
	}
}

func init() {
	syncCmd.Flags().String(config.KeyHubURL, "http://localhost:8000", "Base URL of the hub")
	syncCmd.Flags().String(config.KeyToken, "", "Bearer token for the hub")
	syncCmd.Flags().String(config.KeyReplicaPath, "./data/replica.db", "SQLite replica file")
	syncCmd.Flags().String(config.KeyDeviceID, "", "Device id reported to the hub, defaults to the hostname")
	syncCmd.Flags().Duration(config.KeyInterval, coordinator.DefaultInterval, "Interval between cycles with --watch")
	syncCmd.Flags().Duration(config.KeyTimeout, 30*time.Second, "Per request timeout")
	syncCmd.Flags().String(config.KeyLogLevel, "info", "Log level")
	syncCmd.Flags().Bool("watch", false, "Keep syncing in the background until interrupted")

	rootCmd.AddCommand(syncCmd)
}
