package main

import (
	"fmt"
	"os"

	"github.com/rohanthewiz/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"gonotesync/config"
)

var rootCmd = &cobra.Command{
	Use:   "notesync",
	Short: "Offline-first note sync hub and client",
	Long: `notesync runs the sync hub that devices push to and pull from, and a
client that syncs a local replica against it.

Settings come from defaults, an optional --config file, NOTESYNC_*
environment variables and flags, in increasing priority.`,
	SilenceUsage: true,
}

var cfgFile string

// loadConfig builds the layered config and binds cmd's flags over it.
func loadConfig(cmd *cobra.Command) (*viper.Viper, error) {
	v, err := config.New(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}
	logger.SetLogLevel(v.GetString(config.KeyLogLevel))
	return v, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (yaml, toml or json)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
