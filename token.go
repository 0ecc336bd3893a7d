package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"gonotesync/config"
	"gonotesync/models"
)

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Mint a bearer token for development",
	Long: `Sign a token for user-id with the hub's NOTESYNC_JWT_SECRET. Real
deployments get tokens from their session service; this is for local use.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		cfg := config.LoadServer(v)

		tokens, err := models.NewTokenAuthority(cfg.JWTSecret, cfg.TokenTTL)
		if err != nil {
			return err
		}
		tok, err := tokens.GenerateToken(args[0])
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().Duration(config.KeyTokenTTL, 24*time.Hour, "Token lifetime")

	rootCmd.AddCommand(tokenCmd)
}
