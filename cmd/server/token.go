package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"gwi.com/contract-assistant/internal/auth"
	"gwi.com/contract-assistant/internal/config"
	"gwi.com/contract-assistant/internal/errs"
)

var (
	tokenUser    string
	tokenCompany string
	tokenTTL     time.Duration
)

// tokenCmd mints a bearer token for local testing; production tokens come
// from the identity service sharing JWT_SECRET.
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print a signed API token for a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadConfig()
		if cfg.JWTSecret == "" {
			return errs.NewConfigurationError("JWT_SECRET", "is required")
		}
		token, err := auth.GenerateJWT(cfg.JWTSecret, tokenUser, tokenCompany, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "user id (token subject)")
	tokenCmd.Flags().StringVar(&tokenCompany, "company", "", "company id the user belongs to")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("user")
	_ = tokenCmd.MarkFlagRequired("company")
}
