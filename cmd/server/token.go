package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/iliyamo/gametable/internal/config"
	"github.com/iliyamo/gametable/internal/utils"
)

// newTokenCommand issues access tokens for operators and load tests.
func newTokenCommand() *cobra.Command {
	var (
		userID uint64
		role   string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an access token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.RequireJWTSecret(); err != nil {
				return err
			}
			if role != utils.RolePlayer && role != utils.RoleAdmin {
				return fmt.Errorf("unknown role %q", role)
			}
			if ttl <= 0 {
				ttl = cfg.AccessTTL
			}
			tok, err := utils.NewAccessToken(cfg.JWTSecret, userID, role, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok.Token)
			return err
		},
	}
	cmd.Flags().Uint64Var(&userID, "user", 0, "user id carried in the token")
	cmd.Flags().StringVar(&role, "role", utils.RolePlayer, "PLAYER or ADMIN")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default ACCESS_TOKEN_TTL)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
