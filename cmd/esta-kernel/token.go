package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/envelope"
)

func newTokenCmd(g *globals) *cobra.Command {
	var (
		tenant, user string
		roles        []string
		ttl          time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an HS256 bearer token signed with the configured JWT secret",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.config()
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return errors.New("token: ESTA_JWT_SECRET is not set")
			}
			key, err := envelope.DeriveKey([]byte(cfg.JWTSecret), envelope.TokenKeyPurpose)
			if err != nil {
				return err
			}
			now := time.Now()
			tok, err := envelope.SignHMAC(envelope.AuthContext{
				TenantID:  tenant,
				UserID:    user,
				Roles:     roles,
				ExpiresAt: now.Add(ttl).UnixMilli(),
			}, key, now.UnixMilli())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(g.stdout, tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant id")
	cmd.Flags().StringVar(&user, "user", "", "User id (subject)")
	cmd.Flags().StringSliceVar(&roles, "roles", nil, "Comma separated roles")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	return cmd
}
