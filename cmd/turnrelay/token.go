package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/turnrelay/internal/auth"
)

func newTokenCmd(root *rootOptions) *cobra.Command {
	var subject, role string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signaling access token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := root.load(cmd, bindings{
				"signal.jwt_secret": "jwt-secret",
				"signal.jwt_ttl":    "ttl",
			})
			if err != nil {
				return err
			}
			if cfg.Signal.JWTSecret == "" {
				return errors.New("signal.jwt_secret is not set")
			}
			token, err := auth.GenerateToken(&auth.JWTConfig{
				Secret:   []byte(cfg.Signal.JWTSecret),
				Issuer:   cfg.Signal.JWTIssuer,
				Audience: cfg.Signal.JWTAudience,
				TTL:      cfg.Signal.JWTTTL,
			}, subject, role)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "player", "token subject")
	cmd.Flags().StringVar(&role, "role", auth.RolePeer, "host (may listen) or peer (dial only)")
	cmd.Flags().String("jwt-secret", "", "HMAC secret shared with the signaling service")
	cmd.Flags().Duration("ttl", 0, "token lifetime")
	return cmd
}
