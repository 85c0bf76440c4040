package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/turnrelay/internal/app"
	"github.com/vovakirdan/turnrelay/internal/log"
)

func newSignalCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "signal",
		Short: "Run the signaling service peers use to find a host",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load(cmd, bindings{
				"signal.addr":                "addr",
				"signal.read_header_timeout": "read-header-timeout",
				"signal.shutdown_timeout":    "shutdown-timeout",
				"signal.jwt_secret":          "jwt-secret",
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			application, err := app.New(&cfg.Signal, log.Component(logger, "signal"))
			if err != nil {
				return err
			}
			if err := application.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("server exited with error")
				return err
			}
			logger.Info().Msg("server stopped")
			return nil
		},
	}
	cmd.Flags().String("addr", ":8080", "HTTP listen address")
	cmd.Flags().Duration("read-header-timeout", 0, "HTTP read header timeout")
	cmd.Flags().Duration("shutdown-timeout", 0, "graceful shutdown timeout")
	cmd.Flags().String("jwt-secret", "", "HMAC secret for access tokens, empty disables auth")
	return cmd
}
