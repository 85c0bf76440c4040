package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vovakirdan/turnrelay/internal/config"
	"github.com/vovakirdan/turnrelay/internal/log"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:          "turnrelay",
		Short:        "Host-authoritative turn-based matches over peer-to-peer connections",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default ./config.yaml)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "debug, info, warn, error or off")

	cmd.AddCommand(
		newSignalCmd(opts),
		newPlayCmd(opts, roleHost),
		newPlayCmd(opts, roleJoin),
		newTokenCmd(opts),
	)
	return cmd
}

// bindings maps config keys to the flag names a subcommand exposes for them.
type bindings map[string]string

// load reads the configuration with the command's changed flags on top and returns a
// logger at the configured level. Logs go to stderr so stdout stays for the game.
func (o *rootOptions) load(cmd *cobra.Command, b bindings) (config.Config, *zerolog.Logger, error) {
	boot := log.NewWithWriter(os.Stderr, "warn")

	v := viper.New()
	for key, name := range b {
		if f := cmd.Flags().Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return config.Config{}, nil, err
			}
		}
	}
	if o.logLevel != "" {
		v.Set("log_level", o.logLevel)
	}

	cfg, path, err := config.LoadInto(boot, v, o.configPath)
	if err != nil {
		return cfg, nil, err
	}
	logger := log.NewWithWriter(os.Stderr, cfg.LogLevel)
	logger.Debug().Str("path", path).Msg("configuration loaded")
	return cfg, logger, nil
}
