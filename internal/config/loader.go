package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	envPrefix            = "TURNRELAY"
	envConfigDefaultPath = "TURNRELAY_CONFIG_DEFAULT_PATH"
	defaultConfigName    = "config.yaml"
	dotEnvFile           = ".env"
)

// Load builds configuration from defaults, optional config file, env vars, and returns the resolved path.
// Precedence: defaults < config file < env vars (.env included) < caller overrides.
func Load(logger *zerolog.Logger, explicitPath string) (Config, string, error) {
	return LoadInto(logger, viper.New(), explicitPath)
}

// LoadInto is Load using v, so the caller can bind command-line flags before reading.
func LoadInto(logger *zerolog.Logger, v *viper.Viper, explicitPath string) (Config, string, error) {
	cfg := Default()

	// Real environment wins over .env, godotenv never overrides.
	if err := godotenv.Load(dotEnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, "", fmt.Errorf("load %s: %w", dotEnvFile, err)
	}

	v.SetConfigType("yaml")
	setDefaults(v, cfg)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configPath := resolveConfigPath(explicitPath)
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			if writeErr := writeDefaultConfig(configPath, cfg); writeErr != nil && logger != nil {
				logger.Warn().Err(writeErr).Str("path", configPath).Msg("failed to write default config")
			} else if logger != nil {
				logger.Info().Str("path", configPath).Msg("created default config")
			}
			// try reading again in case it was just written
			if readErr := v.ReadInConfig(); readErr != nil && logger != nil {
				logger.Warn().Err(readErr).Str("path", configPath).Msg("failed to read config after writing default")
			}
		} else {
			return cfg, configPath, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, configPath, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, configPath, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, configPath, nil
}

// setDefaults registers every key so AutomaticEnv can resolve it.
func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("log_level", cfg.LogLevel)

	v.SetDefault("signal.addr", cfg.Signal.Addr)
	v.SetDefault("signal.read_header_timeout", cfg.Signal.ReadHeaderTimeout)
	v.SetDefault("signal.shutdown_timeout", cfg.Signal.ShutdownTimeout)
	v.SetDefault("signal.jwt_secret", cfg.Signal.JWTSecret)
	v.SetDefault("signal.jwt_issuer", cfg.Signal.JWTIssuer)
	v.SetDefault("signal.jwt_audience", cfg.Signal.JWTAudience)
	v.SetDefault("signal.jwt_ttl", cfg.Signal.JWTTTL)

	v.SetDefault("match.game", cfg.Match.Game)
	v.SetDefault("match.match_id", cfg.Match.MatchID)
	v.SetDefault("match.num_players", cfg.Match.NumPlayers)
	v.SetDefault("match.seat", cfg.Match.Seat)
	v.SetDefault("match.secret", cfg.Match.Secret)

	v.SetDefault("network.signal_url", cfg.Network.SignalURL)
	v.SetDefault("network.token", cfg.Network.Token)
	v.SetDefault("network.ice_servers", cfg.Network.ICEServers)

	v.SetDefault("host.store_driver", cfg.Host.StoreDriver)
	v.SetDefault("host.store_path", cfg.Host.StorePath)
	v.SetDefault("host.chat_auth", cfg.Host.ChatAuth)
	v.SetDefault("host.outbox_size", cfg.Host.OutboxSize)
	v.SetDefault("host.max_players", cfg.Host.MaxPlayers)

	v.SetDefault("backoff.initial", cfg.Backoff.Initial)
	v.SetDefault("backoff.max", cfg.Backoff.Max)
}

func resolveConfigPath(explicitPath string) string {
	if explicitPath != "" {
		return explicitPath
	}

	if base := os.Getenv(envConfigDefaultPath); base != "" {
		if err := os.MkdirAll(base, 0o755); err == nil {
			return filepath.Join(base, defaultConfigName)
		}
	}

	cwd, err := os.Getwd()
	if err != nil {
		return defaultConfigName
	}
	return filepath.Join(cwd, defaultConfigName)
}

func writeDefaultConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
