package config

import (
	"fmt"
	"time"
)

// Store drivers accepted in host.store_driver.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// Config holds every setting of the turnrelay binary. Each subcommand reads the sections it needs.
type Config struct {
	LogLevel string        `mapstructure:"log_level" yaml:"log_level"`
	Signal   SignalConfig  `mapstructure:"signal" yaml:"signal"`
	Match    MatchConfig   `mapstructure:"match" yaml:"match"`
	Network  NetworkConfig `mapstructure:"network" yaml:"network"`
	Host     HostConfig    `mapstructure:"host" yaml:"host"`
	Backoff  BackoffConfig `mapstructure:"backoff" yaml:"backoff"`
}

// SignalConfig configures the signaling service.
type SignalConfig struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	// JWTSecret enables token auth when set.
	JWTSecret   string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer   string        `mapstructure:"jwt_issuer" yaml:"jwt_issuer"`
	JWTAudience string        `mapstructure:"jwt_audience" yaml:"jwt_audience"`
	JWTTTL      time.Duration `mapstructure:"jwt_ttl" yaml:"jwt_ttl"`
}

// MatchConfig identifies the match and the local seat.
type MatchConfig struct {
	Game       string `mapstructure:"game" yaml:"game"`
	MatchID    string `mapstructure:"match_id" yaml:"match_id"`
	NumPlayers int    `mapstructure:"num_players" yaml:"num_players"`
	Seat       string `mapstructure:"seat" yaml:"seat"`
	Secret     string `mapstructure:"secret" yaml:"secret"`
}

// NetworkConfig points the rtc broker at the signaling service.
type NetworkConfig struct {
	SignalURL  string   `mapstructure:"signal_url" yaml:"signal_url"`
	Token      string   `mapstructure:"token" yaml:"token"`
	ICEServers []string `mapstructure:"ice_servers" yaml:"ice_servers"`
}

// HostConfig applies when running the host role.
type HostConfig struct {
	StoreDriver string `mapstructure:"store_driver" yaml:"store_driver"`
	StorePath   string `mapstructure:"store_path" yaml:"store_path"`
	ChatAuth    string `mapstructure:"chat_auth" yaml:"chat_auth"`
	OutboxSize  int    `mapstructure:"outbox_size" yaml:"outbox_size"`
	MaxPlayers  int    `mapstructure:"max_players" yaml:"max_players"`
}

// BackoffConfig bounds reconnect delays.
type BackoffConfig struct {
	Initial time.Duration `mapstructure:"initial" yaml:"initial"`
	Max     time.Duration `mapstructure:"max" yaml:"max"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		LogLevel: "info",
		Signal: SignalConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   5 * time.Second,
			JWTIssuer:         "turnrelay",
			JWTTTL:            24 * time.Hour,
		},
		Match: MatchConfig{
			Game:       "tic-tac-toe",
			NumPlayers: 2,
		},
		Network: NetworkConfig{
			SignalURL:  "ws://localhost:8080/ws",
			ICEServers: []string{"stun:stun.l.google.com:19302"},
		},
		Host: HostConfig{
			StoreDriver: StoreMemory,
			ChatAuth:    "open",
			OutboxSize:  64,
			MaxPlayers:  64,
		},
		Backoff: BackoffConfig{
			Initial: 500 * time.Millisecond,
			Max:     32 * time.Second,
		},
	}
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	switch c.Host.StoreDriver {
	case StoreMemory, StoreSQLite:
	default:
		return fmt.Errorf("host.store_driver: unknown driver %q", c.Host.StoreDriver)
	}
	switch c.Host.ChatAuth {
	case "open", "verified":
	default:
		return fmt.Errorf("host.chat_auth: unknown mode %q", c.Host.ChatAuth)
	}
	if c.Match.NumPlayers < 0 {
		return fmt.Errorf("match.num_players: must not be negative")
	}
	if c.Host.MaxPlayers < 0 {
		return fmt.Errorf("host.max_players: must not be negative")
	}
	if c.Backoff.Initial <= 0 || c.Backoff.Max < c.Backoff.Initial {
		return fmt.Errorf("backoff: need 0 < initial <= max, got %s and %s", c.Backoff.Initial, c.Backoff.Max)
	}
	return nil
}
