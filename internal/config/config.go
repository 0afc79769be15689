// Package config loads the runtime configuration: STUN servers, the
// signaling store address, and the optional negotiation deadline.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Defaults match the zero-infrastructure setup: public Google STUN and no
// negotiation deadline.
var defaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Config holds everything the call core takes from the environment.
type Config struct {
	// STUNServers are the connectivity-helper addresses handed to the
	// transport. At least one is required.
	STUNServers []string `mapstructure:"stun_servers"`

	// StoreURL is the WebSocket address of the signaling store server,
	// e.g. "ws://signal.example.net:4710/store".
	StoreURL string `mapstructure:"store_url"`

	// NegotiateTimeout bounds how long a call may sit in negotiation before
	// it is failed. Zero disables the deadline.
	NegotiateTimeout time.Duration `mapstructure:"negotiate_timeout"`

	// DisplayName is sent as this user's display info on outgoing calls.
	DisplayName string `mapstructure:"display_name"`
}

// Load reads peercall.yaml (working directory or ~/.config/peercall) merged
// with PEERCALL_* environment variables over the defaults. A missing config
// file is fine; an unparsable one is not.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("peercall")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/peercall")

	v.SetDefault("stun_servers", defaultSTUNServers)
	v.SetDefault("store_url", "")
	v.SetDefault("negotiate_timeout", time.Duration(0))
	v.SetDefault("display_name", "")

	v.SetEnvPrefix("peercall")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the invariants the core depends on.
func (c *Config) Validate() error {
	if len(c.STUNServers) == 0 {
		return errors.New("config: at least one STUN server is required")
	}
	if c.NegotiateTimeout < 0 {
		return errors.New("config: negotiate_timeout must not be negative")
	}
	return nil
}

// Default returns the built-in configuration, useful for tests and the
// loopback demo.
func Default() *Config {
	return &Config{
		STUNServers: append([]string(nil), defaultSTUNServers...),
	}
}
