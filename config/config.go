// Package config loads the TOML configuration file shared by the client and
// server subcommands.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

const configFile = "config.toml"
const dirName = ".wstunnel"

// ClientConfig holds the `[client]` table.
type ClientConfig struct {
	InitialCredit      uint32        `toml:"initial_credit"`
	AckThreshold       uint32        `toml:"ack_threshold"`
	KeepaliveInterval  time.Duration `toml:"keepalive_interval"`
	HandshakeTimeout   time.Duration `toml:"handshake_timeout"`
	UDPPruneTimeout    time.Duration `toml:"udp_prune_timeout"`
	UDPChannelCapacity int           `toml:"udp_channel_capacity"`
	PSK                string        `toml:"psk"`
	TLSCA              string        `toml:"tls_ca"`
	NoReconnect        bool          `toml:"no_reconnect"`
}

// ServerConfig holds the `[server]` table.
type ServerConfig struct {
	InitialCredit      uint32        `toml:"initial_credit"`
	AckThreshold       uint32        `toml:"ack_threshold"`
	KeepaliveInterval  time.Duration `toml:"keepalive_interval"`
	HandshakeTimeout   time.Duration `toml:"handshake_timeout"`
	UDPPruneTimeout    time.Duration `toml:"udp_prune_timeout"`
	UDPChannelCapacity int           `toml:"udp_channel_capacity"`
	MaxStreams         int           `toml:"max_streams"`
	PSK                string        `toml:"psk"`
	TLSCert            string        `toml:"tls_cert"`
	TLSKey             string        `toml:"tls_key"`
	Backend            string        `toml:"backend"`
	NotFoundBody       string        `toml:"not_found_body"`
}

// Config is the root of the TOML document: two independent tables, one per
// role, so a single file can describe both ends for local testing.
type Config struct {
	Client ClientConfig `toml:"client"`
	Server ServerConfig `toml:"server"`
}

// DefaultConfig returns the built-in defaults, matching spec.md 4.7.
func DefaultConfig() Config {
	return Config{
		Client: ClientConfig{
			InitialCredit:      32,
			AckThreshold:       16,
			KeepaliveInterval:  30 * time.Second,
			HandshakeTimeout:   10 * time.Second,
			UDPPruneTimeout:    60 * time.Second,
			UDPChannelCapacity: 128,
		},
		Server: ServerConfig{
			InitialCredit:      32,
			AckThreshold:       16,
			KeepaliveInterval:  30 * time.Second,
			HandshakeTimeout:   10 * time.Second,
			UDPPruneTimeout:    60 * time.Second,
			UDPChannelCapacity: 128,
			NotFoundBody:       "404 page not found\n",
		},
	}
}

// ConfigPath returns override if set, else the default
// ~/.wstunnel/config.toml.
func ConfigPath(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}
	return filepath.Join(home, dirName, configFile), nil
}

// Load reads path, overlaying it onto DefaultConfig. A missing file is not an
// error: the caller gets built-in defaults, letting flags be the only
// required configuration for a quick test run.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.Client.AckThreshold > cfg.Client.InitialCredit {
		cfg.Client.AckThreshold = cfg.Client.InitialCredit
	}
	if cfg.Server.AckThreshold > cfg.Server.InitialCredit {
		cfg.Server.AckThreshold = cfg.Server.InitialCredit
	}
	return cfg, nil
}
