// Package config holds the chatd server settings. Values are layered:
// defaults, then an optional JSON file, then CHATD_* environment variables,
// then command-line flags.
package config

import (
	"fmt"
	"os"
	"time"
)

type Config struct {
	Addr               string
	DBPath             string
	PoolSize           int
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	RelayTimeout       time.Duration
	MaxFrameSize       int
	RSAKeyBits         int
	MinPasswordEntropy float64
	HistoryLimit       int
	Admins             []string
	ControlSocket      string
	LogLevel           string
	LogFormat          string
}

// LoadDefaults fills c with development defaults.
func (c *Config) LoadDefaults() {
	c.Addr = ":7777"
	c.DBPath = "chatd.db"
	c.PoolSize = 64
	c.ReadTimeout = 120 * time.Second
	c.WriteTimeout = 30 * time.Second
	c.RelayTimeout = 5 * time.Second
	c.MaxFrameSize = 64 * 1024
	c.RSAKeyBits = 2048
	c.MinPasswordEntropy = 30
	c.HistoryLimit = 100
	c.Admins = nil
	c.ControlSocket = "/tmp/chatd.sock"
	c.LogLevel = "info"
	c.LogFormat = "text"
}

// Load builds the configuration from the process arguments and environment.
func Load() (*Config, error) {
	return load(os.Args[1:], os.Getenv)
}

func load(args []string, getenv func(string) string) (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()

	fl, err := parseFlags(args)
	if err != nil {
		return nil, err
	}

	if fl.configFile != "" {
		if err := applyJSON(cfg, fl.configFile); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg, getenv)
	fl.apply(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Addr == "":
		return fmt.Errorf("config: empty listen address")
	case c.DBPath == "":
		return fmt.Errorf("config: empty database path")
	case c.PoolSize < 1:
		return fmt.Errorf("config: pool size must be positive, got %d", c.PoolSize)
	case c.ReadTimeout <= 0 || c.WriteTimeout <= 0 || c.RelayTimeout <= 0:
		return fmt.Errorf("config: timeouts must be positive")
	case c.MaxFrameSize < 1024:
		return fmt.Errorf("config: max frame size too small: %d", c.MaxFrameSize)
	case c.RSAKeyBits < 1024:
		return fmt.Errorf("config: rsa key size too small: %d", c.RSAKeyBits)
	case c.HistoryLimit < 1:
		return fmt.Errorf("config: history limit must be positive")
	}
	return nil
}

// IsAdmin reports whether login may issue administrative actions.
func (c *Config) IsAdmin(login string) bool {
	for _, a := range c.Admins {
		if a == login {
			return true
		}
	}
	return false
}
