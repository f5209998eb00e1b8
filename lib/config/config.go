// Copyright 2026 The Livechat Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the configuration for livechat binaries.
type Config struct {
	// Server configures how the client reaches the chat server.
	Server ServerConfig `yaml:"server"`

	// Timing overrides the session's timer defaults. Zero values keep
	// the defaults.
	Timing TimingConfig `yaml:"timing"`
}

// ServerConfig locates the chat server endpoints.
type ServerConfig struct {
	// SocketURL is the websocket endpoint (e.g., "ws://localhost:8470/v1/socket").
	SocketURL string `yaml:"socket_url"`

	// APIURL is the REST base URL for history pulls, the send
	// fallback, and mark-as-read (e.g., "http://localhost:8470").
	APIURL string `yaml:"api_url"`

	// Token is the bearer token for development setups where no
	// identity provider is wired in.
	Token string `yaml:"token"`
}

// TimingConfig carries per-deployment timer overrides.
type TimingConfig struct {
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  Duration `yaml:"heartbeat_timeout"`
	ReconnectBase     Duration `yaml:"reconnect_base"`
	ReconnectCap      Duration `yaml:"reconnect_cap"`
	ReconnectAttempts int      `yaml:"reconnect_attempts"`
	SendTimeout       Duration `yaml:"send_timeout"`
	TypingDebounce    Duration `yaml:"typing_debounce"`
}

// Duration is a time.Duration that unmarshals from YAML strings in
// time.ParseDuration format ("10s", "1.5m").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string like \"10s\": %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the default configuration: a local development
// server and no timing overrides.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			SocketURL: "ws://localhost:8470/v1/socket",
			APIURL:    "http://localhost:8470",
		},
	}
}

// EnvConfigPath is the environment variable naming the config file.
const EnvConfigPath = "LIVECHAT_CONFIG"

// Load loads configuration from the path in LIVECHAT_CONFIG. Fails if
// the variable is unset — there is no implicit default file.
func Load() (*Config, error) {
	path := os.Getenv(EnvConfigPath)
	if path == "" {
		return nil, fmt.Errorf("LIVECHAT_CONFIG environment variable not set; " +
			"set it to the path of your livechat.yaml, or use --config")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file, merging over the
// defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.SocketURL == "" {
		errs = append(errs, fmt.Errorf("server.socket_url is required"))
	} else if u, err := url.Parse(c.Server.SocketURL); err != nil {
		errs = append(errs, fmt.Errorf("server.socket_url: %w", err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("server.socket_url scheme must be ws or wss, got %q", u.Scheme))
	}

	if c.Server.APIURL == "" {
		errs = append(errs, fmt.Errorf("server.api_url is required"))
	} else if _, err := url.Parse(c.Server.APIURL); err != nil {
		errs = append(errs, fmt.Errorf("server.api_url: %w", err))
	}

	for name, d := range map[string]Duration{
		"heartbeat_interval": c.Timing.HeartbeatInterval,
		"heartbeat_timeout":  c.Timing.HeartbeatTimeout,
		"reconnect_base":     c.Timing.ReconnectBase,
		"reconnect_cap":      c.Timing.ReconnectCap,
		"send_timeout":       c.Timing.SendTimeout,
		"typing_debounce":    c.Timing.TypingDebounce,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("timing.%s must not be negative", name))
		}
	}
	if c.Timing.ReconnectAttempts < 0 {
		errs = append(errs, fmt.Errorf("timing.reconnect_attempts must not be negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
