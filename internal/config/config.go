// Package config loads node configuration from an optional YAML file and the
// environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/sessamekesh/spanreed-csp/pkg/dispatch"
	"github.com/sessamekesh/spanreed-csp/pkg/transport"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	EnvHost = "CSP_HOST"
	EnvPort = "CSP_PORT"
)

type BridgeConfig struct {
	Port             uint16   `yaml:"port"`
	Endpoint         string   `yaml:"endpoint"`
	AllowAllHosts    bool     `yaml:"allow_all_hosts"`
	AllowlistedHosts []string `yaml:"allowlisted_hosts"`
	DenylistedHosts  []string `yaml:"denylisted_hosts"`
	MaxMessageSize   int64    `yaml:"max_message_size"`
}

type Config struct {
	Host string `yaml:"host"`
	Port uint16 `yaml:"port"`

	TickInterval time.Duration `yaml:"tick_interval"`
	TimeoutTicks int           `yaml:"timeout_ticks"`

	PendingMaxIds      int `yaml:"pending_max_ids"`
	PendingMaxMessages int `yaml:"pending_max_messages"`
	MaxPayloadSize     int `yaml:"max_payload_size"`

	NatFix bool `yaml:"natfix"`

	Bridge BridgeConfig `yaml:"bridge"`
}

type InvalidEnvError struct {
	Name  string
	Value string
}

func (e *InvalidEnvError) Error() string {
	return fmt.Sprintf("Invalid value %q for environment variable %s", e.Value, e.Name)
}

// Load reads path when it is not empty, then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv fills Host and Port from CSP_HOST and CSP_PORT, but only where the
// file left them unset.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if c.Host == "" {
		if host, ok := lookup(EnvHost); ok {
			c.Host = host
		}
	}

	if c.Port == 0 {
		if raw, ok := lookup(EnvPort); ok && raw != "" {
			port, err := strconv.ParseUint(raw, 10, 16)
			if err != nil {
				return &InvalidEnvError{Name: EnvPort, Value: raw}
			}
			c.Port = uint16(port)
		}
	}
	return nil
}

func (c Config) ToDispatchConfig(logger *zap.Logger) dispatch.Config {
	return dispatch.Config{
		Host:               c.Host,
		Port:               c.Port,
		TickInterval:       c.TickInterval,
		TimeoutTicks:       c.TimeoutTicks,
		PendingMaxIds:      c.PendingMaxIds,
		PendingMaxMessages: c.PendingMaxMessages,
		MaxPayloadSize:     c.MaxPayloadSize,
		NatFix:             c.NatFix,
		Logger:             logger,
	}
}

func (c Config) ToBridgeParams(logger *zap.Logger) transport.ChannelBridgeParams {
	endpoint := c.Bridge.Endpoint
	if endpoint == "" {
		endpoint = "/ws"
	}
	return transport.ChannelBridgeParams{
		ListenAddress:      fmt.Sprintf(":%d", c.Bridge.Port),
		ListenEndpoint:     endpoint,
		AllowAllHosts:      c.Bridge.AllowAllHosts,
		AllowlistedHosts:   c.Bridge.AllowlistedHosts,
		DenylistedHosts:    c.Bridge.DenylistedHosts,
		MaxReadMessageSize: c.Bridge.MaxMessageSize,
		Logger:             logger,
	}
}
