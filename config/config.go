// Package config loads the node's YAML configuration.
package config

import (
	"context"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/oakenlab/dhtprobe/pkg/logtrace"
)

const (
	defaultListenAddress = "0.0.0.0"
	defaultPort          = 6881
	// dht.transmissionbt.com
	defaultBootstrap    = "212.129.33.50:6881"
	defaultQueryTimeout = time.Second
	defaultBanTTL       = 5 * time.Minute
)

// Config represents the YAML configuration structure
type Config struct {
	P2P struct {
		ListenAddress    string `yaml:"listen_address"`
		Port             uint16 `yaml:"port"`
		BootstrapAddress string `yaml:"bootstrap_address"`
		// IdentitySeed derives a stable node ID when set; empty means a
		// random ID per start.
		IdentitySeed string `yaml:"identity_seed"`
	} `yaml:"p2p"`

	Timeouts struct {
		QuerySeconds  int `yaml:"query_seconds"`
		BanTTLSeconds int `yaml:"ban_ttl_seconds"`
	} `yaml:"timeouts"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(context.Background())
	return cfg
}

// LoadConfig loads the configuration from a file and fills in defaults.
func LoadConfig(filename string) (*Config, error) {
	ctx := context.Background()

	absPath, err := filepath.Abs(filename)
	if err != nil {
		return nil, errors.Wrap(err, "resolve config path")
	}

	logtrace.Info(ctx, "Loading configuration", logtrace.Fields{
		"path": absPath,
	})

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, errors.Wrapf(err, "read config file %s", absPath)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.Wrap(err, "parse config file")
	}
	config.applyDefaults(ctx)

	if _, err := config.Bootstrap(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) applyDefaults(ctx context.Context) {
	if c.P2P.ListenAddress == "" {
		c.P2P.ListenAddress = defaultListenAddress
		logtrace.Info(ctx, "Using default listen address", logtrace.Fields{
			"address": c.P2P.ListenAddress,
		})
	}
	if c.P2P.Port == 0 {
		c.P2P.Port = defaultPort
		logtrace.Info(ctx, "Using default port", logtrace.Fields{
			"port": c.P2P.Port,
		})
	}
	if c.P2P.BootstrapAddress == "" {
		c.P2P.BootstrapAddress = defaultBootstrap
		logtrace.Info(ctx, "Using default bootstrap node", logtrace.Fields{
			"bootstrap": c.P2P.BootstrapAddress,
		})
	}
	if c.Timeouts.QuerySeconds <= 0 {
		c.Timeouts.QuerySeconds = int(defaultQueryTimeout / time.Second)
	}
	if c.Timeouts.BanTTLSeconds <= 0 {
		c.Timeouts.BanTTLSeconds = int(defaultBanTTL / time.Second)
	}
}

// Bootstrap parses the configured bootstrap address.
func (c *Config) Bootstrap() (netip.AddrPort, error) {
	addr, err := netip.ParseAddrPort(c.P2P.BootstrapAddress)
	if err != nil {
		return netip.AddrPort{}, errors.Wrapf(err, "invalid bootstrap address %q", c.P2P.BootstrapAddress)
	}
	return addr, nil
}

// QueryTimeout returns the outstanding-query timeout as a duration.
func (c *Config) QueryTimeout() time.Duration {
	return time.Duration(c.Timeouts.QuerySeconds) * time.Second
}

// BanTTL returns the timed-out-peer ban duration.
func (c *Config) BanTTL() time.Duration {
	return time.Duration(c.Timeouts.BanTTLSeconds) * time.Second
}
