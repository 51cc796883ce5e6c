// Package config loads safed's YAML configuration, the same
// decode-then-validate shape barnettlynn-nfctools/sdmconfig uses for its
// daemon config: strict decoding via gopkg.in/yaml.v3, zero-valued
// durations replaced by defaults, paths resolved relative to the config
// file's own directory.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is safed's full runtime configuration (spec §6's daemon
// contract: a registry store, a client-facing socket, an oracle
// transport, and how long to wait on an oracle query before latching
// not-ready).
type Config struct {
	Registry RegistryConfig `yaml:"registry"`
	Client   ClientConfig   `yaml:"client"`
	Oracle   OracleConfig   `yaml:"oracle"`
}

type RegistryConfig struct {
	// StorePath is the bbolt database file holding the FID->owner table.
	StorePath string `yaml:"store_path"`
	// MountRoots scopes FID<->path resolution (spec §4.2's "resolve a
	// FID back to a path without scanning the whole machine"); empty
	// means resolve against the filesystem containing StorePath.
	MountRoots []string `yaml:"mount_roots"`
}

type ClientConfig struct {
	// SocketPath is the unix stream socket the registry protocol (spec
	// §6) listens on, world-writable so any UID can dial it.
	SocketPath string `yaml:"socket_path"`
}

type OracleConfig struct {
	// ListenPath is the interception side's own oracle socket address
	// (cmd/safeload binds here; safed treats it as the peer hint).
	ListenPath string `yaml:"listen_path"`
	// DaemonPath is safed's own oracle socket address (safed binds here;
	// cmd/safeload treats it as the peer hint). Both sides learn the
	// other's true address from the first datagram they receive, so
	// these two fields only need to be right at startup.
	DaemonPath string `yaml:"daemon_path"`
	// QueryTimeout bounds how long a blocked oracle query waits before
	// the caller treats the daemon as not ready (spec §4.3).
	QueryTimeout time.Duration `yaml:"query_timeout"`
	// ReadinessInterval is how often safed announces liveness (spec
	// §4.3's supplemented periodic readiness notice).
	ReadinessInterval time.Duration `yaml:"readiness_interval"`
}

const (
	defaultQueryTimeout      = 3 * time.Second
	defaultReadinessInterval = 30 * time.Second
)

// Load reads, strictly decodes, resolves relative paths against path's
// directory, and validates the configuration at path.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	cfg.resolvePaths(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Oracle.QueryTimeout == 0 {
		c.Oracle.QueryTimeout = defaultQueryTimeout
	}
	if c.Oracle.ReadinessInterval == 0 {
		c.Oracle.ReadinessInterval = defaultReadinessInterval
	}
}

func (c *Config) resolvePaths(configDir string) {
	c.Registry.StorePath = resolvePath(configDir, c.Registry.StorePath)
	c.Client.SocketPath = resolvePath(configDir, c.Client.SocketPath)
	c.Oracle.ListenPath = resolvePath(configDir, c.Oracle.ListenPath)
	c.Oracle.DaemonPath = resolvePath(configDir, c.Oracle.DaemonPath)
	for i, root := range c.Registry.MountRoots {
		c.Registry.MountRoots[i] = resolvePath(configDir, root)
	}
}

func resolvePath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Clean(filepath.Join(baseDir, trimmed))
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Registry.StorePath) == "" {
		return fmt.Errorf("config.registry.store_path is required")
	}
	if strings.TrimSpace(c.Client.SocketPath) == "" {
		return fmt.Errorf("config.client.socket_path is required")
	}
	if strings.TrimSpace(c.Oracle.ListenPath) == "" {
		return fmt.Errorf("config.oracle.listen_path is required")
	}
	if strings.TrimSpace(c.Oracle.DaemonPath) == "" {
		return fmt.Errorf("config.oracle.daemon_path is required")
	}
	if c.Oracle.QueryTimeout <= 0 {
		return fmt.Errorf("config.oracle.query_timeout must be positive")
	}
	if c.Oracle.ReadinessInterval <= 0 {
		return fmt.Errorf("config.oracle.readiness_interval must be positive")
	}
	return nil
}
