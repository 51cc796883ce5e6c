package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// InterceptConfig configures cmd/safeload, C4's bootstrap binary: which
// real directory tree it guards, how it talks to the oracle, and how
// directory listings hide denied entries.
type InterceptConfig struct {
	// Root is the real directory LoopbackFileSystem serves calls against.
	Root string `yaml:"root"`
	// FilterMode is "zero_in_place" or "compact" (spec §4.4's
	// supplemented directory-enumeration open question).
	FilterMode string `yaml:"filter_mode"`
	// Logging enables the LoggingFileSystem decorator.
	Logging bool         `yaml:"logging"`
	Oracle  OracleConfig `yaml:"oracle"`
}

// LoadIntercept reads, validates and resolves paths for an
// InterceptConfig the same way Load does for Config.
func LoadIntercept(path string) (*InterceptConfig, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var cfg InterceptConfig
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if cfg.Oracle.QueryTimeout == 0 {
		cfg.Oracle.QueryTimeout = defaultQueryTimeout
	}
	if cfg.Oracle.ReadinessInterval == 0 {
		cfg.Oracle.ReadinessInterval = defaultReadinessInterval
	}

	configDir := filepath.Dir(path)
	cfg.Root = resolvePath(configDir, cfg.Root)
	cfg.Oracle.ListenPath = resolvePath(configDir, cfg.Oracle.ListenPath)
	cfg.Oracle.DaemonPath = resolvePath(configDir, cfg.Oracle.DaemonPath)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *InterceptConfig) Validate() error {
	if strings.TrimSpace(c.Root) == "" {
		return fmt.Errorf("config.root is required")
	}
	switch c.FilterMode {
	case "", "zero_in_place":
	case "compact":
	default:
		return fmt.Errorf("config.filter_mode must be zero_in_place or compact, got %q", c.FilterMode)
	}
	if strings.TrimSpace(c.Oracle.ListenPath) == "" {
		return fmt.Errorf("config.oracle.listen_path is required")
	}
	if strings.TrimSpace(c.Oracle.DaemonPath) == "" {
		return fmt.Errorf("config.oracle.daemon_path is required")
	}
	return nil
}
