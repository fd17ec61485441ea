// Package orchestrator drives a local↔remote port-forward tunnel and the
// lifecycle of a file-serving process on the remote host: credential storage,
// host registry, tunnel establishment and health checking, remote deployment
// verification, remote process start, and multi-host cleanup.
package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the YAML configuration for tunnelserve.
//
// Example YAML:
//
// local_port: 8081
// remote_port: 8081
// remote_dir: "~/file-server"
// server_file: enhanced_http_server.py
// process_patterns:
//   - enhanced_http_server
//   - "http.server"
type Config struct {
	// LocalPort is the local end of the forward. Default 8081.
	LocalPort int `yaml:"local_port,omitempty"`

	// RemotePort is the port the file server listens on remotely. Default 8081.
	RemotePort int `yaml:"remote_port,omitempty"`

	// RemoteDir is where the server file is deployed. A leading "~" is
	// resolved against the remote user's home at deploy time. Default
	// "~/file-server".
	RemoteDir string `yaml:"remote_dir,omitempty"`

	// ServerFile is the filename of the remote file-serving executable.
	ServerFile string `yaml:"server_file,omitempty"`

	// ProcessPatterns are the command-line patterns used to locate the remote
	// server process during cleanup. The deployed server filename is always
	// included implicitly.
	ProcessPatterns []string `yaml:"process_patterns,omitempty"`

	// HealthIntervalSeconds is the sleep between tunnel liveness checks.
	// Default 30.
	HealthIntervalSeconds int `yaml:"health_interval_s,omitempty"`

	// EstablishAttempts caps the post-launch port liveness poll. Default 10.
	EstablishAttempts int `yaml:"establish_attempts,omitempty"`

	// EstablishIntervalSeconds is the poll interval during establishment.
	// Default 1.
	EstablishIntervalSeconds int `yaml:"establish_interval_s,omitempty"`

	// ConnectTimeoutSeconds bounds the connectivity probe. Default 10.
	ConnectTimeoutSeconds int `yaml:"connect_timeout_s,omitempty"`
}

const (
	defaultConfigDirName  = "tunnelserve"
	defaultConfigFilename = "config.yaml"
)

// DefaultConfig returns a Config with every field at its documented default.
func DefaultConfig() *Config {
	return &Config{
		LocalPort:                8081,
		RemotePort:               8081,
		RemoteDir:                "~/file-server",
		ServerFile:               "enhanced_http_server.py",
		ProcessPatterns:          []string{"enhanced_http_server", "http.server"},
		HealthIntervalSeconds:    30,
		EstablishAttempts:        10,
		EstablishIntervalSeconds: 1,
		ConnectTimeoutSeconds:    10,
	}
}

// DefaultConfigDir returns the directory path for this application's config.
// Precedence:
//  1. $XDG_CONFIG_HOME/tunnelserve
//  2. ~/.config/tunnelserve
func DefaultConfigDir() (string, error) {
	if xdg := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); xdg != "" {
		return filepath.Join(xdg, defaultConfigDirName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".config", defaultConfigDirName), nil
}

// LoadConfig discovers and loads the YAML configuration, applying defaults
// for unset fields. If explicitPath is empty, it searches in order:
//  1. $TUNNELSERVE_CONFIG
//  2. $XDG_CONFIG_HOME/tunnelserve/config.yaml
//  3. ~/.config/tunnelserve/config.yaml
//
// A missing config file is not an error; defaults are returned.
func LoadConfig(explicitPath string) (*Config, string, error) {
	var candidates []string
	if explicitPath != "" {
		candidates = append(candidates, explicitPath)
	}
	if env := os.Getenv("TUNNELSERVE_CONFIG"); env != "" {
		candidates = append(candidates, env)
	}
	if dir, err := DefaultConfigDir(); err == nil {
		candidates = append(candidates, filepath.Join(dir, defaultConfigFilename))
	}

	for _, p := range candidates {
		p = expandPath(p)
		if p == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		cfg := DefaultConfig()
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, p, fmt.Errorf("parse yaml %s: %w", p, err)
		}
		cfg.applyDefaults()
		if err := cfg.Validate(); err != nil {
			return nil, p, fmt.Errorf("invalid config %s: %w", p, err)
		}
		return cfg, p, nil
	}
	return DefaultConfig(), "", nil
}

// applyDefaults fills zero-valued fields so a sparse YAML file behaves the
// same as no file at all.
func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.LocalPort == 0 {
		c.LocalPort = d.LocalPort
	}
	if c.RemotePort == 0 {
		c.RemotePort = d.RemotePort
	}
	if strings.TrimSpace(c.RemoteDir) == "" {
		c.RemoteDir = d.RemoteDir
	}
	if strings.TrimSpace(c.ServerFile) == "" {
		c.ServerFile = d.ServerFile
	}
	if len(c.ProcessPatterns) == 0 {
		c.ProcessPatterns = append([]string(nil), d.ProcessPatterns...)
	}
	if c.HealthIntervalSeconds == 0 {
		c.HealthIntervalSeconds = d.HealthIntervalSeconds
	}
	if c.EstablishAttempts == 0 {
		c.EstablishAttempts = d.EstablishAttempts
	}
	if c.EstablishIntervalSeconds == 0 {
		c.EstablishIntervalSeconds = d.EstablishIntervalSeconds
	}
	if c.ConnectTimeoutSeconds == 0 {
		c.ConnectTimeoutSeconds = d.ConnectTimeoutSeconds
	}
}

// Validate performs basic sanity checks on the configuration.
func (c *Config) Validate() error {
	if c.LocalPort <= 0 || c.LocalPort > 65535 {
		return fmt.Errorf("local_port: must be in 1..65535, got %d", c.LocalPort)
	}
	if c.RemotePort <= 0 || c.RemotePort > 65535 {
		return fmt.Errorf("remote_port: must be in 1..65535, got %d", c.RemotePort)
	}
	if strings.TrimSpace(c.RemoteDir) == "" {
		return fmt.Errorf("remote_dir: is required")
	}
	if strings.TrimSpace(c.ServerFile) == "" {
		return fmt.Errorf("server_file: is required")
	}
	if strings.ContainsAny(c.ServerFile, "/\\") {
		return fmt.Errorf("server_file: must be a bare filename, got %q", c.ServerFile)
	}
	if c.HealthIntervalSeconds < 1 {
		return fmt.Errorf("health_interval_s: must be >= 1, got %d", c.HealthIntervalSeconds)
	}
	if c.EstablishAttempts < 1 {
		return fmt.Errorf("establish_attempts: must be >= 1, got %d", c.EstablishAttempts)
	}
	if c.EstablishIntervalSeconds < 1 {
		return fmt.Errorf("establish_interval_s: must be >= 1, got %d", c.EstablishIntervalSeconds)
	}
	for i, p := range c.ProcessPatterns {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("process_patterns[%d]: empty pattern", i)
		}
	}
	return nil
}

// HealthInterval returns the health loop sleep as a duration.
func (c *Config) HealthInterval() time.Duration {
	return time.Duration(c.HealthIntervalSeconds) * time.Second
}

// EstablishInterval returns the establish poll interval as a duration.
func (c *Config) EstablishInterval() time.Duration {
	return time.Duration(c.EstablishIntervalSeconds) * time.Second
}

// ConnectTimeout returns the probe timeout as a duration.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// expandPath expands leading "~" and environment variables in a path.
// If the input is empty, returns "".
func expandPath(p string) string {
	if p == "" {
		return ""
	}
	p = os.ExpandEnv(p)
	if strings.HasPrefix(p, "~") {
		home, _ := os.UserHomeDir()
		if home != "" {
			if p == "~" {
				p = home
			} else if strings.HasPrefix(p, "~/") {
				p = filepath.Join(home, p[2:])
			}
		}
	}
	return p
}
