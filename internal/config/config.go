// ABOUTME: Configuration loading and parsing for quill-remote
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete quill-remote configuration
type Config struct {
	SSH     SSHConfig             `yaml:"ssh"`
	Hosts   map[string]HostConfig `yaml:"hosts"`
	History HistoryConfig         `yaml:"history"`
	Logging LoggingConfig         `yaml:"logging"`
}

// SSHConfig holds transport settings shared by every connection
type SSHConfig struct {
	Program   string   `yaml:"program"`
	ExtraArgs []string `yaml:"extra_args"`

	HandshakeTimeout time.Duration `yaml:"-"`
	RequestTimeout   time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	HandshakeTimeoutRaw string `yaml:"handshake_timeout"`
	RequestTimeoutRaw   string `yaml:"request_timeout"`
}

// HostConfig is a named target
type HostConfig struct {
	Target       string `yaml:"target"`
	IdentityFile string `yaml:"identity_file"`
}

// HistoryConfig controls the connection history database
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		SSH: SSHConfig{
			Program:             "ssh",
			HandshakeTimeout:    30 * time.Second,
			RequestTimeout:      time.Minute,
			HandshakeTimeoutRaw: "30s",
			RequestTimeoutRaw:   "1m",
		},
		Hosts: map[string]HostConfig{},
		History: HistoryConfig{
			Enabled: true,
			Path:    defaultHistoryPath(),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultPath returns the config file location: $QUILL_CONFIG, then
// $XDG_CONFIG_HOME/quill/remote.yaml, then ~/.config/quill/remote.yaml.
func DefaultPath() string {
	if p := os.Getenv("QUILL_CONFIG"); p != "" {
		return p
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "quill", "remote.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "quill", "remote.yaml")
	}
	return filepath.Join(home, ".config", "quill", "remote.yaml")
}

func defaultHistoryPath() string {
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, "quill", "history.db")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "quill-history.db"
	}
	return filepath.Join(home, ".local", "state", "quill", "history.db")
}

// LoadDefault loads the file at DefaultPath, falling back to Default when
// it does not exist.
func LoadDefault() (*Config, error) {
	path := DefaultPath()
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
// Unset fields keep their Default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.SSH.Program == "" {
		return fmt.Errorf("ssh.program is required")
	}
	if c.SSH.HandshakeTimeout <= 0 {
		return fmt.Errorf("ssh.handshake_timeout must be positive")
	}
	if c.SSH.RequestTimeout < 0 {
		return fmt.Errorf("ssh.request_timeout must not be negative")
	}

	for name, host := range c.Hosts {
		if strings.TrimSpace(host.Target) == "" {
			return fmt.Errorf("hosts.%s.target is required", name)
		}
	}

	if c.History.Enabled && c.History.Path == "" {
		return fmt.Errorf("history.path is required when history is enabled")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	return nil
}

// Host resolves a configured host name. The second result is false when
// name is not configured.
func (c *Config) Host(name string) (HostConfig, bool) {
	h, ok := c.Hosts[name]
	return h, ok
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.SSH.HandshakeTimeoutRaw != "" {
		cfg.SSH.HandshakeTimeout, err = time.ParseDuration(cfg.SSH.HandshakeTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing handshake_timeout %q: %w", cfg.SSH.HandshakeTimeoutRaw, err)
		}
	}

	if cfg.SSH.RequestTimeoutRaw != "" {
		cfg.SSH.RequestTimeout, err = time.ParseDuration(cfg.SSH.RequestTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing request_timeout %q: %w", cfg.SSH.RequestTimeoutRaw, err)
		}
	}

	return nil
}

// ExpandPath replaces a leading ~ with the user's home directory.
func ExpandPath(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
