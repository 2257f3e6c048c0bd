// Package config loads the ironcard configuration file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Agent    AgentConfig    `yaml:"agent"`
	Scdaemon ScdaemonConfig `yaml:"scdaemon"`
	Keybox   KeyboxConfig   `yaml:"keybox"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// AgentConfig contains the agent listener settings.
type AgentConfig struct {
	Socket     string `yaml:"socket"`
	SocketMode string `yaml:"socket_mode"`
	// MetricsListen is the address of the metrics and health endpoint.
	// Empty disables it.
	MetricsListen string `yaml:"metrics_listen"`
}

// ScdaemonConfig contains the card daemon settings.
type ScdaemonConfig struct {
	Program     string        `yaml:"program"`
	HomeDir     string        `yaml:"home_dir"`
	Disable     bool          `yaml:"disable"`
	EventSignal int           `yaml:"event_signal"`
	UseAuth     bool          `yaml:"use_auth"`
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

// KeyboxConfig contains keybox file settings.
type KeyboxConfig struct {
	Path string `yaml:"path"`
	// Secret marks the keybox as holding confidential data: no backup copy
	// is ever kept.
	Secret bool `yaml:"secret"`
	// Journal is the path of the mutation journal. Empty disables it.
	Journal string `yaml:"journal"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// DefaultConfig returns a configuration with defaults filled in.
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Socket:     "~/.ironcard/S.ironcard",
			SocketMode: "0600",
		},
		Scdaemon: ScdaemonConfig{
			Program:     "scdaemon",
			StopTimeout: 5 * time.Second,
		},
		Keybox: KeyboxConfig{
			Path: "~/.gnupg/pubring.kbx",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the configuration at path on top of the defaults. An empty
// path or a missing file yields the defaults. Paths starting with "~" are
// expanded and the result is validated.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the agent cannot use.
func (c *Config) Validate() error {
	if c.Agent.Socket == "" {
		return errors.New("agent.socket must be set")
	}
	if _, err := c.Agent.FileMode(); err != nil {
		return err
	}
	if !c.Scdaemon.Disable && c.Scdaemon.Program == "" {
		return errors.New("scdaemon.program must be set unless scdaemon.disable is true")
	}
	if c.Scdaemon.EventSignal < 0 {
		return fmt.Errorf("scdaemon.event_signal must not be negative, got %d", c.Scdaemon.EventSignal)
	}
	if c.Scdaemon.StopTimeout < 0 {
		return fmt.Errorf("scdaemon.stop_timeout must not be negative, got %s", c.Scdaemon.StopTimeout)
	}
	if _, err := c.Logging.SlogLevel(); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format)
	}
	return nil
}

// FileMode parses SocketMode as an octal permission.
func (a AgentConfig) FileMode() (os.FileMode, error) {
	mode, err := strconv.ParseUint(a.SocketMode, 8, 32)
	if err != nil || mode > 0o777 {
		return 0, fmt.Errorf("agent.socket_mode must be an octal permission, got %q", a.SocketMode)
	}
	return os.FileMode(mode), nil
}

// SlogLevel parses Level.
func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("logging.level: %w", err)
	}
	return level, nil
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{
		&c.Agent.Socket,
		&c.Scdaemon.HomeDir,
		&c.Keybox.Path,
		&c.Keybox.Journal,
	} {
		expanded, err := ExpandHome(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	return nil
}

// ExpandHome replaces a leading "~" in path with the user's home directory.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expanding %s: %w", path, err)
	}
	return filepath.Join(home, path[1:]), nil
}
