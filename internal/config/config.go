package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	dbustypes "github.com/nikicat/propbus/internal/dbus"
)

// Defaults applied by WithDefaults.
const (
	DefaultBus         = "session"
	DefaultListenAddr  = "127.0.0.1:8585"
	DefaultLogLevel    = "info"
	DefaultLogFormat   = "text"
	DefaultCallTimeout = 25 * time.Second
)

// Duration wraps time.Duration with YAML unmarshalling for human-readable strings.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// TargetConfig names the remote object the one-shot commands and the
// gateway talk to.
type TargetConfig struct {
	Name      string `yaml:"name"`
	Path      string `yaml:"path"`
	Interface string `yaml:"interface"`
}

// Config is the top-level configuration file structure.
type Config struct {
	// Bus is "session", "system" or a D-Bus address.
	Bus           string       `yaml:"bus"`
	WaitForSocket Duration     `yaml:"wait_for_socket"`
	Target        TargetConfig `yaml:"target"`
	CallTimeout   Duration     `yaml:"call_timeout"`
	LogLevel      string       `yaml:"log_level"`
	LogFormat     string       `yaml:"log_format"`
	Listen        string       `yaml:"listen"`
}

// DefaultPath returns the default config file path using XDG_CONFIG_HOME.
func DefaultPath() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, "propbus", "config.yaml")
}

// Load reads and parses a YAML config file. If the file does not exist,
// it returns an empty Config and a nil error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return &cfg, nil
}

// LoadFile is Load for a path the user named explicitly: a missing file is an error.
func LoadFile(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, err
	}
	return Load(path)
}

// WithDefaults returns a copy with every empty field filled in.
// The target defaults to the VR availability object.
func (c *Config) WithDefaults() *Config {
	out := *c
	if out.Bus == "" {
		out.Bus = DefaultBus
	}
	if out.Target.Name == "" {
		out.Target.Name = dbustypes.VRBusName
	}
	if out.Target.Path == "" {
		out.Target.Path = dbustypes.VRPath
	}
	if out.Target.Interface == "" {
		out.Target.Interface = dbustypes.VRInterface
	}
	if out.CallTimeout == 0 {
		out.CallTimeout = Duration(DefaultCallTimeout)
	}
	if out.LogLevel == "" {
		out.LogLevel = DefaultLogLevel
	}
	if out.LogFormat == "" {
		out.LogFormat = DefaultLogFormat
	}
	if out.Listen == "" {
		out.Listen = DefaultListenAddr
	}
	return &out
}

// Validate checks field values. Call it on the result of WithDefaults.
func (c *Config) Validate() error {
	if c.Bus != "session" && c.Bus != "system" && !strings.Contains(c.Bus, ":") {
		return fmt.Errorf("bus must be session, system or a D-Bus address, got %q", c.Bus)
	}
	if c.WaitForSocket < 0 {
		return fmt.Errorf("wait_for_socket must not be negative")
	}
	if c.CallTimeout < 0 {
		return fmt.Errorf("call_timeout must not be negative")
	}
	if err := c.TargetAddress().Validate(); err != nil {
		return fmt.Errorf("target: %w", err)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn or error, got %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	return nil
}

// TargetAddress returns the configured target as an Address.
func (c *Config) TargetAddress() dbustypes.Address {
	return dbustypes.NewAddress(c.Target.Name, c.Target.Path, c.Target.Interface)
}
