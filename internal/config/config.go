// Package config handles YAML run configuration parsing.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"gridrun/internal/capability"
	"gridrun/internal/logging"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the root configuration structure.
type Config struct {
	Tests            []string         `yaml:"tests"`
	Helpers          []string         `yaml:"helpers"`
	MaxSessions      int              `yaml:"maxSessions"` // 0 = unbounded
	MaxRetries       int              `yaml:"maxRetries"`  // 0 = unbounded
	RetryDelay       time.Duration    `yaml:"retryDelay"`
	ShutdownGrace    time.Duration    `yaml:"shutdownGrace"`
	LaunchRate       float64          `yaml:"launchRate"` // sessions per second, 0 = off
	Timeouts         Timeouts         `yaml:"timeouts"`
	Provider         Provider         `yaml:"provider"`
	Driver           Driver           `yaml:"driver"`
	Capabilities     []map[string]any `yaml:"capabilities"`
	CapabilitiesFile string           `yaml:"capabilitiesFile,omitempty"`
	Output           string           `yaml:"output"`
	Quiet            bool             `yaml:"quiet"`
	Log              logging.Config   `yaml:"log"`
	Metrics          Metrics          `yaml:"metrics"`

	// dir is the directory of the loaded file; relative paths resolve from it.
	dir string
}

// Timeouts are handed to the driver for the browser session.
type Timeouts struct {
	Script       time.Duration `yaml:"script" json:"script"`
	PageLoad     time.Duration `yaml:"pageLoad" json:"pageLoad"`
	ImplicitWait time.Duration `yaml:"implicitWait" json:"implicitWait"`
}

// Provider identifies the remote browser lab and its credentials.
type Provider struct {
	Host            string `yaml:"host" json:"host"`
	Port            int    `yaml:"port,omitempty" json:"port,omitempty"`
	User            string `yaml:"user" json:"user"`
	Key             string `yaml:"key" json:"key"`
	UpdateJobStatus bool   `yaml:"updateJobStatus" json:"updateJobStatus"`
	LocalIdentifier string `yaml:"localIdentifier,omitempty" json:"localIdentifier,omitempty"`
	APIURL          string `yaml:"apiURL,omitempty" json:"apiURL,omitempty"` // overrides the provider REST endpoint
}

// Driver is the external command that runs one session's tests.
type Driver struct {
	Command string            `yaml:"command" json:"command"`
	Args    []string          `yaml:"args" json:"args,omitempty"`
	Env     map[string]string `yaml:"env" json:"env,omitempty"`
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	Listen string `yaml:"listen"`
}

// Default returns the configuration used when a key is absent.
func Default() *Config {
	return &Config{
		Tests:         []string{"./test/**/*Spec.js"},
		Helpers:       []string{"./test/**/*Helper.js"},
		RetryDelay:    time.Minute,
		ShutdownGrace: time.Second,
		Timeouts: Timeouts{
			Script:       time.Second,
			PageLoad:     7 * time.Second,
			ImplicitWait: 5 * time.Second,
		},
		Output: "text",
		Log: logging.Config{
			Level:      "info",
			Format:     "console",
			Output:     "stderr",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
		},
	}
}

// LoadConfig reads and parses a YAML configuration file over the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.dir = filepath.Dir(path)
	return cfg, nil
}

// Parse decodes YAML over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// Dir returns the directory relative paths resolve from.
func (c *Config) Dir() string {
	if c.dir == "" {
		return "."
	}
	return c.dir
}

// Validate checks value ranges and enum fields.
func (c *Config) Validate() error {
	switch {
	case c.MaxSessions < 0:
		return fmt.Errorf("%w: maxSessions must be >= 0, got %d", ErrInvalid, c.MaxSessions)
	case c.MaxRetries < 0:
		return fmt.Errorf("%w: maxRetries must be >= 0, got %d", ErrInvalid, c.MaxRetries)
	case c.RetryDelay <= 0:
		return fmt.Errorf("%w: retryDelay must be > 0, got %v", ErrInvalid, c.RetryDelay)
	case c.ShutdownGrace < 0:
		return fmt.Errorf("%w: shutdownGrace must be >= 0", ErrInvalid)
	case c.LaunchRate < 0:
		return fmt.Errorf("%w: launchRate must be >= 0", ErrInvalid)
	case c.Output != "text" && c.Output != "json":
		return fmt.Errorf("%w: output must be 'text' or 'json', got %q", ErrInvalid, c.Output)
	case c.Driver.Command == "":
		return fmt.Errorf("%w: driver.command is required", ErrInvalid)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// ResolveCapabilities returns the inline capabilities followed by those of
// capabilitiesFile, in order.
func (c *Config) ResolveCapabilities() ([]map[string]any, error) {
	caps := append([]map[string]any(nil), c.Capabilities...)
	if c.CapabilitiesFile == "" {
		return caps, nil
	}
	fromFile, err := capability.LoadFile(c.CapabilitiesFile, c.Dir())
	if err != nil {
		return nil, err
	}
	return append(caps, fromFile...), nil
}

// ExpandGlobs expands doublestar patterns into a de-duplicated file list,
// keeping the order in which patterns and matches appear.
func ExpandGlobs(patterns []string) ([]string, error) {
	var files []string
	seen := make(map[string]bool)
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, fmt.Errorf("expanding %q: %w", pattern, err)
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				files = append(files, m)
			}
		}
	}
	return files, nil
}
