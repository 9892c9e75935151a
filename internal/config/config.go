// Package config manages YAML-based configuration of the scanned roots and the HTTP host.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Root is a directory tree that may be scanned and whose files may be retrieved.
// Path is relative to the installation root and is also the textual prefix a
// retrieval path must start with.
type Root struct {
	Key     string   `yaml:"key" json:"key" validate:"required,excludesall=/"`
	Label   string   `yaml:"label,omitempty" json:"label"`
	Path    string   `yaml:"path" json:"path" validate:"required"`
	Suffix  string   `yaml:"suffix" json:"suffix" validate:"required"`
	Exclude []string `yaml:"exclude,omitempty" json:"exclude,omitempty"`
}

// ScanConfig controls directory walks.
type ScanConfig struct {
	MaxDepth       int      `yaml:"max_depth" validate:"min=0"`
	FollowSymlinks bool     `yaml:"follow_symlinks"`
	Exclude        []string `yaml:"exclude,omitempty"`
}

// RetrieveConfig controls file retrieval.
type RetrieveConfig struct {
	MaxFileSize   int64         `yaml:"max_file_size" validate:"min=0"`
	Timeout       time.Duration `yaml:"timeout"`
	Suffixes      []string      `yaml:"suffixes,omitempty"`
	RatePerSecond uint          `yaml:"rate_per_second"`
	Burst         uint          `yaml:"burst"`
}

// Config holds all configuration options for htscan
type Config struct {
	// Installation root that retrieval paths are relative to
	InstallRoot string `yaml:"install_root" validate:"required"`

	Roots []Root `yaml:"roots" validate:"required,min=1,dive"`

	Listen string `yaml:"listen"`
	Port   int    `yaml:"port" validate:"min=1,max=65535"`
	Watch  bool   `yaml:"watch"`
	Open   bool   `yaml:"open"`

	Scan     ScanConfig     `yaml:"scan"`
	Retrieve RetrieveConfig `yaml:"retrieve"`

	// Operator name -> password, checked with HTTP Basic auth
	Operators      map[string]string `yaml:"operators,omitempty"`
	AllowedOrigins []string          `yaml:"allowed_origins,omitempty"`
	TrustedProxies []string          `yaml:"trusted_proxies,omitempty" validate:"omitempty,dive,cidr|ip"`

	AuditLog string `yaml:"audit_log,omitempty"`
	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=debug info warn error DEBUG INFO WARN ERROR"`
	Metrics  bool   `yaml:"metrics"`

	// Internal: path to config file for saving
	configPath string
}

// DefaultConfig returns a configuration for a standard WordPress layout
func DefaultConfig() *Config {
	return &Config{
		InstallRoot: ".",
		Roots: []Root{
			{Key: "wp-includes", Label: "wp-includes", Path: "wp-includes", Suffix: ".htaccess"},
			{Key: "wp-content", Label: "wp-content", Path: "wp-content", Suffix: ".htaccess"},
			{Key: "uploads", Label: "wp-content/uploads", Path: "wp-content/uploads", Suffix: ".php"},
		},
		Listen: "127.0.0.1",
		Port:   8080,
		Watch:  true,
		Scan: ScanConfig{
			MaxDepth: 64,
			Exclude:  []string{".git", ".svn"},
		},
		Retrieve: RetrieveConfig{
			MaxFileSize:   1 << 20,
			Timeout:       5 * time.Second,
			Suffixes:      []string{".htaccess", ".php"},
			RatePerSecond: 10,
			Burst:         20,
		},
		LogLevel: "info",
	}
}

// GetConfigDir returns the config directory path
func GetConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/htscan"
	}
	return filepath.Join(home, ".config", "htscan")
}

// GetConfigPath returns the full path to the config file
func GetConfigPath() string {
	return filepath.Join(GetConfigDir(), "config.yaml")
}

// Load reads configuration from explicitPath, or from the first config file
// found in the default locations. A missing explicit file is an error; missing
// default files are not.
func Load(explicitPath string) (*Config, error) {
	cfg := DefaultConfig()

	var cfgPath string
	if explicitPath != "" {
		cfgPath = explicitPath
	} else {
		globalConfig := GetConfigPath()
		if _, err := os.Stat(globalConfig); err == nil {
			cfgPath = globalConfig
		} else if _, err := os.Stat("htscan.yaml"); err == nil {
			cfgPath = "htscan.yaml"
		}
	}

	if cfgPath != "" {
		if err := cfg.loadFromFile(cfgPath); err != nil {
			return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
		}
		cfg.configPath = cfgPath
	} else {
		cfg.configPath = GetConfigPath()
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

// normalize makes the install root absolute and fills in labels.
func (c *Config) normalize() error {
	abs, err := filepath.Abs(c.InstallRoot)
	if err != nil {
		return fmt.Errorf("resolve install root: %w", err)
	}
	c.InstallRoot = abs
	for i := range c.Roots {
		c.Roots[i].Path = filepath.ToSlash(filepath.Clean(c.Roots[i].Path))
		if c.Roots[i].Label == "" {
			c.Roots[i].Label = c.Roots[i].Path
		}
	}
	return nil
}

var validate = validator.New()

// Validate checks the shape of the configuration. It does not touch the
// filesystem; missing roots are reported when the resolver is built.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.Roots))
	for _, r := range c.Roots {
		if seen[r.Key] {
			return fmt.Errorf("duplicate root key %q", r.Key)
		}
		seen[r.Key] = true

		clean := filepath.ToSlash(filepath.Clean(r.Path))
		if filepath.IsAbs(r.Path) || clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
			return fmt.Errorf("root %q: path must be a directory below install_root", r.Key)
		}
	}

	for name, pass := range c.Operators {
		if name == "" || pass == "" {
			return errors.New("operators need a non-empty name and password")
		}
	}
	return nil
}

// Save saves the current configuration to the config file
func (c *Config) Save() error {
	configDir := filepath.Dir(c.configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(c.configPath, data, 0600)
}

// SetConfigFilePath changes where Save writes to
func (c *Config) SetConfigFilePath(path string) {
	c.configPath = path
}

// GetConfigFilePath returns the path to the config file
func (c *Config) GetConfigFilePath() string {
	return c.configPath
}

// RootByKey returns the root with the given key.
func (c *Config) RootByKey(key string) (Root, bool) {
	for _, r := range c.Roots {
		if r.Key == key {
			return r, true
		}
	}
	return Root{}, false
}

// AbsPath returns the absolute filesystem location of a root.
func (c *Config) AbsPath(r Root) string {
	return filepath.Join(c.InstallRoot, filepath.FromSlash(r.Path))
}

// AbsRoots returns the absolute location of every root, in config order.
func (c *Config) AbsRoots() []string {
	out := make([]string, len(c.Roots))
	for i, r := range c.Roots {
		out[i] = c.AbsPath(r)
	}
	return out
}

// RootPaths returns every root's install-relative path, in config order.
func (c *Config) RootPaths() []string {
	out := make([]string, len(c.Roots))
	for i, r := range c.Roots {
		out[i] = r.Path
	}
	return out
}

// IsExcluded checks if a file or directory name matches a global exclude
// pattern or one of the extra patterns.
func (c *Config) IsExcluded(name string, extra []string) bool {
	base := filepath.Base(name)
	for _, patterns := range [][]string{c.Scan.Exclude, extra} {
		for _, exclude := range patterns {
			if matched, _ := filepath.Match(exclude, base); matched {
				return true
			}
		}
	}
	return false
}
