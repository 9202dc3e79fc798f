package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"cadence/internal/schedule"
)

// Config models cadence.yml.
type Config struct {
	Timezone string `yaml:"timezone" json:"timezone"`
	Windows  struct {
		Default    int            `yaml:"default" json:"default"`
		Categories map[string]int `yaml:"categories" json:"categories"`
	} `yaml:"windows" json:"windows"`
	API struct {
		BasePath string `yaml:"base_path" json:"base_path"`
	} `yaml:"api" json:"api"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with cad config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault returns the workspace config, or the built-in default when
// the file does not exist.
func LoadOrDefault(workspace string) (*Config, error) {
	cfg, err := LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return Default(), nil
	}
	return cfg, nil
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.timezone()); err != nil {
		return fmt.Errorf("config.timezone %q: %w", c.Timezone, err)
	}
	if c.Windows.Default < 0 {
		return fmt.Errorf("config.windows.default must be >= 0")
	}
	for category, days := range c.Windows.Categories {
		if strings.TrimSpace(category) == "" {
			return fmt.Errorf("config.windows.categories contains empty category")
		}
		if days < 0 {
			return fmt.Errorf("window for category %s must be >= 0", category)
		}
	}
	if c.API.BasePath != "" && !strings.HasPrefix(c.API.BasePath, "/") {
		return fmt.Errorf("config.api.base_path must start with /")
	}
	return nil
}

func (c *Config) timezone() string {
	if c.Timezone == "" {
		return "UTC"
	}
	return c.Timezone
}

// Location returns the timezone used for calendar-day arithmetic.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.timezone())
	if err != nil {
		return time.UTC
	}
	return loc
}

// DueSoonWindows returns the per-category windows the classifier consumes.
func (c *Config) DueSoonWindows() schedule.Windows {
	byCategory := make(map[string]int, len(c.Windows.Categories))
	for k, v := range c.Windows.Categories {
		byCategory[k] = v
	}
	return schedule.Windows{Default: c.Windows.Default, ByCategory: byCategory}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "cadence.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `timezone: UTC

windows:
  # days before the due date during which an obligation is due soon
  default: 14
  categories:
    training: 7
    medical: 30
    home: 14
    equipment: 14
    garden: 7

api:
  base_path: /v0
`
