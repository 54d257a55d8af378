package job

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	DefaultStatsPeriod      = 10 * time.Second
	DefaultFilmUpdatePeriod = 5 * time.Minute
)

// Config describes a render job. Zero halt thresholds disable them.
type Config struct {
	ID               string        `yaml:"id" json:"id"`
	Name             string        `yaml:"name" json:"name"`
	DescriptorPath   string        `yaml:"descriptor" json:"descriptor"`
	WorkDir          string        `yaml:"workdir" json:"workdir"`
	HaltSPP          float64       `yaml:"halt_spp" json:"halt_spp"`
	HaltTime         time.Duration `yaml:"halt_time" json:"halt_time"`
	StatsPeriod      time.Duration `yaml:"stats_period" json:"stats_period"`
	FilmUpdatePeriod time.Duration `yaml:"film_update_period" json:"film_update_period"`
}

// ParseConfig decodes a YAML (or JSON) job definition and applies defaults
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse job config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadConfigFile reads a job definition from path. A relative descriptor or
// workdir is resolved against the file's directory.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read job config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse job config %s: %w", path, err)
	}

	base := filepath.Dir(path)
	if cfg.DescriptorPath != "" && !filepath.IsAbs(cfg.DescriptorPath) {
		cfg.DescriptorPath = filepath.Join(base, cfg.DescriptorPath)
	}
	if cfg.WorkDir != "" && !filepath.IsAbs(cfg.WorkDir) {
		cfg.WorkDir = filepath.Join(base, cfg.WorkDir)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// SetDefaults fills in unset fields
func (c *Config) SetDefaults() {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}

	stem := strings.TrimSuffix(filepath.Base(c.DescriptorPath), filepath.Ext(c.DescriptorPath))
	if c.Name == "" && c.DescriptorPath != "" {
		c.Name = stem
	}
	if c.WorkDir == "" && c.DescriptorPath != "" {
		c.WorkDir = filepath.Join(filepath.Dir(c.DescriptorPath), stem+"-render")
	}

	if c.StatsPeriod <= 0 {
		c.StatsPeriod = DefaultStatsPeriod
	}
	if c.FilmUpdatePeriod <= 0 {
		c.FilmUpdatePeriod = DefaultFilmUpdatePeriod
	}
}

// Validate checks the configuration is usable
func (c *Config) Validate() error {
	if c.DescriptorPath == "" {
		return fmt.Errorf("job descriptor is required")
	}
	if c.WorkDir == "" {
		return fmt.Errorf("job workdir is required")
	}
	if c.HaltSPP < 0 {
		return fmt.Errorf("halt_spp must not be negative")
	}
	if c.HaltTime < 0 {
		return fmt.Errorf("halt_time must not be negative")
	}
	if c.StatsPeriod <= 0 || c.FilmUpdatePeriod <= 0 {
		return fmt.Errorf("stats_period and film_update_period must be positive")
	}
	return nil
}
