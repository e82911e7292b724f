package metcache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sarchlab/metsim/memorg"
	"github.com/sarchlab/metsim/timing/cache"
)

// Config holds everything needed to build a Controller.
type Config struct {
	// Cache is the geometry and timing of the metadata cache.
	Cache cache.Config `json:"cache" yaml:"cache"`

	// Memory describes the protected regions.
	Memory memorg.Config `json:"memory" yaml:"memory"`

	// Bypass forwards ordinary traffic straight to the backing store and
	// disables the secure interface.
	Bypass bool `json:"bypass" yaml:"bypass"`
}

// DefaultConfig returns the default metadata cache in front of the default
// two-region memory.
func DefaultConfig() *Config {
	return &Config{
		Cache:  cache.DefaultConfig(),
		Memory: memorg.DefaultConfig(),
	}
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// LoadConfig loads a Config from a JSON file, or a YAML file when the name
// ends in .yaml or .yml. Missing fields keep their defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read metcache config file: %w", err)
	}

	// Regions are replaced as a whole, never merged element by element.
	config := DefaultConfig()
	config.Memory.Regions = nil
	if isYAML(path) {
		err = yaml.Unmarshal(data, config)
	} else {
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse metcache config: %w", err)
	}
	if len(config.Memory.Regions) == 0 {
		config.Memory.Regions = memorg.DefaultConfig().Regions
	}

	return config, nil
}

// SaveConfig writes a Config to a JSON or YAML file, chosen by extension.
func (c *Config) SaveConfig(path string) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to serialize metcache config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write metcache config file: %w", err)
	}

	return nil
}

// Validate checks the cache geometry and every region.
func (c *Config) Validate() error {
	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	if c.Cache.BlockSize != memorg.CacheLineSize {
		return fmt.Errorf("cache: block_size must be %d, got %d",
			memorg.CacheLineSize, c.Cache.BlockSize)
	}
	if err := c.Memory.Validate(memorg.DefaultEncodingTable()); err != nil {
		return fmt.Errorf("memory: %w", err)
	}
	return nil
}

// Clone returns a deep copy of the Config.
func (c *Config) Clone() *Config {
	return &Config{
		Cache:  c.Cache,
		Memory: c.Memory.Clone(),
		Bypass: c.Bypass,
	}
}
