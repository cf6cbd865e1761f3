// Package config loads the YAML configuration shared by the gojokern
// commands.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sushant-115/gojokern/core/bcache"
	"github.com/sushant-115/gojokern/core/kalloc"
	"github.com/sushant-115/gojokern/pkg/logger"
	"github.com/sushant-115/gojokern/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// KallocConfig describes the managed physical range.
type KallocConfig struct {
	NCPU     int    `yaml:"ncpu"`
	PageSize int    `yaml:"page_size"`
	MemBase  uint64 `yaml:"mem_base"`
	MemSize  int    `yaml:"mem_size"`
}

// DiskConfig describes the file-backed block device.
type DiskConfig struct {
	Dir string `yaml:"dir"`
	// BytesPerSec throttles device transfers; 0 disables throttling.
	BytesPerSec int64 `yaml:"bytes_per_sec"`
}

type TicksConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// Config is the top-level configuration.
type Config struct {
	Kalloc    KallocConfig     `yaml:"kalloc"`
	Bcache    bcache.Config    `yaml:"bcache"`
	Disk      DiskConfig       `yaml:"disk"`
	Ticks     TicksConfig      `yaml:"ticks"`
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// Default returns the stock configuration: 8 CPUs, 4 KiB pages over 8 MiB
// at 0x80000000, and a 30-buffer cache in 13 shards of 1 KiB blocks.
func Default() Config {
	return Config{
		Kalloc: KallocConfig{
			NCPU:     8,
			PageSize: kalloc.DefaultPageSize,
			MemBase:  0x80000000,
			MemSize:  8 << 20,
		},
		Bcache: bcache.DefaultConfig(),
		Disk:   DiskConfig{Dir: "data/disk"},
		Ticks:  TicksConfig{Interval: 10 * time.Millisecond},
		Logger: logger.Config{Level: "info", Format: "console", OutputFile: "stdout"},
		Telemetry: telemetry.Config{
			ServiceName:    "gojokern",
			PrometheusPort: 9464,
		},
	}
}

// Load reads the YAML file at path over the defaults. An empty path
// returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks sizes and counts.
func (c Config) Validate() error {
	k := c.Kalloc
	switch {
	case k.NCPU <= 0:
		return fmt.Errorf("%w: kalloc.ncpu must be positive, got %d", ErrInvalidConfig, k.NCPU)
	case k.PageSize <= 0 || k.PageSize&(k.PageSize-1) != 0:
		return fmt.Errorf("%w: kalloc.page_size must be a power of two, got %d", ErrInvalidConfig, k.PageSize)
	case k.MemBase%uint64(k.PageSize) != 0:
		return fmt.Errorf("%w: kalloc.mem_base %#x is not page aligned", ErrInvalidConfig, k.MemBase)
	case k.MemSize < k.PageSize:
		return fmt.Errorf("%w: kalloc.mem_size must hold at least one page, got %d", ErrInvalidConfig, k.MemSize)
	}
	if err := c.Bcache.Validate(); err != nil {
		return fmt.Errorf("%w: bcache: %v", ErrInvalidConfig, err)
	}
	if c.Disk.Dir == "" {
		return fmt.Errorf("%w: disk.dir must be set", ErrInvalidConfig)
	}
	if c.Disk.BytesPerSec < 0 {
		return fmt.Errorf("%w: disk.bytes_per_sec must not be negative", ErrInvalidConfig)
	}
	if c.Ticks.Interval <= 0 {
		return fmt.Errorf("%w: ticks.interval must be positive", ErrInvalidConfig)
	}
	return nil
}
