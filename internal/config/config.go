// Package config loads runtime configuration for the remap engine.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/deploymenttheory/go-remap/internal/types"
)

var envKeyReplacer = strings.NewReplacer(".", "_")

// Config holds configuration for a remap binding and its background tasks
type Config struct {
	Metadata MetadataConfig `mapstructure:"metadata"`
	Scanner  ScannerConfig  `mapstructure:"scanner"`
	Repair   RepairConfig   `mapstructure:"repair"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Workers  WorkersConfig  `mapstructure:"workers"`
	Debounce DebounceConfig `mapstructure:"debounce"`
	Log      LogConfig      `mapstructure:"log"`
	Device   DeviceConfig   `mapstructure:"device"`
}

// MetadataConfig controls the metadata layout
type MetadataConfig struct {
	RemapCapacity uint32   `mapstructure:"remap_capacity"`
	CopyOffsets   []uint64 `mapstructure:"copy_offsets"`
	// ConflictStrategy is applied when valid copies disagree at read time.
	ConflictStrategy string `mapstructure:"conflict_strategy"`
}

// ScannerConfig controls the background health scanner
type ScannerConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BaseInterval   time.Duration `mapstructure:"base_interval"`
	ChunkSectors   uint64        `mapstructure:"chunk_sectors"`
	Stride         uint64        `mapstructure:"stride"`
	YieldEvery     int           `mapstructure:"yield_every"`
	YieldDuration  time.Duration `mapstructure:"yield_duration"`
	PreventiveOdds float64       `mapstructure:"preventive_probability"`
	RandomSeed     int64         `mapstructure:"random_seed"`
	HistorySize    int           `mapstructure:"history_size"`
	TrendWindow    int           `mapstructure:"trend_window"`
}

// RepairConfig controls the repair scheduler
type RepairConfig struct {
	ScrubInterval  time.Duration `mapstructure:"scrub_interval"`
	MaxRetries     int           `mapstructure:"max_retries"`
	MaxCopyRetries int           `mapstructure:"max_copy_retries"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
}

// SyncConfig controls background metadata persistence
type SyncConfig struct {
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

// WorkersConfig controls the background task pool
type WorkersConfig struct {
	PoolSize int `mapstructure:"pool_size"`
}

// DebounceConfig controls coalescing of repeated I/O error reports
type DebounceConfig struct {
	CacheSize int           `mapstructure:"cache_size"`
	Window    time.Duration `mapstructure:"window"`
}

// LogConfig controls logging output
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// DeviceConfig controls how sector devices are opened
type DeviceConfig struct {
	SectorSize uint32 `mapstructure:"sector_size"`
	CacheSize  int    `mapstructure:"cache_size"`
}

// SetDefaults registers the default value of every setting on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("metadata.remap_capacity", types.DefaultRemapCapacity)
	v.SetDefault("metadata.copy_offsets", types.MetadataCopyOffsets[:])
	v.SetDefault("metadata.conflict_strategy", types.StrategyHighestSequence.String())

	v.SetDefault("scanner.enabled", true)
	v.SetDefault("scanner.base_interval", 10*time.Minute)
	v.SetDefault("scanner.chunk_sectors", 4096)
	v.SetDefault("scanner.stride", 8)
	v.SetDefault("scanner.yield_every", 100)
	v.SetDefault("scanner.yield_duration", time.Millisecond)
	v.SetDefault("scanner.preventive_probability", 0.5)
	v.SetDefault("scanner.random_seed", 0)
	v.SetDefault("scanner.history_size", 64)
	v.SetDefault("scanner.trend_window", 8)

	v.SetDefault("repair.scrub_interval", time.Hour)
	v.SetDefault("repair.max_retries", 5)
	v.SetDefault("repair.max_copy_retries", 3)
	v.SetDefault("repair.backoff_base", 10*time.Millisecond)

	v.SetDefault("sync.write_timeout", 5*time.Second)
	v.SetDefault("sync.max_retries", 3)

	v.SetDefault("workers.pool_size", 6)

	v.SetDefault("debounce.cache_size", 256)
	v.SetDefault("debounce.window", time.Second)

	v.SetDefault("log.level", "INFO")
	v.SetDefault("log.file", "")

	v.SetDefault("device.sector_size", types.SectorSize)
	v.SetDefault("device.cache_size", 0)
}

// Default returns the configuration with every default applied
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		// Defaults are static; failing to decode them is a programming error
		panic(fmt.Sprintf("invalid default configuration: %v", err))
	}
	return &config
}

// Load loads configuration using Viper. When file is empty the standard
// search paths are consulted and a missing file is not an error.
func Load(file string) (*Config, error) {
	v := viper.New()
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("remap-config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/.remap")
		v.AddConfigPath("/etc/remap")
	}

	SetDefaults(v)

	// Allow environment variables, e.g. REMAP_SYNC_WRITE_TIMEOUT
	v.SetEnvPrefix("REMAP")
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || file != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks the configuration for values the engine cannot run with
func (c *Config) Validate() error {
	if c.Metadata.RemapCapacity == 0 || c.Metadata.RemapCapacity > types.MaxRemapCapacity {
		return fmt.Errorf("metadata.remap_capacity must be in [1,%d], got %d", types.MaxRemapCapacity, c.Metadata.RemapCapacity)
	}
	if len(c.Metadata.CopyOffsets) != types.MetadataCopyCount {
		return fmt.Errorf("metadata.copy_offsets must list %d offsets, got %d", types.MetadataCopyCount, len(c.Metadata.CopyOffsets))
	}
	if _, err := ParseStrategy(c.Metadata.ConflictStrategy); err != nil {
		return err
	}
	if c.Scanner.Stride == 0 {
		return fmt.Errorf("scanner.stride must be positive")
	}
	if c.Scanner.BaseInterval <= 0 {
		return fmt.Errorf("scanner.base_interval must be positive, got %s", c.Scanner.BaseInterval)
	}
	if c.Scanner.ChunkSectors == 0 {
		return fmt.Errorf("scanner.chunk_sectors must be positive")
	}
	if c.Scanner.PreventiveOdds < 0 || c.Scanner.PreventiveOdds > 1 {
		return fmt.Errorf("scanner.preventive_probability must be in [0,1], got %g", c.Scanner.PreventiveOdds)
	}
	if c.Scanner.HistorySize <= 0 || c.Scanner.TrendWindow <= 1 || c.Scanner.TrendWindow > c.Scanner.HistorySize {
		return fmt.Errorf("scanner.trend_window must be in [2,history_size]")
	}
	if c.Sync.WriteTimeout <= 0 {
		return fmt.Errorf("sync.write_timeout must be positive")
	}
	// The scanner, scrub and sync loops each hold a slot for their lifetime
	if c.Workers.PoolSize < 4 {
		return fmt.Errorf("workers.pool_size must be at least 4, got %d", c.Workers.PoolSize)
	}
	if c.Device.SectorSize != types.SectorSize {
		return fmt.Errorf("device.sector_size %d unsupported, only %d is", c.Device.SectorSize, types.SectorSize)
	}
	return nil
}

// CopyOffsets returns the configured copy offsets as a fixed array
func (c *Config) CopyOffsets() [types.MetadataCopyCount]uint64 {
	var offsets [types.MetadataCopyCount]uint64
	copy(offsets[:], c.Metadata.CopyOffsets)
	return offsets
}

// ParseStrategy maps a strategy name to its ResolutionStrategy
func ParseStrategy(name string) (types.ResolutionStrategy, error) {
	for _, s := range []types.ResolutionStrategy{
		types.StrategyNewestTimestamp,
		types.StrategyHighestSequence,
		types.StrategyConservative,
		types.StrategyManual,
	} {
		if s.String() == name {
			return s, nil
		}
	}
	return types.StrategyNone, fmt.Errorf("unknown conflict strategy %q", name)
}
