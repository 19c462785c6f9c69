// Package config loads runtime configuration from YAML, JSON or TOML,
// dispatched on the file extension. Zero values mean "unspecified" and are
// filled in by Normalize.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"inferd/internal/errdefs"
)

// Config holds runtime parameters for the service.
type Config struct {
	Addr      string `json:"addr" yaml:"addr" toml:"addr"`
	ModelsDir string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`

	// Cache ceilings. MemoryBudgetMB bounds the estimated footprint of all
	// resident instances; MaxIdleInstances bounds the idle cache entry count.
	MemoryBudgetMB   int `json:"memory_budget_mb" yaml:"memory_budget_mb" toml:"memory_budget_mb"`
	MaxIdleInstances int `json:"max_idle_instances" yaml:"max_idle_instances" toml:"max_idle_instances"`

	DefaultModel string `json:"default_model" yaml:"default_model" toml:"default_model"`

	// Per-instance load settings, overridable per request.
	ContextLength int   `json:"context_length" yaml:"context_length" toml:"context_length"`
	BatchSize     int   `json:"batch_size" yaml:"batch_size" toml:"batch_size"`
	GPULayers     int   `json:"gpu_layers" yaml:"gpu_layers" toml:"gpu_layers"`
	Threads       int   `json:"threads" yaml:"threads" toml:"threads"`
	UseMMap       *bool `json:"use_mmap" yaml:"use_mmap" toml:"use_mmap"`
	UseMLock      *bool `json:"use_mlock" yaml:"use_mlock" toml:"use_mlock"`

	// Generation defaults.
	DefaultMaxTokens int `json:"default_max_tokens" yaml:"default_max_tokens" toml:"default_max_tokens"`
	MaxStopLen       int `json:"max_stop_len" yaml:"max_stop_len" toml:"max_stop_len"`

	LogLevel    string   `json:"log_level" yaml:"log_level" toml:"log_level"`
	CORSOrigins []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
}

// Default returns the configuration used when nothing is specified.
func Default() Config {
	on := true
	off := false
	return Config{
		Addr:             ":8090",
		ModelsDir:        "~/models",
		MemoryBudgetMB:   8192,
		MaxIdleInstances: 3,
		ContextLength:    4096,
		BatchSize:        512,
		Threads:          0, // 0 lets the backend pick
		UseMMap:          &on,
		UseMLock:         &off,
		DefaultMaxTokens: 512,
		MaxStopLen:       100,
		LogLevel:         "info",
	}
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// Normalize fills unspecified fields from Default.
func (c Config) Normalize() Config {
	d := Default()
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if c.ModelsDir == "" {
		c.ModelsDir = d.ModelsDir
	}
	if c.MemoryBudgetMB == 0 {
		c.MemoryBudgetMB = d.MemoryBudgetMB
	}
	if c.MaxIdleInstances == 0 {
		c.MaxIdleInstances = d.MaxIdleInstances
	}
	if c.ContextLength == 0 {
		c.ContextLength = d.ContextLength
	}
	if c.BatchSize == 0 {
		c.BatchSize = d.BatchSize
	}
	if c.UseMMap == nil {
		c.UseMMap = d.UseMMap
	}
	if c.UseMLock == nil {
		c.UseMLock = d.UseMLock
	}
	if c.DefaultMaxTokens == 0 {
		c.DefaultMaxTokens = d.DefaultMaxTokens
	}
	if c.MaxStopLen == 0 {
		c.MaxStopLen = d.MaxStopLen
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	return c
}

// Validate checks ranges after Normalize.
func (c Config) Validate() error {
	if c.MemoryBudgetMB < 0 {
		return errdefs.New(errdefs.ConfigurationInvalid, "memory_budget_mb must be >= 0, got %d", c.MemoryBudgetMB)
	}
	if c.MaxIdleInstances < 0 {
		return errdefs.New(errdefs.ConfigurationInvalid, "max_idle_instances must be >= 0, got %d", c.MaxIdleInstances)
	}
	if c.ContextLength <= 0 {
		return errdefs.New(errdefs.ConfigurationInvalid, "context_length must be > 0, got %d", c.ContextLength)
	}
	if c.BatchSize <= 0 {
		return errdefs.New(errdefs.ConfigurationInvalid, "batch_size must be > 0, got %d", c.BatchSize)
	}
	if c.BatchSize > c.ContextLength {
		return errdefs.New(errdefs.ConfigurationInvalid,
			"batch_size %d exceeds context_length %d", c.BatchSize, c.ContextLength)
	}
	if c.GPULayers < 0 {
		return errdefs.New(errdefs.ConfigurationInvalid, "gpu_layers must be >= 0, got %d", c.GPULayers)
	}
	if c.Threads < 0 {
		return errdefs.New(errdefs.ConfigurationInvalid, "threads must be >= 0, got %d", c.Threads)
	}
	if c.MaxStopLen <= 0 {
		return errdefs.New(errdefs.ConfigurationInvalid, "max_stop_len must be > 0, got %d", c.MaxStopLen)
	}
	if c.UseMLock != nil && *c.UseMLock && (c.UseMMap == nil || !*c.UseMMap) {
		return errdefs.New(errdefs.ConfigurationInvalid, "use_mlock requires use_mmap")
	}
	switch strings.ToLower(c.LogLevel) {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		return errdefs.New(errdefs.ConfigurationInvalid, "unknown log_level %q", c.LogLevel)
	}
	return nil
}
