// Package config loads pipeline settings from YAML or TOML files.
//
// Durations are written as strings ("10s", "5m") and parsed with
// time.ParseDuration. Keys that are absent keep their defaults.
//
//	max_concurrency: 4
//	default_timeout: 10s
//	correlation_ttl: 5m
//	settled_ttl: 10m
//	journal: ./relay.db
//	log_level: info
//	log_format: text
//	instructions:
//	  list.reorder:
//	    timeout: 3s
//	    priority: 5
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/roach88/relay/internal/correlation"
	"github.com/roach88/relay/internal/registry"
	"github.com/roach88/relay/internal/scheduler"
)

// Config is the resolved pipeline configuration.
type Config struct {
	MaxConcurrency int
	DefaultTimeout time.Duration
	CorrelationTTL time.Duration
	SettledTTL     time.Duration

	// Journal is the SQLite journal path. Empty disables the journal.
	Journal string

	LogLevel  string
	LogFormat string

	// Instructions holds per-type overrides keyed by instruction type.
	Instructions map[string]Instruction
}

// Instruction is the per-type override block.
type Instruction struct {
	Timeout  time.Duration
	Priority *int
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		MaxConcurrency: scheduler.DefaultMaxConcurrency,
		DefaultTimeout: registry.DefaultTimeout,
		CorrelationTTL: correlation.DefaultTTL,
		SettledTTL:     correlation.DefaultSettledTTL,
		LogLevel:       "info",
		LogFormat:      "text",
		Instructions:   map[string]Instruction{},
	}
}

// Format selects the file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatFor picks the format from a file extension.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	}
	return "", fmt.Errorf("unsupported config extension %q (expected .yaml, .yml or .toml)", filepath.Ext(path))
}

// Load reads and validates the config file at path.
func Load(path string) (Config, error) {
	format, err := FormatFor(path)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	cfg, err := Parse(data, format)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data over Default and validates the result.
func Parse(data []byte, format Format) (Config, error) {
	return Overlay(Default(), data, format)
}

// Overlay decodes data over base and validates the result. Keys absent from
// data keep the value in base; instruction blocks are merged per type.
func Overlay(base Config, data []byte, format Format) (Config, error) {
	var (
		raw fileConfig
		def definedFunc
		err error
	)
	switch format {
	case FormatYAML:
		def, err = decodeYAML(data, &raw)
	case FormatTOML:
		def, err = decodeTOML(data, &raw)
	default:
		return Config{}, fmt.Errorf("unsupported config format %q", format)
	}
	if err != nil {
		return Config{}, err
	}

	cfg, err := raw.resolve(base, def)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.MaxConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("max_concurrency must be positive, got %d", c.MaxConcurrency))
	}
	if c.DefaultTimeout <= 0 {
		errs = append(errs, fmt.Errorf("default_timeout must be positive, got %s", c.DefaultTimeout))
	}
	if c.CorrelationTTL <= 0 {
		errs = append(errs, fmt.Errorf("correlation_ttl must be positive, got %s", c.CorrelationTTL))
	}
	if c.SettledTTL <= 0 {
		errs = append(errs, fmt.Errorf("settled_ttl must be positive, got %s", c.SettledTTL))
	}
	if c.CorrelationTTL > 0 && c.DefaultTimeout > c.CorrelationTTL {
		errs = append(errs, fmt.Errorf("default_timeout %s exceeds correlation_ttl %s", c.DefaultTimeout, c.CorrelationTTL))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q is not one of debug, info, warn, error", c.LogLevel))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q is not one of text, json", c.LogFormat))
	}
	for _, typ := range c.instructionTypes() {
		if c.Instructions[typ].Timeout < 0 {
			errs = append(errs, fmt.Errorf("instructions.%s.timeout must not be negative", typ))
		}
		if p := c.Instructions[typ].Priority; p != nil && !registry.ValidPriority(*p) {
			errs = append(errs, fmt.Errorf("instructions.%s.priority %d outside [-%d, %d]", typ, *p, registry.MaxPriority, registry.MaxPriority))
		}
	}
	return errors.Join(errs...)
}

// Overrides converts the per-type blocks for registry.WithOverrides.
func (c Config) Overrides() map[string]registry.Override {
	out := make(map[string]registry.Override, len(c.Instructions))
	for typ, ic := range c.Instructions {
		out[typ] = registry.Override{Timeout: ic.Timeout, Priority: ic.Priority}
	}
	return out
}

func (c Config) instructionTypes() []string {
	types := make([]string, 0, len(c.Instructions))
	for typ := range c.Instructions {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}
