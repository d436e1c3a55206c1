package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// fileConfig is the on-disk key mapping shared by both syntaxes.
type fileConfig struct {
	MaxConcurrency int                        `yaml:"max_concurrency" toml:"max_concurrency"`
	DefaultTimeout string                     `yaml:"default_timeout" toml:"default_timeout"`
	CorrelationTTL string                     `yaml:"correlation_ttl" toml:"correlation_ttl"`
	SettledTTL     string                     `yaml:"settled_ttl" toml:"settled_ttl"`
	Journal        string                     `yaml:"journal" toml:"journal"`
	LogLevel       string                     `yaml:"log_level" toml:"log_level"`
	LogFormat      string                     `yaml:"log_format" toml:"log_format"`
	Instructions   map[string]fileInstruction `yaml:"instructions" toml:"instructions"`
}

type fileInstruction struct {
	Timeout  string `yaml:"timeout" toml:"timeout"`
	Priority *int   `yaml:"priority" toml:"priority"`
}

// definedFunc reports whether a top-level key was present in the file.
type definedFunc func(key string) bool

func decodeYAML(data []byte, raw *fileConfig) (definedFunc, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}

	var keys map[string]any
	if err := yaml.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	return func(key string) bool {
		_, ok := keys[key]
		return ok
	}, nil
}

func decodeTOML(data []byte, raw *fileConfig) (definedFunc, error) {
	meta, err := toml.Decode(string(data), raw)
	if err != nil {
		return nil, fmt.Errorf("decode toml: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("decode toml: unknown keys %s", strings.Join(keys, ", "))
	}
	return func(key string) bool { return meta.IsDefined(key) }, nil
}

// resolve overlays the decoded file onto base.
func (raw fileConfig) resolve(base Config, defined definedFunc) (Config, error) {
	cfg := base
	cfg.Instructions = make(map[string]Instruction, len(base.Instructions)+len(raw.Instructions))
	for typ, ic := range base.Instructions {
		cfg.Instructions[typ] = ic
	}
	var errs []error

	duration := func(key, value string, dst *time.Duration) {
		if !defined(key) {
			return
		}
		d, err := time.ParseDuration(strings.TrimSpace(value))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}

	if defined("max_concurrency") {
		cfg.MaxConcurrency = raw.MaxConcurrency
	}
	duration("default_timeout", raw.DefaultTimeout, &cfg.DefaultTimeout)
	duration("correlation_ttl", raw.CorrelationTTL, &cfg.CorrelationTTL)
	duration("settled_ttl", raw.SettledTTL, &cfg.SettledTTL)
	if defined("journal") {
		cfg.Journal = strings.TrimSpace(raw.Journal)
	}
	if defined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if defined("log_format") {
		cfg.LogFormat = strings.TrimSpace(raw.LogFormat)
	}

	for typ, fi := range raw.Instructions {
		ic := Instruction{Priority: fi.Priority}
		if fi.Timeout != "" {
			d, err := time.ParseDuration(strings.TrimSpace(fi.Timeout))
			if err != nil {
				errs = append(errs, fmt.Errorf("instructions.%s.timeout: %w", typ, err))
			}
			ic.Timeout = d
		}
		cfg.Instructions[typ] = ic
	}

	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
