// Package config loads dedupe settings from defaults, an optional YAML file
// and command-line flags, in that order of precedence.
package config

import (
	"fmt"
	"math"
	"path/filepath"
	"runtime"

	"github.com/dustin/go-humanize"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/spf13/pflag"
)

// Config holds the settings of one dedupe run. Sizes are kept as written
// ("64K", "1MiB") and parsed by Sizes.
type Config struct {
	MinSize               string   `koanf:"min-size"`
	MaxSize               string   `koanf:"max-size"`
	SampleSize            string   `koanf:"sample-size"`
	Exclude               []string `koanf:"exclude"`
	ExcludeDir            []string `koanf:"exclude-dir"`
	Workers               int      `koanf:"workers"`
	DryRun                bool     `koanf:"dry-run"`
	VerboseLinks          bool     `koanf:"verbose-links"`
	TrustDeviceBoundaries bool     `koanf:"trust-device-boundaries"`
	OneFileSystem         bool     `koanf:"one-file-system"`
	CSV                   string   `koanf:"csv"`
	Report                bool     `koanf:"report"`
	Timings               bool     `koanf:"timings"`
	PrintFiles            bool     `koanf:"print-files"`
	PrintDirs             bool     `koanf:"print-dirs"`
	NoProgress            bool     `koanf:"no-progress"`
}

// Defaults returns the built-in settings.
func Defaults() map[string]interface{} {
	return map[string]interface{}{
		"min-size":    "1",
		"max-size":    "0",
		"sample-size": "4096",
		"workers":     runtime.NumCPU(),
	}
}

// Load merges defaults, the YAML file at path (if not empty) and the flags
// the user set explicitly.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(Defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config %s: %w", path, err)
		}
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return nil, fmt.Errorf("loading flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validate rejects settings that would only fail once the walk has started.
func (c *Config) validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	for key, patterns := range map[string][]string{"exclude": c.Exclude, "exclude-dir": c.ExcludeDir} {
		for _, pattern := range patterns {
			if _, err := filepath.Match(pattern, ""); err != nil {
				return fmt.Errorf("invalid %s pattern %q: %w", key, pattern, err)
			}
		}
	}
	return nil
}

// Sizes parses the size settings.
func (c *Config) Sizes() (minSize, maxSize, sampleSize int64, err error) {
	if minSize, err = ParseSize(c.MinSize); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid min-size: %w", err)
	}
	if maxSize, err = ParseSize(c.MaxSize); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid max-size: %w", err)
	}
	if sampleSize, err = ParseSize(c.SampleSize); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid sample-size: %w", err)
	}
	if maxSize > 0 && maxSize < minSize {
		return 0, 0, 0, fmt.Errorf("max-size %s is below min-size %s", c.MaxSize, c.MinSize)
	}
	if sampleSize < 1 {
		return 0, 0, 0, fmt.Errorf("sample-size must be positive")
	}
	return minSize, maxSize, sampleSize, nil
}

// ParseSize parses a human-readable size string (e.g., "1M", "500K", "1G").
func ParseSize(s string) (int64, error) {
	bytes, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	if bytes > math.MaxInt64 {
		return 0, fmt.Errorf("size %s is too large", s)
	}
	return int64(bytes), nil
}
