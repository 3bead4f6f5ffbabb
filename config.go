// Copyright 2025 The relink Authors. All rights reserved.
// Use of this source code is governed by the license that
// can be found in the LICENSE file.

package relink

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config holds everything a relink host needs to run: the namespace
// layout, where update builds come from, and how swaps behave.
type Config struct {
	// Namespaces to create at startup. Parents must be declared before
	// their children; an empty list means a single kernel namespace.
	Namespaces []NamespaceConfig `yaml:"namespaces"`

	// Boot archive to load before serving updates.
	Boot BootConfig `yaml:"boot"`

	// Where update builds come from.
	Source SourceConfig `yaml:"source"`

	// Swap behavior.
	Swap SwapConfig `yaml:"swap"`

	// Logging.
	Logging LoggingConfig `yaml:"logging"`
}

// NamespaceConfig describes one namespace of the startup layout.
type NamespaceConfig struct {
	Name   string `yaml:"name"`
	Parent string `yaml:"parent"`
	// ArenaBase is the first address handed out by the namespace's own
	// allocator. Ignored for child namespaces, which share the parent's.
	ArenaBase uint64 `yaml:"arena_base"`
}

// BootConfig points at the boot archive.
type BootConfig struct {
	Archive string `yaml:"archive"`
}

// SourceConfig selects and configures the update source.
type SourceConfig struct {
	Kind   string `yaml:"kind"` // dir, git
	Root   string `yaml:"root"`
	URL    string `yaml:"url"`
	Branch string `yaml:"branch"`
}

// SwapConfig configures live swaps.
type SwapConfig struct {
	Timeout     string `yaml:"timeout"`
	ReexportOld bool   `yaml:"reexport_old"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Namespaces: []NamespaceConfig{
			{Name: TypeKernel.DefaultNamespace(), ArenaBase: defaultArenaBase},
		},
		Source: SourceConfig{
			Kind: "dir",
			Root: "builds",
		},
		Swap: SwapConfig{
			Timeout: "10s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig loads configuration from a YAML file. A missing file yields
// the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if root := os.Getenv("RELINK_SOURCE_ROOT"); root != "" {
		c.Source.Kind = "dir"
		c.Source.Root = root
	}
	if url := os.Getenv("RELINK_SOURCE_URL"); url != "" {
		c.Source.Kind = "git"
		c.Source.URL = url
	}
	if branch := os.Getenv("RELINK_SOURCE_BRANCH"); branch != "" {
		c.Source.Branch = branch
	}
	if level := os.Getenv("RELINK_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

// SwapTimeout returns the configured swap timeout as a duration.
func (c *Config) SwapTimeout() time.Duration {
	d, err := time.ParseDuration(c.Swap.Timeout)
	if err != nil {
		return DefaultSwapTimeout
	}
	return d
}

// UpdateOptions returns the swap-related options ApplyUpdate takes.
func (c *Config) UpdateOptions() UpdateOptions {
	return UpdateOptions{
		ReexportOld: c.Swap.ReexportOld,
		Timeout:     c.SwapTimeout(),
	}
}

// BuildSource constructs the configured update source.
func (c *Config) BuildSource() (UpdateSource, error) {
	switch c.Source.Kind {
	case "dir":
		if c.Source.Root == "" {
			return nil, fmt.Errorf("source kind dir requires root")
		}
		return &DirSource{Root: c.Source.Root}, nil
	case "git":
		if c.Source.URL == "" {
			return nil, fmt.Errorf("source kind git requires url")
		}
		return &GitSource{URL: c.Source.URL, Branch: c.Source.Branch}, nil
	default:
		return nil, fmt.Errorf("unknown source kind %q (valid: dir, git)", c.Source.Kind)
	}
}

// BuildNamespaces instantiates the configured namespace layout. The result
// maps each namespace name to its instance; parents come out before
// children in the declared order.
func (c *Config) BuildNamespaces(log *zap.Logger) (map[string]*Namespace, error) {
	out := make(map[string]*Namespace, len(c.Namespaces))
	for _, nc := range c.Namespaces {
		if nc.Name == "" {
			return nil, fmt.Errorf("namespace with empty name")
		}
		if _, ok := out[nc.Name]; ok {
			return nil, fmt.Errorf("namespace %s declared twice", nc.Name)
		}
		opts := []NamespaceOption{WithLogger(log)}
		if nc.Parent != "" {
			parent, ok := out[nc.Parent]
			if !ok {
				return nil, fmt.Errorf("namespace %s declares unknown parent %s", nc.Name, nc.Parent)
			}
			opts = append(opts, WithParent(parent))
		} else if nc.ArenaBase != 0 {
			opts = append(opts, WithAllocator(NewArena(nc.ArenaBase)))
		}
		out[nc.Name] = NewNamespace(nc.Name, opts...)
	}
	if len(out) == 0 {
		name := TypeKernel.DefaultNamespace()
		out[name] = NewNamespace(name, WithLogger(log))
	}
	return out, nil
}

// BuildLogger constructs the process logger. verbose forces debug level
// regardless of the configured one.
func (c *LoggingConfig) BuildLogger(verbose bool) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Format != "json" {
		zc = zap.NewDevelopmentConfig()
	}
	if c.Level != "" {
		lvl, err := zapcore.ParseLevel(c.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", c.Level, err)
		}
		zc.Level = zap.NewAtomicLevelAt(lvl)
	}
	if verbose {
		zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return zc.Build()
}
