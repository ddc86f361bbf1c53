// Package config loads the YAML configuration of the sbtree tool.
package config

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds the complete configuration.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Tree    TreeConfig    `yaml:"tree"`
	Logging LogConfig     `yaml:"logging"`
	Bench   BenchConfig   `yaml:"bench"`
}

// StorageConfig configures the page files, the cache and the redo log.
type StorageConfig struct {
	DataDir         string `yaml:"dataDir" validate:"required"`
	CachePages      int    `yaml:"cachePages" validate:"min=16"`
	CacheShards     int    `yaml:"cacheShards" validate:"min=1,max=1024"`
	SyncWAL         bool   `yaml:"syncWAL"`
	CheckpointEvery int    `yaml:"checkpointEvery" validate:"min=1"`
}

// TreeConfig configures newly created SB-trees.
type TreeConfig struct {
	InlineThreshold int  `yaml:"inlineThreshold" validate:"min=8,max=256"`
	HeapPages       int  `yaml:"heapPages" validate:"min=0"`
	NullKeys        bool `yaml:"nullKeys"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=console json"`
	// File, when set, receives the log through a rotating writer.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB" validate:"min=1"`
	MaxBackups int    `yaml:"maxBackups" validate:"min=0"`
	MaxAgeDays int    `yaml:"maxAgeDays" validate:"min=0"`
}

// BenchConfig configures the benchmark command.
type BenchConfig struct {
	Keys       int           `yaml:"keys" validate:"min=1"`
	ValueSize  int           `yaml:"valueSize" validate:"min=1,max=1024"`
	Workloads  []string      `yaml:"workloads" validate:"dive,oneof=load oltp olap range"`
	Readers    int           `yaml:"readers" validate:"min=0"`
	OutputDir  string        `yaml:"outputDir" validate:"required"`
	Plot       bool          `yaml:"plot"`
	MaxRuntime time.Duration `yaml:"maxRuntime"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			DataDir:         "data",
			CachePages:      4096,
			CacheShards:     16,
			SyncWAL:         false,
			CheckpointEvery: 256,
		},
		Tree: TreeConfig{
			InlineThreshold: 64,
			HeapPages:       0,
			NullKeys:        false,
		},
		Logging: LogConfig{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  64,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
		Bench: BenchConfig{
			Keys:      100000,
			ValueSize: 16,
			Workloads: []string{"load", "oltp", "olap", "range"},
			Readers:   4,
			OutputDir: "results",
			Plot:      true,
		},
	}
}

// Load reads path over the defaults and validates the result. An empty path
// yields the validated defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "config: read %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "config: parse %s", path)
		}
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks cfg against its struct constraints.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return errors.Newf("config: %s fails %q (value %v)", verrs[0].Namespace(), verrs[0].Tag(), verrs[0].Value())
		}
		return errors.Wrap(err, "config")
	}
	return nil
}
