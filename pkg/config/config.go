package config

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"pixelgardenlabs.io/pgl-mirror/pkg/plog"
	"pixelgardenlabs.io/pgl-mirror/pkg/util"
)

// ConfigFileName is the default name of the configuration file, looked up in
// the working directory when no explicit path is given.
const ConfigFileName = "pgl-mirror.config.yaml"

// EngineConfig tunes the per-target worker pipeline.
type EngineConfig struct {
	// QueueCapacity is the bound of each worker's change-event queue.
	// Producers block while it is full.
	QueueCapacity int `yaml:"queueCapacity"`
	// CopySlots bounds concurrent in-flight file copies within one worker.
	CopySlots int `yaml:"copySlots"`
	// BufferSizeKB is the size of the I/O buffer in kilobytes used for file copies.
	BufferSizeKB int `yaml:"bufferSizeKB"`
}

// PreflightConfig tunes the target validation performed on add.
type PreflightConfig struct {
	// RequireMountedTargets rejects targets that resolve onto the root
	// filesystem outside the user's home, which usually means an external
	// drive is not mounted.
	RequireMountedTargets bool `yaml:"requireMountedTargets"`
}

// Config is the full configuration for a pgl-mirror process.
type Config struct {
	LogLevel  string          `yaml:"logLevel"`
	Engine    EngineConfig    `yaml:"engine"`
	Preflight PreflightConfig `yaml:"preflight"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogLevel: "info",
		Engine: EngineConfig{
			QueueCapacity: 10000,
			CopySlots:     4,
			BufferSizeKB:  128,
		},
		Preflight: PreflightConfig{
			RequireMountedTargets: false,
		},
	}
}

// ApplyDefaults fills zero values with the built-in defaults.
func (c *Config) ApplyDefaults() {
	def := Default()
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.Engine.QueueCapacity <= 0 {
		c.Engine.QueueCapacity = def.Engine.QueueCapacity
	}
	if c.Engine.CopySlots <= 0 {
		c.Engine.CopySlots = def.Engine.CopySlots
	}
	if c.Engine.BufferSizeKB <= 0 {
		c.Engine.BufferSizeKB = def.Engine.BufferSizeKB
	}
}

// Load reads the configuration file at path. A missing file is not an error:
// the built-in defaults are returned so the tool runs without any setup.
func Load(path string) (Config, error) {
	expanded, err := util.ExpandPath(path)
	if err != nil {
		return Config{}, err
	}

	data, err := os.ReadFile(expanded)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file %s: %w", expanded, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file %s: %w", expanded, err)
	}
	cfg.ApplyDefaults()

	if _, err := cfg.ParsedLogLevel(); err != nil {
		return Config{}, fmt.Errorf("invalid config file %s: %w", expanded, err)
	}
	return cfg, nil
}

// ParsedLogLevel validates and converts the configured log level.
func (c Config) ParsedLogLevel() (slog.Level, error) {
	return plog.ParseLevel(c.LogLevel)
}

// defaultFileTemplate is written by WriteDefault. Comments document each knob
// so a generated file is self-describing.
const defaultFileTemplate = `# pgl-mirror configuration
# Logging level: debug, notice, info, warn, error.
# "notice" shows a line per mirrored entry (COPY/DIR/DELETE/SYMLINK).
logLevel: info

engine:
  # Bound of each target worker's change-event queue. Producers (the initial
  # scan and the filesystem watcher) block while a queue is full.
  queueCapacity: 10000
  # Concurrent in-flight file copies per target.
  copySlots: 4
  # I/O buffer size in kilobytes for file copies.
  bufferSizeKB: 128

preflight:
  # Reject targets that resolve onto the root filesystem outside your home
  # directory. Catches mirroring into the empty mount point of a drive that
  # is not actually mounted.
  requireMountedTargets: false
`

// WriteDefault generates a commented default configuration file at path.
// It refuses to overwrite an existing file.
func WriteDefault(path string) error {
	expanded, err := util.ExpandPath(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(expanded); err == nil {
		return fmt.Errorf("config file %s already exists", expanded)
	}
	if err := os.WriteFile(expanded, []byte(defaultFileTemplate), util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", expanded, err)
	}
	return nil
}
