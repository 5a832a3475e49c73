// Package config loads engine configuration from file and environment via
// Viper (SPEC_FULL.md §10.1). Environment variables are prefixed JITHLS_
// and take precedence over file configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultSegmentDuration     = 6
	defaultPrefetchCount       = 3
	defaultMaxConcurrentPref   = 4
	defaultProbeTimeout        = 60 * time.Second
	defaultStderrCaptureBytes  = 1024
	defaultServerAddr          = ":8088"
	defaultLoadSampleInterval  = 2 * time.Second
	defaultPrefetchLoadCeiling = 0.9
)

// Config is the full, validated configuration surface for the jithlsd
// binary.
type Config struct {
	Engine  EngineConfig  `mapstructure:"engine"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// EngineConfig holds the options named by spec.md §6 plus the additive
// knobs SPEC_FULL.md §10.1/§11.1 introduce.
type EngineConfig struct {
	HLSTempDir             string        `mapstructure:"hls_temp_dir"`
	MediaSourceDir         string        `mapstructure:"media_source_dir"`
	Encoder                string        `mapstructure:"encoder"` // auto | nvenc | qsv | cpu
	PrefetchEnabled        bool          `mapstructure:"prefetch_enabled"`
	PrefetchCount          int           `mapstructure:"prefetch_count"`
	MaxConcurrentPrefetch  int           `mapstructure:"max_concurrent_prefetch"`
	SegmentDurationSeconds int           `mapstructure:"segment_duration_seconds"`
	FFmpegPath             string        `mapstructure:"ffmpeg_path"`
	FFprobePath            string        `mapstructure:"ffprobe_path"`
	ProbeTimeout           time.Duration `mapstructure:"probe_timeout"`
	StderrCaptureBytes     int           `mapstructure:"stderr_capture_bytes"`
	StrictValidation       bool          `mapstructure:"strict_validation"`
	SpeedMode              bool          `mapstructure:"speed_mode"`
	LoadSampleInterval     time.Duration `mapstructure:"load_sample_interval"`
	PrefetchLoadCeiling    float64       `mapstructure:"prefetch_load_ceiling"`
}

// ServerConfig holds the thin HTTP adapter's listen address.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig selects the slog handler (SPEC_FULL.md §10.2).
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// Load reads configuration from defaults, then the config file
// (configPath if non-empty, otherwise config.yaml in . or /etc/jithls),
// then JITHLS_-prefixed environment variables, in that order of
// increasing precedence, then validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/jithls")
	}

	v.SetEnvPrefix("JITHLS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults installs every default value prior to file/env overlay.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("engine.hls_temp_dir", "./data/hls")
	v.SetDefault("engine.media_source_dir", "./data/media")
	v.SetDefault("engine.encoder", "auto")
	v.SetDefault("engine.prefetch_enabled", true)
	v.SetDefault("engine.prefetch_count", defaultPrefetchCount)
	v.SetDefault("engine.max_concurrent_prefetch", defaultMaxConcurrentPref)
	v.SetDefault("engine.segment_duration_seconds", defaultSegmentDuration)
	v.SetDefault("engine.ffmpeg_path", "ffmpeg")
	v.SetDefault("engine.ffprobe_path", "ffprobe")
	v.SetDefault("engine.probe_timeout", defaultProbeTimeout)
	v.SetDefault("engine.stderr_capture_bytes", defaultStderrCaptureBytes)
	v.SetDefault("engine.strict_validation", false)
	v.SetDefault("engine.speed_mode", false)
	v.SetDefault("engine.load_sample_interval", defaultLoadSampleInterval)
	v.SetDefault("engine.prefetch_load_ceiling", defaultPrefetchLoadCeiling)

	v.SetDefault("server.addr", defaultServerAddr)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate reports a descriptive error for any out-of-range or unknown
// setting; it never panics.
func (c *Config) Validate() error {
	if c.Engine.HLSTempDir == "" {
		return errors.New("engine.hls_temp_dir must not be empty")
	}
	if c.Engine.MediaSourceDir == "" {
		return errors.New("engine.media_source_dir must not be empty")
	}

	switch c.Engine.Encoder {
	case "auto", "nvenc", "qsv", "cpu":
	default:
		return fmt.Errorf("engine.encoder: unknown value %q (want auto|nvenc|qsv|cpu)", c.Engine.Encoder)
	}

	if c.Engine.PrefetchCount < 0 {
		return errors.New("engine.prefetch_count must be >= 0")
	}
	if c.Engine.MaxConcurrentPrefetch < 0 {
		return errors.New("engine.max_concurrent_prefetch must be >= 0")
	}
	if c.Engine.SegmentDurationSeconds <= 0 {
		return errors.New("engine.segment_duration_seconds must be > 0")
	}
	if c.Engine.PrefetchLoadCeiling <= 0 || c.Engine.PrefetchLoadCeiling > 1 {
		return errors.New("engine.prefetch_load_ceiling must be in (0, 1]")
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format: unknown value %q (want json|text)", c.Logging.Format)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unknown value %q", c.Logging.Level)
	}

	if c.Server.Addr == "" {
		return errors.New("server.addr must not be empty")
	}

	return nil
}
