// Package config provides configuration management for twitchpipe using
// Viper. It supports configuration from files, environment variables,
// and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultPlayerCommand      = "mpv"
	defaultPlayerArgs         = "--profile=low-latency -"
	defaultQuality            = "best"
	defaultHTTPTimeout        = 10 * time.Second
	defaultHTTPRetries        = 2
	defaultHTTPRetryDelay     = 1 * time.Second
	defaultMaxRefreshFailures = 5
	defaultMaxEmptyRefreshes  = 30
)

// Config holds all configuration for the application.
type Config struct {
	Player      PlayerConfig      `mapstructure:"player"`
	Acquisition AcquisitionConfig `mapstructure:"acquisition"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	Stream      StreamConfig      `mapstructure:"stream"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// PlayerConfig holds the player subprocess configuration.
type PlayerConfig struct {
	// Command is the player binary, or "-" to write the stream to stdout.
	Command string `mapstructure:"command"`

	// Args is the argument string passed to the player, split with
	// quote awareness.
	Args string `mapstructure:"args"`
}

// AcquisitionConfig holds playlist acquisition and variant selection
// configuration.
type AcquisitionConfig struct {
	// Servers is an ordered list of proxy playlist URL templates; each
	// contains the literal {channel} placeholder.
	Servers []string `mapstructure:"servers"`

	// NeverProxy lists channels that always use direct acquisition.
	NeverProxy []string `mapstructure:"never_proxy"`

	// Quality is "best", "worst", or a literal tag like "720p60".
	Quality string `mapstructure:"quality"`

	// Codecs orders codec family preference, e.g. ["av1","h265","h264"].
	Codecs []string `mapstructure:"codecs"`

	// ClientID overrides the web player's client id.
	ClientID string `mapstructure:"client_id"`

	// AuthToken is the user's OAuth token, used for sub-only and
	// ad-free playback where entitled.
	AuthToken string `mapstructure:"auth_token"`
}

// HTTPConfig holds HTTP agent configuration.
type HTTPConfig struct {
	Timeout    time.Duration `mapstructure:"timeout"`
	Retries    int           `mapstructure:"retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	ForceHTTPS bool          `mapstructure:"force_https"`
	ForceIPv4  bool          `mapstructure:"force_ipv4"`
	UserAgent  string        `mapstructure:"user_agent"`
}

// StreamConfig holds streaming engine configuration.
type StreamConfig struct {
	// NoLowLatency disables the prefetch path entirely.
	NoLowLatency bool `mapstructure:"no_low_latency"`

	// MaxRefreshFailures is the consecutive failed-refresh threshold.
	MaxRefreshFailures int `mapstructure:"max_refresh_failures"`

	// MaxEmptyRefreshes is the consecutive no-new-segment threshold.
	MaxEmptyRefreshes int `mapstructure:"max_empty_refreshes"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration, are
// prefixed with TWITCHPIPE_, and use underscores for nesting.
// Example: TWITCHPIPE_ACQUISITION_QUALITY=720p60.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.twitchpipe")
		v.AddConfigPath("/etc/twitchpipe")
	}

	v.SetEnvPrefix("TWITCHPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	return FromViper(v)
}

// FromViper unmarshals and validates a populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure
// defaults are in place.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("player.command", defaultPlayerCommand)
	v.SetDefault("player.args", defaultPlayerArgs)

	v.SetDefault("acquisition.servers", []string{})
	v.SetDefault("acquisition.never_proxy", []string{})
	v.SetDefault("acquisition.quality", defaultQuality)
	v.SetDefault("acquisition.codecs", []string{})
	v.SetDefault("acquisition.client_id", "")
	v.SetDefault("acquisition.auth_token", "")

	// Durations default as strings so `config dump` stays readable.
	v.SetDefault("http.timeout", defaultHTTPTimeout.String())
	v.SetDefault("http.retries", defaultHTTPRetries)
	v.SetDefault("http.retry_delay", defaultHTTPRetryDelay.String())
	v.SetDefault("http.force_https", false)
	v.SetDefault("http.force_ipv4", false)
	v.SetDefault("http.user_agent", "")

	v.SetDefault("stream.no_low_latency", false)
	v.SetDefault("stream.max_refresh_failures", defaultMaxRefreshFailures)
	v.SetDefault("stream.max_empty_refreshes", defaultMaxEmptyRefreshes)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Player.Command == "" {
		return fmt.Errorf("player.command is required")
	}

	if c.Acquisition.Quality == "" {
		return fmt.Errorf("acquisition.quality is required")
	}
	for _, s := range c.Acquisition.Servers {
		if !strings.Contains(s, "{channel}") {
			return fmt.Errorf("acquisition.servers entry %q is missing the {channel} placeholder", s)
		}
	}

	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be positive")
	}
	if c.HTTP.Retries < 0 {
		return fmt.Errorf("http.retries must not be negative")
	}

	if c.Stream.MaxRefreshFailures < 1 {
		return fmt.Errorf("stream.max_refresh_failures must be at least 1")
	}
	if c.Stream.MaxEmptyRefreshes < 1 {
		return fmt.Errorf("stream.max_empty_refreshes must be at least 1")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}
