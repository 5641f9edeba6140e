// Package config loads the settings of the weather server from an optional YAML file and the
// environment. Environment variables take precedence over the file, which takes precedence over
// the defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MegaGrindStone/weather-mcp/servers/weather"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config holds every setting of the server binary.
type Config struct {
	Port          int    `env:"PORT" yaml:"port"`
	ServerName    string `env:"SERVER_NAME" yaml:"server_name"`
	ServerVersion string `env:"SERVER_VERSION" yaml:"server_version"`
	StaticDir     string `env:"STATIC_DIR" yaml:"static_dir"`

	WeatherAPIBaseURL string        `env:"WEATHER_API_BASE_URL" yaml:"weather_api_base_url"`
	UpstreamTimeout   time.Duration `env:"UPSTREAM_TIMEOUT" yaml:"upstream_timeout"`

	CommandTimeout    time.Duration `env:"COMMAND_TIMEOUT" yaml:"command_timeout"`
	KeepAliveInterval time.Duration `env:"KEEPALIVE_INTERVAL" yaml:"keepalive_interval"`
	MessageRateLimit  float64       `env:"MESSAGE_RATE_LIMIT" yaml:"message_rate_limit"`
	MessageRateBurst  int           `env:"MESSAGE_RATE_BURST" yaml:"message_rate_burst"`

	LogLevel  string `env:"LOG_LEVEL" yaml:"log_level"`
	LogFormat string `env:"LOG_FORMAT" yaml:"log_format"`

	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" yaml:"otlp_endpoint"`
}

// Default returns the configuration used when neither a file nor the environment sets a value.
func Default() Config {
	return Config{
		Port:              3000,
		ServerName:        "weather-mcp-server",
		ServerVersion:     "1.0.0",
		WeatherAPIBaseURL: weather.DefaultBaseURL,
		UpstreamTimeout:   10 * time.Second,
		CommandTimeout:    30 * time.Second,
		KeepAliveInterval: 15 * time.Second,
		MessageRateLimit:  10,
		MessageRateBurst:  20,
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

// Load builds the configuration from the defaults, the YAML file at path when path is not empty,
// and the environment, in that order, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := LoadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadFile overlays the YAML document at path onto target. Keys absent from the file leave target
// untouched.
func LoadFile(path string, target any) error {
	bs, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(bs, target); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// ParseEnv loads configuration from environment variables. Unset variables leave target untouched.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate reports every setting that is out of range.
func (c Config) Validate() error {
	var errs []error

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if strings.TrimSpace(c.WeatherAPIBaseURL) == "" {
		errs = append(errs, errors.New("weather api base url is required"))
	}
	if c.UpstreamTimeout <= 0 {
		errs = append(errs, fmt.Errorf("upstream timeout must be positive, got %s", c.UpstreamTimeout))
	}
	if c.CommandTimeout <= 0 {
		errs = append(errs, fmt.Errorf("command timeout must be positive, got %s", c.CommandTimeout))
	}
	if c.KeepAliveInterval < 0 {
		errs = append(errs, fmt.Errorf("keep-alive interval must not be negative, got %s", c.KeepAliveInterval))
	}
	if c.MessageRateLimit < 0 {
		errs = append(errs, fmt.Errorf("message rate limit must not be negative, got %v", c.MessageRateLimit))
	}
	if c.MessageRateBurst < 0 {
		errs = append(errs, fmt.Errorf("message rate burst must not be negative, got %d", c.MessageRateBurst))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}

	return errors.Join(errs...)
}

// Addr returns the listen address for the configured port.
func (c Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}
