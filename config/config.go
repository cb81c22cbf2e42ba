// Package config loads service configuration from defaults, an optional
// YAML file, a .env file and COUNTRY_* environment variables.
//
// Precedence: flags > env vars > config file > defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "COUNTRY"

const (
	DefaultCountriesURL     = "https://restcountries.com/v3.1/all?fields=name,capital,region,population,flags,currencies"
	DefaultExchangeRatesURL = "https://open.er-api.com/v6/latest/USD"
)

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Refresh  RefreshConfig  `mapstructure:"refresh"`
	Summary  SummaryConfig  `mapstructure:"summary"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type UpstreamConfig struct {
	CountriesURL     string        `mapstructure:"countries_url"`
	ExchangeRatesURL string        `mapstructure:"exchange_rates_url"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	BaseDelay        time.Duration `mapstructure:"base_delay"`
}

// RefreshConfig controls scheduled refreshes. Interval 0 disables the schedule.
type RefreshConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	OnStartup bool          `mapstructure:"on_startup"`
}

// SummaryConfig controls where the summary image is persisted.
// An empty CacheDir keeps it in memory only.
type SummaryConfig struct {
	CacheDir string `mapstructure:"cache_dir"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:           8080,
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   30 * time.Second,
			IdleTimeout:    60 * time.Second,
			AllowedOrigins: []string{"*"},
		},
		Database: DatabaseConfig{Path: "countries.db"},
		Upstream: UpstreamConfig{
			CountriesURL:     DefaultCountriesURL,
			ExchangeRatesURL: DefaultExchangeRatesURL,
			RequestTimeout:   30 * time.Second,
			MaxAttempts:      3,
			BaseDelay:        time.Second,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads configuration. An empty configPath skips the file; a
// missing explicit path is an error. A .env file in the working
// directory is loaded first if present.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults must be set so AutomaticEnv knows which keys to look up.
	d := Defaults()
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)
	v.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("upstream.countries_url", d.Upstream.CountriesURL)
	v.SetDefault("upstream.exchange_rates_url", d.Upstream.ExchangeRatesURL)
	v.SetDefault("upstream.request_timeout", d.Upstream.RequestTimeout)
	v.SetDefault("upstream.max_attempts", d.Upstream.MaxAttempts)
	v.SetDefault("upstream.base_delay", d.Upstream.BaseDelay)
	v.SetDefault("refresh.interval", d.Refresh.Interval)
	v.SetDefault("refresh.on_startup", d.Refresh.OnStartup)
	v.SetDefault("summary.cache_dir", d.Summary.CacheDir)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("config file not found: %s", configPath)
			}
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port))
	}
	if strings.TrimSpace(c.Database.Path) == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	for key, raw := range map[string]string{
		"upstream.countries_url":      c.Upstream.CountriesURL,
		"upstream.exchange_rates_url": c.Upstream.ExchangeRatesURL,
	} {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s must be an absolute http(s) URL, got %q", key, raw))
		}
	}
	if c.Upstream.RequestTimeout <= 0 {
		errs = append(errs, errors.New("upstream.request_timeout must be positive"))
	}
	if c.Upstream.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("upstream.max_attempts must be at least 1, got %d", c.Upstream.MaxAttempts))
	}
	if c.Upstream.BaseDelay < 0 {
		errs = append(errs, errors.New("upstream.base_delay must not be negative"))
	}
	if c.Refresh.Interval < 0 {
		errs = append(errs, errors.New("refresh.interval must not be negative"))
	}

	return errors.Join(errs...)
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
