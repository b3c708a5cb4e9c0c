package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"go.lepak.sg/bikeshare-backend/citybikes"
	"go.lepak.sg/bikeshare-backend/prefs"
)

const (
	envAddr     = "ADDR"
	envPromAddr = "PROM_ADDR"
	envDsn      = "DSN"
	envDriver   = "DB_DRIVER"
	envBaseURL  = "BASE_URL"
	envLogLevel = "LOG_LEVEL"

	defaultAddr     = "0.0.0.0:8080"
	defaultPromAddr = "127.0.0.1:9100"
	defaultDsn      = "data/prefs.db"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	API      APIConfig      `yaml:"api"`
	Refresh  RefreshConfig  `yaml:"refresh"`
	Database DatabaseConfig `yaml:"database"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Addr     string `yaml:"addr"`
	PromAddr string `yaml:"prom_addr"`
}

type APIConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type RefreshConfig struct {
	// 0 disables background refreshes
	Interval time.Duration `yaml:"interval"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:     defaultAddr,
			PromAddr: defaultPromAddr,
		},
		API: APIConfig{
			BaseURL: citybikes.DefaultBaseURL,
			Timeout: citybikes.DefaultTimeout,
		},
		Database: DatabaseConfig{
			Driver: prefs.DriverSQLite,
			DSN:    defaultDsn,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		decoder := yaml.NewDecoder(f)
		decoder.KnownFields(true)
		if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	cfg.applyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(&c.Server.Addr, envAddr)
	set(&c.Server.PromAddr, envPromAddr)
	set(&c.Database.DSN, envDsn)
	set(&c.Database.Driver, envDriver)
	set(&c.API.BaseURL, envBaseURL)
	set(&c.Log.Level, envLogLevel)
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case prefs.DriverSQLite, prefs.DriverMySQL:
	default:
		return fmt.Errorf("database.driver: %w: %q", prefs.ErrUnsupportedDriver, c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	if c.API.Timeout < 0 {
		return errors.New("api.timeout must not be negative")
	}
	if c.Refresh.Interval < 0 {
		return errors.New("refresh.interval must not be negative")
	}
	if _, err := c.Log.level(); err != nil {
		return err
	}
	return nil
}
