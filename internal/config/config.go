// Package config loads the service configuration from TOML with
// VPNCONNECTOR_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/vpnconnector/internal/driver"
	"github.com/loykin/vpnconnector/internal/logger"
	secretsfactory "github.com/loykin/vpnconnector/internal/secrets/factory"
	tlsx "github.com/loykin/vpnconnector/internal/tls"
)

const EnvPrefix = "VPNCONNECTOR"

type Config struct {
	Log      logger.Config         `mapstructure:"log"`
	Store    StoreConfig           `mapstructure:"store"`
	History  HistoryConfig         `mapstructure:"history"`
	Secrets  secretsfactory.Config `mapstructure:"secrets"`
	Paths    driver.Paths          `mapstructure:"paths"`
	Binaries driver.Binaries       `mapstructure:"binaries"`
	Monitor  MonitorConfig         `mapstructure:"monitor"`
	Server   ServerConfig          `mapstructure:"server"`
	Metrics  MetricsConfig         `mapstructure:"metrics"`
	Client   ClientEnvConfig       `mapstructure:"client"`
}

type StoreConfig struct {
	// DSN selects the backend: postgres://..., sqlite://path or a bare file path.
	DSN string `mapstructure:"dsn"`
}

// HistoryConfig lists connection-history sinks by DSN
// (clickhouse://, opensearch://, postgres://, sqlite://).
type HistoryConfig struct {
	Sinks []string `mapstructure:"sinks"`
}

type MonitorConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	GraceTimeout time.Duration `mapstructure:"grace_timeout"`
}

type ServerConfig struct {
	Listen          string        `mapstructure:"listen"`
	BasePath        string        `mapstructure:"base_path"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	TLS             tlsx.Config   `mapstructure:"tls"`
}

type MetricsConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Listen         string        `mapstructure:"listen"`
	SampleInterval time.Duration `mapstructure:"sample_interval"`
}

// ClientEnvConfig controls the environment handed to VPN client processes.
type ClientEnvConfig struct {
	Env      []string `mapstructure:"env"`
	EnvFiles []string `mapstructure:"env_files"`
	UseOSEnv bool     `mapstructure:"use_os_env"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", string(logger.FormatText))
	v.SetDefault("log.color", false)
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.file.compress", false)

	v.SetDefault("store.dsn", "sqlite:///var/lib/vpnconnector/vpnconnector.db")
	v.SetDefault("history.sinks", []string{})

	v.SetDefault("secrets.type", "file")
	v.SetDefault("secrets.dir", "/var/lib/vpnconnector/secrets")
	v.SetDefault("secrets.azure.vault_url", "")
	v.SetDefault("secrets.azure.secret_prefix", "vpn-config-")
	v.SetDefault("secrets.azure.account_url", "")
	v.SetDefault("secrets.azure.container", "vpn")

	v.SetDefault("paths.runtime_dir", driver.DefaultRuntimeDir)
	v.SetDefault("paths.auth_dir", "")
	v.SetDefault("paths.openvpn_log_dir", driver.DefaultOpenVPNLogDir)
	v.SetDefault("paths.sslvpn_log_dir", driver.DefaultSSLVPNLogDir)
	v.SetDefault("binaries.openvpn", "openvpn")
	v.SetDefault("binaries.openfortivpn", "openfortivpn")

	v.SetDefault("monitor.poll_interval", "5s")
	v.SetDefault("monitor.grace_timeout", "10s")

	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.base_path", "/api/v1/vpn")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.dir", "")
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.tls.min_version", "1.3")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", ":9090")
	v.SetDefault("metrics.sample_interval", "15s")

	v.SetDefault("client.env", []string{})
	v.SetDefault("client.env_files", []string{})
	v.SetDefault("client.use_os_env", false)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default returns the built-in configuration with environment overrides applied.
func Default() (*Config, error) {
	return Load("")
}

// Load reads the TOML file at path (skipped when empty) on top of the
// defaults, then applies VPNCONNECTOR_* environment overrides.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(filepath.Clean(path))
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn is required"))
	}
	if c.Monitor.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("monitor.poll_interval must be positive, got %s", c.Monitor.PollInterval))
	}
	if c.Monitor.GraceTimeout <= 0 {
		errs = append(errs, fmt.Errorf("monitor.grace_timeout must be positive, got %s", c.Monitor.GraceTimeout))
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		errs = append(errs, fmt.Errorf("server.base_path must start with '/': %q", c.Server.BasePath))
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		errs = append(errs, errors.New("metrics.listen is required when metrics are enabled"))
	}
	return errors.Join(errs...)
}

// ClientEnvironment merges the client environment: the OS environment when
// use_os_env is set, then env_files in order, then the env list last.
func (c *Config) ClientEnvironment() ([]string, error) {
	m := make(map[string]string)
	if c.Client.UseOSEnv {
		for _, kv := range os.Environ() {
			if k, v, ok := strings.Cut(kv, "="); ok {
				m[k] = v
			}
		}
	}
	for _, p := range c.Client.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range c.Client.Env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			m[k] = v
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// LoadEnvFile parses a simple .env file and returns "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// loadEnvFile reads KEY=VALUE lines (no export, no quotes). Lines starting
// with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok {
			m[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return m, nil
}
