// Package config loads the devsvc TOML configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/devsvc/internal/auth"
	"github.com/loykin/devsvc/internal/env"
	"github.com/loykin/devsvc/internal/logger"
	"github.com/loykin/devsvc/internal/metrics"
	"github.com/loykin/devsvc/internal/portalloc"
	"github.com/loykin/devsvc/internal/service"
)

// Config is the top-level TOML structure.
type Config struct {
	Environment string           `mapstructure:"environment"`
	Ports       PortsConfig      `mapstructure:"ports"`
	Registry    RegistryConfig   `mapstructure:"registry"`
	Supervisor  SupervisorConfig `mapstructure:"supervisor"`
	Batch       BatchConfig      `mapstructure:"batch"`
	Server      ServerConfig     `mapstructure:"server"`
	Metrics     MetricsConfig    `mapstructure:"metrics"`
	Log         logger.Config    `mapstructure:"log"`
	History     HistoryConfig    `mapstructure:"history"`

	Env      []string `mapstructure:"env"`
	EnvFiles []string `mapstructure:"env_files"`
	UseOSEnv bool     `mapstructure:"use_os_env"`

	Services []service.Descriptor `mapstructure:"services"`
}

type PortsConfig struct {
	RangeStart int    `mapstructure:"range_start"`
	RangeEnd   int    `mapstructure:"range_end"`
	Host       string `mapstructure:"host"`
}

// RegistryConfig selects the registry store. DSN accepts sqlite paths,
// sqlite://, postgres:// and memory.
type RegistryConfig struct {
	DSN string `mapstructure:"dsn"`
}

type SupervisorConfig struct {
	StartDelay      time.Duration     `mapstructure:"start_delay"`
	StopWait        time.Duration     `mapstructure:"stop_wait"`
	HealthTimeout   time.Duration     `mapstructure:"health_timeout"`
	MonitorInterval time.Duration     `mapstructure:"monitor_interval"`
	ChildLog        logger.FileConfig `mapstructure:"child_log"`
}

type BatchConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Retries     int           `mapstructure:"retries"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
	MaxOutput   int           `mapstructure:"max_output"`
}

// ServerConfig is the HTTP API. A listen address off loopback requires
// [server.auth]; allowed_hosts lists extra Host names the API answers to.
type ServerConfig struct {
	Listen       string      `mapstructure:"listen"`
	BasePath     string      `mapstructure:"base_path"`
	AllowedHosts []string    `mapstructure:"allowed_hosts"`
	Auth         auth.Config `mapstructure:"auth"`
}

type MetricsConfig struct {
	Enabled   bool                   `mapstructure:"enabled"`
	Resources metrics.ResourceConfig `mapstructure:"resources"`
}

// HistoryConfig lists event sink DSNs (clickhouse://, opensearch://,
// postgres://, sqlite://).
type HistoryConfig struct {
	Sinks []string `mapstructure:"sinks"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("ports.range_start", portalloc.DefaultRangeStart)
	v.SetDefault("ports.range_end", portalloc.DefaultRangeEnd)
	v.SetDefault("ports.host", portalloc.DefaultHost)
	v.SetDefault("registry.dsn", "devsvc.db")
	v.SetDefault("supervisor.start_delay", "1s")
	v.SetDefault("supervisor.stop_wait", "5s")
	v.SetDefault("supervisor.health_timeout", "5s")
	v.SetDefault("supervisor.monitor_interval", "30s")
	v.SetDefault("batch.concurrency", 3)
	v.SetDefault("batch.max_output", 64<<10)
	v.SetDefault("server.listen", "127.0.0.1:8080")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.auth.token_ttl", "12h")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.resources.interval", "5s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("use_os_env", true)
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg, err := load(viper.New())
	if err != nil {
		// defaults are static; a failure here is a programming error
		panic(err)
	}
	return cfg
}

// Load reads path (TOML) over the defaults and validates the result. An empty
// path yields the defaults. DEVSVC_* environment variables override file
// values, e.g. DEVSVC_REGISTRY_DSN.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	cfg, err := load(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	v.SetEnvPrefix("DEVSVC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if len(cfg.Services) == 0 {
		cfg.Services = service.Defaults()
	}
	for i := range cfg.Services {
		cfg.Services[i] = cfg.Services[i].WithDefaults()
	}
	return &cfg, nil
}

// Validate fails fast on settings the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Environment) == "" {
		errs = append(errs, errors.New("environment is required"))
	}
	if c.Ports.RangeStart < 1 || c.Ports.RangeEnd > 65535 || c.Ports.RangeStart > c.Ports.RangeEnd {
		errs = append(errs, fmt.Errorf("invalid port range %d-%d", c.Ports.RangeStart, c.Ports.RangeEnd))
	}
	if c.Ports.Host != "" && net.ParseIP(c.Ports.Host) == nil && c.Ports.Host != "localhost" {
		errs = append(errs, fmt.Errorf("ports.host %q is not an IP address", c.Ports.Host))
	}
	if strings.TrimSpace(c.Registry.DSN) == "" {
		errs = append(errs, errors.New("registry.dsn is required"))
	}
	if c.Batch.Concurrency < 0 || c.Batch.Retries < 0 {
		errs = append(errs, errors.New("batch concurrency and retries must not be negative"))
	}
	if c.Supervisor.StartDelay < 0 || c.Supervisor.StopWait < 0 {
		errs = append(errs, errors.New("supervisor durations must not be negative"))
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		errs = append(errs, fmt.Errorf("server.base_path %q must start with /", c.Server.BasePath))
	}
	if c.Server.Listen != "" {
		host, _, err := net.SplitHostPort(c.Server.Listen)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("server.listen: %w", err))
		case !isLoopback(host) && !c.Server.Auth.Enabled:
			errs = append(errs, fmt.Errorf("server.listen %q is reachable from other hosts; enable server.auth or bind to 127.0.0.1", c.Server.Listen))
		}
	}
	if err := c.Server.Auth.Validate(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.Log.Level))
	}
	if err := service.ValidateTable(c.Services); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// GlobalEnv composes the environment every service inherits: the OS
// environment when use_os_env is set, then env_files in order, then the
// top-level env list.
func (c *Config) GlobalEnv() (*env.Env, error) {
	e := env.Empty()
	if c.UseOSEnv {
		e = env.New()
	}
	for _, p := range c.EnvFiles {
		pairs, err := LoadEnvFile(p)
		if err != nil {
			return nil, err
		}
		e = e.WithPairs(pairs)
	}
	return e.WithPairs(c.Env), nil
}
