package server

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"

	"github.com/openjobspec/ojs-racejob/internal/scheduler"
)

// Store backends.
const (
	StoreSQLite = "sqlite"
	StoreNATS   = "nats"
)

// Event bus backends.
const (
	BusNone = "none"
	BusNATS = "nats"
)

// EnvPrefix prefixes every environment override, e.g. RACEJOB_HTTP_PORT.
const EnvPrefix = "RACEJOB"

// Config holds the process configuration.
type Config struct {
	Instance          string        `mapstructure:"instance"`
	ThreadCount       int           `mapstructure:"thread_count"`
	ExecutionEnabled  bool          `mapstructure:"execution_enabled"`
	ReloadInterval    time.Duration `mapstructure:"reload_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	AbortOnError      bool          `mapstructure:"abort_on_error"`

	HTTPPort string `mapstructure:"http_port"`
	GRPCPort string `mapstructure:"grpc_port"`

	Store      string `mapstructure:"store"`
	SQLitePath string `mapstructure:"sqlite_path"`
	NatsURL    string `mapstructure:"nats_url"`
	EventBus   string `mapstructure:"event_bus"`

	LogJSON  bool   `mapstructure:"log_json"`
	LogLevel string `mapstructure:"log_level"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	d := scheduler.DefaultConfig()
	v.SetDefault("instance", d.Instance)
	v.SetDefault("thread_count", d.ThreadCount)
	v.SetDefault("execution_enabled", d.ExecutionEnabled)
	v.SetDefault("reload_interval", d.ReloadInterval)
	v.SetDefault("heartbeat_interval", d.HeartbeatInterval)
	v.SetDefault("abort_on_error", d.AbortOnError)

	v.SetDefault("http_port", "8080")
	v.SetDefault("grpc_port", "9090")

	v.SetDefault("store", StoreSQLite)
	v.SetDefault("sqlite_path", "racejob.db")
	v.SetDefault("nats_url", "nats://localhost:4222")
	v.SetDefault("event_bus", BusNone)

	v.SetDefault("log_json", true)
	v.SetDefault("log_level", "info")

	v.SetDefault("shutdown_timeout", 10*time.Second)
}

// NewViper returns a viper instance with defaults and RACEJOB_* overrides.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// LoadConfig reads configFile (TOML, optional) into v and decodes the result.
func LoadConfig(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", configFile)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the process cannot run with.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreSQLite:
		if c.SQLitePath == "" {
			return errors.New("sqlite_path is required for the sqlite store")
		}
	case StoreNATS:
	default:
		return errors.Newf("unknown store %q (want %s or %s)", c.Store, StoreSQLite, StoreNATS)
	}
	switch c.EventBus {
	case BusNone, BusNATS:
	default:
		return errors.Newf("unknown event_bus %q (want %s or %s)", c.EventBus, BusNone, BusNATS)
	}
	if (c.Store == StoreNATS || c.EventBus == BusNATS) && c.NatsURL == "" {
		return errors.New("nats_url is required when NATS is used")
	}
	if c.ThreadCount < 0 {
		return errors.Newf("thread_count must not be negative, got %d", c.ThreadCount)
	}
	if c.HTTPPort == "" {
		return errors.New("http_port is required")
	}
	return nil
}

// UsesNATS reports whether a NATS connection is needed.
func (c *Config) UsesNATS() bool {
	return c.Store == StoreNATS || c.EventBus == BusNATS
}

// SchedulerConfig extracts the scheduling settings.
func (c *Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		Instance:          c.Instance,
		ThreadCount:       c.ThreadCount,
		ExecutionEnabled:  c.ExecutionEnabled,
		ReloadInterval:    c.ReloadInterval,
		HeartbeatInterval: c.HeartbeatInterval,
		AbortOnError:      c.AbortOnError,
	}
}
