// Package config loads proxy settings from (in increasing priority) defaults, an optional
// YAML file, VHOST_PROXY_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "VHOST_PROXY"

type Config struct {
	Proxy struct {
		Addr                  string        `mapstructure:"addr"`
		DialTimeout           time.Duration `mapstructure:"dial_timeout"`
		ResponseHeaderTimeout time.Duration `mapstructure:"response_header_timeout"`
		RateLimit             float64       `mapstructure:"rate_limit"`
		RateBurst             int           `mapstructure:"rate_burst"`
	} `mapstructure:"proxy"`

	Admin struct {
		Addr   string `mapstructure:"addr"`
		Domain string `mapstructure:"domain"`
	} `mapstructure:"admin"`

	Docker struct {
		Host    string `mapstructure:"host"`
		Network string `mapstructure:"network"`
	} `mapstructure:"docker"`

	Watcher struct {
		InitialBackoff time.Duration `mapstructure:"initial_backoff"`
		MaxBackoff     time.Duration `mapstructure:"max_backoff"`
		InspectTimeout time.Duration `mapstructure:"inspect_timeout"`
	} `mapstructure:"watcher"`

	Registry struct {
		Backend string `mapstructure:"backend"`
	} `mapstructure:"registry"`

	Etcd struct {
		Endpoints   []string      `mapstructure:"endpoints"`
		Prefix      string        `mapstructure:"prefix"`
		TTL         int64         `mapstructure:"ttl"`
		DialTimeout time.Duration `mapstructure:"dial_timeout"`
	} `mapstructure:"etcd"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Registry backends.
const (
	BackendMemory = "memory"
	BackendEtcd   = "etcd"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("proxy.addr", ":80")
	v.SetDefault("proxy.dial_timeout", 5*time.Second)
	v.SetDefault("proxy.response_header_timeout", 0)
	v.SetDefault("proxy.rate_limit", 0)
	v.SetDefault("proxy.rate_burst", 50)
	v.SetDefault("admin.addr", ":3000")
	v.SetDefault("admin.domain", "localhost")
	v.SetDefault("docker.host", "")
	v.SetDefault("docker.network", "")
	v.SetDefault("watcher.initial_backoff", 500*time.Millisecond)
	v.SetDefault("watcher.max_backoff", 30*time.Second)
	v.SetDefault("watcher.inspect_timeout", 5*time.Second)
	v.SetDefault("registry.backend", BackendMemory)
	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd.prefix", "/vhost-proxy/services")
	v.SetDefault("etcd.ttl", 10)
	v.SetDefault("etcd.dial_timeout", 5*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("shutdown_timeout", 10*time.Second)
}

// Flags declares the command-line flags. Flag names are the config keys.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("vhost-proxy", pflag.ContinueOnError)
	fs.String("config", "", "path to an optional YAML config file")
	fs.String("proxy.addr", ":80", "address of the virtual-host proxy listener")
	fs.Duration("proxy.dial_timeout", 5*time.Second, "bound on connecting to a backend")
	fs.Float64("proxy.rate_limit", 0, "requests per second allowed per client IP (0 disables)")
	fs.String("admin.addr", ":3000", "address of the admin listener (health, metrics, routes)")
	fs.String("admin.domain", "localhost", "domain appended to service names in access URLs")
	fs.String("docker.host", "", "docker daemon address (defaults to DOCKER_HOST)")
	fs.String("docker.network", "", "preferred container network for backend addresses")
	fs.String("registry.backend", BackendMemory, "routing table backend: memory or etcd")
	fs.StringSlice("etcd.endpoints", []string{"localhost:2379"}, "etcd endpoints for the etcd backend")
	fs.String("log.level", "info", "log level: debug, info, warn, error")
	fs.String("log.format", "json", "log format: json or console")
	return fs
}

// Load parses args and builds the configuration.
func Load(args []string) (*Config, error) {
	fs := Flags()
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Only flags set explicitly override file and env values
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Changed && f.Name != "config" {
			v.Set(f.Name, flagValue(fs, f))
		}
	})

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func flagValue(fs *pflag.FlagSet, f *pflag.Flag) any {
	if f.Value.Type() == "stringSlice" {
		vals, _ := fs.GetStringSlice(f.Name)
		return vals
	}
	return f.Value.String()
}

// Validate rejects configurations the proxy cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Proxy.Addr == "" {
		errs = append(errs, errors.New("proxy.addr must not be empty"))
	}
	if c.Admin.Addr == "" {
		errs = append(errs, errors.New("admin.addr must not be empty"))
	}
	if c.Proxy.DialTimeout <= 0 {
		errs = append(errs, errors.New("proxy.dial_timeout must be positive"))
	}
	if c.Watcher.InitialBackoff <= 0 || c.Watcher.MaxBackoff < c.Watcher.InitialBackoff {
		errs = append(errs, errors.New("watcher backoff must satisfy 0 < initial_backoff <= max_backoff"))
	}
	switch c.Registry.Backend {
	case BackendMemory:
	case BackendEtcd:
		if len(c.Etcd.Endpoints) == 0 {
			errs = append(errs, errors.New("etcd.endpoints required for the etcd backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown registry.backend %q", c.Registry.Backend))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
