// Package config loads arcade-kv settings. Sources are applied in order
// default < file < environment < overrides, and read once at start-up.
package config

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/maps"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/redis/go-redis/v9"
	logger "github.com/sirupsen/logrus"

	"github.com/luoyjx/arcade-kv/network"
)

// EnvPrefix is the prefix of every environment override.
// ARCADE_KV_REMOTE_ADDR sets remote.addr.
const EnvPrefix = "ARCADE_KV_"

// URLEnvVars are consulted, in order, for the remote store URL when neither
// remote.url nor remote.addr is configured.
var URLEnvVars = []string{"REDIS_URL", "KV_URL"}

// Config represents the process configuration
type Config struct {
	Remote   RemoteConfig   `koanf:"remote" json:"remote"`
	Fallback FallbackConfig `koanf:"fallback" json:"fallback"`
	Server   ServerConfig   `koanf:"server" json:"server"`
	Log      LogConfig      `koanf:"log" json:"log"`
}

// RemoteConfig describes the remote store. Leaving both URL and Addr empty
// means no remote store is configured.
type RemoteConfig struct {
	URL       string        `koanf:"url" json:"url,omitempty"`
	Addr      string        `koanf:"addr" json:"addr"`
	Username  string        `koanf:"username" json:"username,omitempty"`
	Password  string        `koanf:"password" json:"password,omitempty"`
	Transport string        `koanf:"transport" json:"transport"` // "resp", "goredis"
	Timeout   time.Duration `koanf:"timeout" json:"timeout"`
	TLS       bool          `koanf:"tls" json:"tls"`
}

// FallbackConfig tunes the in-process fallback store
type FallbackConfig struct {
	MaxMembers int `koanf:"maxmembers" json:"maxmembers"`
}

// ServerConfig holds the listen addresses of the serve command
type ServerConfig struct {
	Listen  string `koanf:"listen" json:"listen"`
	Metrics string `koanf:"metrics" json:"metrics"`
}

// LogConfig configures the standard logger
type LogConfig struct {
	Level  string `koanf:"level" json:"level"`
	Format string `koanf:"format" json:"format"` // "text", "json"
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Remote: RemoteConfig{
			Transport: network.KindRESP,
			Timeout:   network.DefaultTimeout,
		},
		Server: ServerConfig{
			Listen:  ":6380",
			Metrics: ":9121",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path (optional), the environment and overrides into a
// resolved, validated configuration. Override keys use dotted paths such
// as "remote.addr".
func Load(path string, overrides map[string]any) (*Config, error) {
	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	if err := LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	if len(overrides) > 0 {
		k := koanf.New(".")
		if err := k.Load(mapProvider(maps.Unflatten(overrides, ".")), nil); err != nil {
			return nil, fmt.Errorf("load overrides: %w", err)
		}
		if err := k.Unmarshal("", cfg); err != nil {
			return nil, fmt.Errorf("unmarshal overrides: %w", err)
		}
	}

	if err := cfg.Resolve(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file on top of the defaults.
// An empty filename yields the defaults.
func LoadFromFile(filename string) (*Config, error) {
	if filename == "" {
		return DefaultConfig(), nil
	}
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", filename)
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(filename), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %v", err)
	}
	cfg := DefaultConfig()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %v", err)
	}
	return cfg, nil
}

// LoadFromEnv applies ARCADE_KV_* variables to config
func LoadFromEnv(config *Config) error {
	k := koanf.New(".")
	if err := loadEnv(k); err != nil {
		return err
	}
	if err := k.Unmarshal("", config); err != nil {
		return fmt.Errorf("unmarshal env: %w", err)
	}
	return nil
}

func loadEnv(k *koanf.Koanf) error {
	// ARCADE_KV_REMOTE_ADDR -> remote.addr
	transform := func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		return strings.ReplaceAll(strings.ToLower(s), "_", ".")
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", transform), nil); err != nil {
		return fmt.Errorf("load env: %w", err)
	}
	return nil
}

// Resolve fills the remote address from the remote URL. When nothing names
// a remote store the REDIS_URL / KV_URL variables are tried; an unusable
// one is logged and skipped, leaving the process in memory mode.
func (c *Config) Resolve() error {
	if c.Remote.URL == "" && c.Remote.Addr == "" {
		for _, name := range URLEnvVars {
			v := strings.TrimSpace(os.Getenv(name))
			if v == "" {
				continue
			}
			ep, err := ParseURL(v)
			if err != nil {
				logger.WithError(err).WithField("variable", name).Warn("ignoring unusable remote store url")
				continue
			}
			c.Remote.URL = v
			c.useEndpoint(ep)
			return nil
		}
		return nil
	}
	if c.Remote.URL == "" || c.Remote.Addr != "" {
		return nil
	}

	ep, err := ParseURL(c.Remote.URL)
	if err != nil {
		return err
	}
	c.useEndpoint(ep)
	return nil
}

func (c *Config) useEndpoint(ep Endpoint) {
	c.Remote.Addr = ep.Addr
	if c.Remote.Username == "" {
		c.Remote.Username = ep.Username
	}
	if c.Remote.Password == "" {
		c.Remote.Password = ep.Password
	}
	c.Remote.TLS = c.Remote.TLS || ep.TLS
}

// Endpoint is a remote store location parsed from a URL
type Endpoint struct {
	Addr     string
	Username string
	Password string
	TLS      bool
}

// ParseURL reads redis://[user[:password]@]host[:port][/db] or its rediss://
// TLS form with go-redis' URL rules. A bare host:port is accepted as well.
// The port defaults to 6379.
func ParseURL(raw string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		return Endpoint{Addr: withDefaultPort(raw)}, nil
	}

	opts, err := redis.ParseURL(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid remote url: %w", err)
	}
	if opts.Network == "unix" {
		return Endpoint{}, fmt.Errorf("unsupported remote url: unix sockets are not supported")
	}
	return Endpoint{
		Addr:     opts.Addr,
		Username: opts.Username,
		Password: opts.Password,
		TLS:      opts.TLSConfig != nil,
	}, nil
}

func withDefaultPort(hostport string) string {
	if _, _, err := net.SplitHostPort(hostport); err == nil {
		return hostport
	}
	return net.JoinHostPort(strings.Trim(hostport, "[]"), "6379")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch strings.ToLower(c.Remote.Transport) {
	case network.KindRESP, network.KindGoRedis:
	default:
		return fmt.Errorf("invalid remote transport: %s (valid: %s, %s)", c.Remote.Transport, network.KindRESP, network.KindGoRedis)
	}

	if c.Remote.Timeout <= 0 {
		return fmt.Errorf("remote timeout must be positive")
	}

	if c.Fallback.MaxMembers < 0 {
		return fmt.Errorf("fallback max members cannot be negative: %d", c.Fallback.MaxMembers)
	}

	if c.Server.Listen == "" {
		return fmt.Errorf("listen address cannot be empty")
	}

	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format: %s (valid: text, json)", c.Log.Format)
	}

	return nil
}

// RemoteConfigured reports whether a remote store address is known
func (c *Config) RemoteConfigured() bool {
	return c.Remote.Addr != ""
}

// TransportOptions returns the remote endpoint parameters
func (c *Config) TransportOptions() network.Options {
	opts := network.Options{
		Addr:     c.Remote.Addr,
		Username: c.Remote.Username,
		Password: c.Remote.Password,
		Timeout:  c.Remote.Timeout,
	}
	if c.Remote.TLS {
		host, _, err := net.SplitHostPort(c.Remote.Addr)
		if err != nil {
			host = c.Remote.Addr
		}
		opts.TLSConfig = &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
	}
	return opts
}

// String returns a string representation of the config with secrets masked
func (c *Config) String() string {
	const mask = "xxxxx"
	view := *c
	if view.Remote.Password != "" {
		view.Remote.Password = mask
	}
	if u, err := url.Parse(view.Remote.URL); err == nil && u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), mask)
			view.Remote.URL = u.String()
		}
	}
	content, _ := json.MarshalIndent(view, "", "  ")
	return string(content)
}

// mapProvider feeds an in-memory map to koanf
type mapProvider map[string]any

func (m mapProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("config: map provider does not support ReadBytes")
}

func (m mapProvider) Read() (map[string]any, error) {
	return m, nil
}
