// Package config holds the client configuration and its loader.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Defaults mirrored by the loader and by Default().
const (
	DefaultOrigin          = "file://"
	DefaultPort            = 7003
	DefaultMaxAttempts     = 3
	DefaultCloseRetryDelay = 1000 * time.Millisecond
	DefaultErrorRetryDelay = 3000 * time.Millisecond
	DefaultRelayAddr       = ":7003"

	envPrefix = "PEERCALL"
	fileName  = ".peercall"
)

// DefaultICEServers are the STUN servers used when none are configured.
var DefaultICEServers = []string{
	"stun:stun.services.mozilla.com",
	"stun:stun.l.google.com:19302",
}

// Config stores every parameter of a call client.
type Config struct {
	// Origin is the page origin the client pretends to be loaded from. Its
	// scheme decides how the signaling host is resolved (file → loopback,
	// http/https → origin hostname).
	Origin string `mapstructure:"origin"`
	Host   string `mapstructure:"host"` // overrides the resolved signaling host
	Port   int    `mapstructure:"port"`

	// PeerID is the call identity; empty means a random one per call.
	PeerID string `mapstructure:"peer_id"`

	// APIBase is the camera REST API base URL; empty disables call requests.
	APIBase string `mapstructure:"api_base"`

	ICEServers         []string `mapstructure:"ice_servers"`
	MDNS               bool     `mapstructure:"mdns"`
	LoopbackCandidates bool     `mapstructure:"loopback_candidates"`

	// Local capture constraints. Neither set means data-only.
	Video bool `mapstructure:"video"`
	Audio bool `mapstructure:"audio"`

	MaxAttempts     int           `mapstructure:"max_attempts"`
	CloseRetryDelay time.Duration `mapstructure:"close_retry_delay"`
	ErrorRetryDelay time.Duration `mapstructure:"error_retry_delay"`

	MetricsAddr string `mapstructure:"metrics_addr"`
	RelayAddr   string `mapstructure:"relay_addr"`
	LogLevel    string `mapstructure:"log_level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Origin:          DefaultOrigin,
		Port:            DefaultPort,
		ICEServers:      append([]string(nil), DefaultICEServers...),
		MDNS:            true,
		MaxAttempts:     DefaultMaxAttempts,
		CloseRetryDelay: DefaultCloseRetryDelay,
		ErrorRetryDelay: DefaultErrorRetryDelay,
		RelayAddr:       DefaultRelayAddr,
		LogLevel:        "info",
	}
}

// SetDefaults registers Default() on v so that flags, env and files layer on
// top of it.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("origin", d.Origin)
	v.SetDefault("host", d.Host)
	v.SetDefault("port", d.Port)
	v.SetDefault("peer_id", d.PeerID)
	v.SetDefault("api_base", d.APIBase)
	v.SetDefault("ice_servers", d.ICEServers)
	v.SetDefault("mdns", d.MDNS)
	v.SetDefault("loopback_candidates", d.LoopbackCandidates)
	v.SetDefault("video", d.Video)
	v.SetDefault("audio", d.Audio)
	v.SetDefault("max_attempts", d.MaxAttempts)
	v.SetDefault("close_retry_delay", d.CloseRetryDelay)
	v.SetDefault("error_retry_delay", d.ErrorRetryDelay)
	v.SetDefault("metrics_addr", d.MetricsAddr)
	v.SetDefault("relay_addr", d.RelayAddr)
	v.SetDefault("log_level", d.LogLevel)
}

// Load reads the configuration into v and decodes it. file selects an
// explicit config file; when empty, $HOME/.peercall.{toml,yaml,json} is used
// if present. PEERCALL_* environment variables override file values.
func Load(v *viper.Viper, file string) (Config, error) {
	SetDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			return Config{}, fmt.Errorf("locate home directory: %w", err)
		}
		v.AddConfigPath(home)
		v.SetConfigName(fileName)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks value ranges. Origin scheme problems are reported by the
// signaling endpoint resolver, where they are classified as fatal.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d (must be 1~65535)", c.Port)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("invalid max_attempts %d (must be at least 1)", c.MaxAttempts)
	}
	if c.CloseRetryDelay <= 0 || c.ErrorRetryDelay <= 0 {
		return fmt.Errorf("retry delays must be positive (close=%s, error=%s)", c.CloseRetryDelay, c.ErrorRetryDelay)
	}
	return nil
}
