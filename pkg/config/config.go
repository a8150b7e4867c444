// Package config provides YAML-based configuration loading for ttrelay.
package config

import (
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "strings"

    "github.com/spf13/viper"

    "ttrelay/pkg/discovery"
)

// Config is the root application configuration.
type Config struct {
    // ServiceType names the discovery service peers meet on.
    ServiceType string `mapstructure:"service_type"`

    Log        LogConfig        `mapstructure:"log"`
    Discovery  DiscoveryConfig  `mapstructure:"discovery"`
    Relay      RelayConfig      `mapstructure:"relay"`
    Advertiser AdvertiserConfig `mapstructure:"advertiser"`
    Browser    BrowserConfig    `mapstructure:"browser"`
    Events     EventsConfig     `mapstructure:"events"`
}

// LogConfig defines logger settings.
type LogConfig struct {
    // Level: debug, info, warn, error
    Level string `mapstructure:"level"`
    // Format: console or json
    Format string `mapstructure:"format"`
    // Outputs: stdout, stderr, or file paths
    Outputs []string `mapstructure:"outputs"`

    Rotation    RotationConfig `mapstructure:"rotation"`
    Development bool           `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
    Enable     bool   `mapstructure:"enable"`
    Filename   string `mapstructure:"filename"`
    MaxSizeMB  int    `mapstructure:"max_size_mb"`
    MaxBackups int    `mapstructure:"max_backups"`
    MaxAgeDays int    `mapstructure:"max_age_days"`
    Compress   bool   `mapstructure:"compress"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
    return &Config{
        ServiceType: "thali",
        Log: LogConfig{
            Level:   "info",
            Format:  "console",
            Outputs: []string{"stdout"},
            Rotation: RotationConfig{
                Filename:   "logs/ttrelay.log",
                MaxSizeMB:  50,
                MaxBackups: 3,
                MaxAgeDays: 28,
                Compress:   true,
            },
        },
        Discovery: DiscoveryConfig{
            Kind:             "lan",
            ListenAddr:       "0.0.0.0:0",
            Domain:           "local.",
            BrowseIntervalMS: 2000,
            QueryTimeoutMS:   1000,
            DisableIPv6:      true,
        },
        Relay:      RelayConfig{BuildTimeoutMS: 5000, DisposeTimeoutMS: 30000},
        Advertiser: AdvertiserConfig{Enable: false},
        Browser:    BrowserConfig{Enable: true},
        Events:     EventsConfig{Format: "json", Output: "stdout"},
    }
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix TTRELAY and `.`/`-` are replaced with `_`.
// Example: TTRELAY_ADVERTISER_LOCAL_PORT=8080
func Load(path string) (*Config, error) {
    cfg := Default()

    v := viper.New()
    v.SetConfigType("yaml")
    v.SetEnvPrefix("TTRELAY")
    v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
    v.AutomaticEnv()

    // seed defaults for viper so env-only configs work
    v.SetDefault("service_type", cfg.ServiceType)
    v.SetDefault("log.level", cfg.Log.Level)
    v.SetDefault("log.format", cfg.Log.Format)
    v.SetDefault("log.outputs", cfg.Log.Outputs)
    v.SetDefault("log.development", cfg.Log.Development)
    v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
    v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
    v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
    v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
    v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
    v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
    v.SetDefault("discovery.kind", cfg.Discovery.Kind)
    v.SetDefault("discovery.listen_addr", cfg.Discovery.ListenAddr)
    v.SetDefault("discovery.domain", cfg.Discovery.Domain)
    v.SetDefault("discovery.browse_interval_ms", cfg.Discovery.BrowseIntervalMS)
    v.SetDefault("discovery.query_timeout_ms", cfg.Discovery.QueryTimeoutMS)
    v.SetDefault("discovery.disable_ipv6", cfg.Discovery.DisableIPv6)
    v.SetDefault("discovery.interface", cfg.Discovery.Interface)
    v.SetDefault("relay.build_timeout_ms", cfg.Relay.BuildTimeoutMS)
    v.SetDefault("relay.dispose_timeout_ms", cfg.Relay.DisposeTimeoutMS)
    v.SetDefault("advertiser.enable", cfg.Advertiser.Enable)
    v.SetDefault("advertiser.local_port", cfg.Advertiser.LocalPort)
    v.SetDefault("browser.enable", cfg.Browser.Enable)
    v.SetDefault("browser.auto_connect", cfg.Browser.AutoConnect)
    v.SetDefault("events.format", cfg.Events.Format)
    v.SetDefault("events.output", cfg.Events.Output)

    if path == "" {
        if envPath := os.Getenv("TTRELAY_CONFIG"); envPath != "" {
            path = envPath
        }
    }

    if path != "" {
        v.SetConfigFile(path)
    } else {
        v.SetConfigName("ttrelay")
        v.AddConfigPath(".")
        v.AddConfigPath("./configs")
        if home, err := os.UserHomeDir(); err == nil {
            v.AddConfigPath(filepath.Join(home, ".ttrelay"))
        }
    }

    // Read config file if present; if not found, continue with defaults/env
    if err := v.ReadInConfig(); err != nil {
        var notFound viper.ConfigFileNotFoundError
        if !errors.As(err, &notFound) {
            return nil, fmt.Errorf("read config: %w", err)
        }
    }

    if err := v.Unmarshal(cfg); err != nil {
        return nil, fmt.Errorf("decode config: %w", err)
    }

    if err := cfg.validate(); err != nil {
        return nil, err
    }
    return cfg, nil
}

func (c *Config) validate() error {
    switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
    case "debug", "info", "warn", "warning", "error":
    default:
        return fmt.Errorf("invalid log.level: %q", c.Log.Level)
    }
    if c.Log.Format == "" {
        c.Log.Format = "console"
    }
    if len(c.Log.Outputs) == 0 {
        c.Log.Outputs = []string{"stdout"}
    }

    if err := discovery.ValidateServiceType(c.ServiceType); err != nil {
        return fmt.Errorf("invalid service_type: %w", err)
    }
    c.Discovery.Kind = strings.ToLower(strings.TrimSpace(c.Discovery.Kind))
    if c.Relay.BuildTimeoutMS < 0 || c.Relay.DisposeTimeoutMS < 0 {
        return errors.New("relay timeouts must not be negative")
    }
    if c.Advertiser.Enable && (c.Advertiser.LocalPort <= 0 || c.Advertiser.LocalPort > 65535) {
        return fmt.Errorf("invalid advertiser.local_port: %d", c.Advertiser.LocalPort)
    }
    c.Events.Format = strings.ToLower(strings.TrimSpace(c.Events.Format))
    return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
    cfg, err := Load(path)
    if err != nil {
        panic(err)
    }
    return cfg
}
