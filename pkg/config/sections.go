package config

import "time"

// DiscoveryConfig selects and tunes the discovery layer.
// Example YAML:
// discovery:
//   kind: lan           # lan or mem
//   listen_addr: "0.0.0.0:0"
//   browse_interval_ms: 2000
type DiscoveryConfig struct {
    Kind             string `mapstructure:"kind"`
    ListenAddr       string `mapstructure:"listen_addr"`
    Domain           string `mapstructure:"domain"`
    BrowseIntervalMS int    `mapstructure:"browse_interval_ms"`
    QueryTimeoutMS   int    `mapstructure:"query_timeout_ms"`
    DisableIPv6      bool   `mapstructure:"disable_ipv6"`
    Interface        string `mapstructure:"interface"`
}

func (d DiscoveryConfig) BrowseInterval() time.Duration { return ms(d.BrowseIntervalMS) }
func (d DiscoveryConfig) QueryTimeout() time.Duration   { return ms(d.QueryTimeoutMS) }

type RelayConfig struct {
    // BuildTimeoutMS bounds virtual socket negotiation.
    BuildTimeoutMS int `mapstructure:"build_timeout_ms"`
    // DisposeTimeoutMS is how long a superseded advertisement lingers.
    DisposeTimeoutMS int `mapstructure:"dispose_timeout_ms"`
}

func (r RelayConfig) BuildTimeout() time.Duration   { return ms(r.BuildTimeoutMS) }
func (r RelayConfig) DisposeTimeout() time.Duration { return ms(r.DisposeTimeoutMS) }

type AdvertiserConfig struct {
    Enable bool `mapstructure:"enable"`
    // LocalPort is the application port invitations are relayed to.
    LocalPort int `mapstructure:"local_port"`
}

type BrowserConfig struct {
    Enable bool `mapstructure:"enable"`
    // AutoConnect connects to every peer as soon as it is found.
    AutoConnect bool `mapstructure:"auto_connect"`
}

// EventsConfig controls the event stream written by the node.
type EventsConfig struct {
    // Format is a codec name: json, cbor or proto.
    Format string `mapstructure:"format"`
    // Output is stdout, stderr, a file path, or empty to disable.
    Output string `mapstructure:"output"`
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
