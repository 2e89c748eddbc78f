// Package config defines the typed options record consumed by the sync
// core. The core never reads an environment variable: every field here is
// set by the caller, optionally loaded from a YAML file by the wiring
// daemon in cmd/syncd.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/multiformats/go-multiaddr"
	"gopkg.in/yaml.v3"
)

// Options enumerates every externally-configurable knob of the sync core,
// per spec.md §6. There is no Getenv anywhere in this package.
type Options struct {
	DeviceID    string `yaml:"device_id"`
	UserID      string `yaml:"user_id"`
	ListenAddr  string `yaml:"listen_addr"`
	DataDir     string `yaml:"data_dir"`

	EnableLocalDiscovery bool          `yaml:"enable_local_discovery"`
	EnableRelay          bool          `yaml:"enable_relay"`
	BootstrapNodes       []string      `yaml:"bootstrap_nodes"`
	RelayServers         []string      `yaml:"relay_servers"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	MaxMessageSize       int           `yaml:"max_message_size"`

	PairingTTL time.Duration `yaml:"pairing_ttl"`

	MetricsNamespace string `yaml:"metrics_namespace"`
	MetricsAddr      string `yaml:"metrics_addr"`
}

// Default returns an Options populated with the spec's stated defaults
// (heartbeat_interval sized so 3x it is a sane staleness bound, pairing TTL
// of 5 minutes).
func Default() Options {
	return Options{
		ListenAddr:           "0.0.0.0:7946",
		DataDir:              "./data",
		EnableLocalDiscovery: true,
		EnableRelay:          false,
		HeartbeatInterval:    10 * time.Second,
		MaxMessageSize:       4 << 20,
		PairingTTL:           5 * time.Minute,
		MetricsNamespace:     "syncd",
		MetricsAddr:          "127.0.0.1:9090",
	}
}

// LoadFile reads a YAML options file from path and overlays it onto
// Default(). A missing file is not an error; callers that want to require
// the file should check os.Stat themselves first.
func LoadFile(path string) (Options, error) {
	opts := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return opts, nil
		}
		return Options{}, fmt.Errorf("config.LoadFile: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(raw, &opts); err != nil {
		return Options{}, fmt.Errorf("config.LoadFile: parse %s: %w", path, err)
	}
	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// Validate checks required fields and parses address lists into
// multiaddr.Multiaddr, surfacing any malformed entry before the transport
// is constructed.
func (o Options) Validate() error {
	if o.DeviceID == "" {
		return fmt.Errorf("config: device_id is required")
	}
	if o.UserID == "" {
		return fmt.Errorf("config: user_id is required")
	}
	if o.MaxMessageSize <= 0 {
		return fmt.Errorf("config: max_message_size must be positive")
	}
	if o.HeartbeatInterval <= 0 {
		return fmt.Errorf("config: heartbeat_interval must be positive")
	}
	if _, err := o.BootstrapMultiaddrs(); err != nil {
		return err
	}
	if _, err := o.RelayMultiaddrs(); err != nil {
		return err
	}
	return nil
}

// BootstrapMultiaddrs parses BootstrapNodes into multiaddr.Multiaddr values.
func (o Options) BootstrapMultiaddrs() ([]multiaddr.Multiaddr, error) {
	return parseMultiaddrs(o.BootstrapNodes)
}

// RelayMultiaddrs parses RelayServers into multiaddr.Multiaddr values.
func (o Options) RelayMultiaddrs() ([]multiaddr.Multiaddr, error) {
	return parseMultiaddrs(o.RelayServers)
}

func parseMultiaddrs(raw []string) ([]multiaddr.Multiaddr, error) {
	out := make([]multiaddr.Multiaddr, 0, len(raw))
	for _, s := range raw {
		addr, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("config: invalid multiaddress %q: %w", s, err)
		}
		out = append(out, addr)
	}
	return out, nil
}
