// SPDX-License-Identifier: GPL-3.0-or-later

// Package config loads a node's TOML configuration file, mirroring the
// reference daemon's flat tomlConfig-struct-plus-BurntSushi/toml
// approach.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the root of a node's TOML configuration file.
type Config struct {
	Node    NodeConf
	Logging LoggingConf
	Timers  TimersConf
	Store   StoreConf
	Routing RoutingConf
	Link    LinkConf
	Metrics MetricsConf
}

// LoggingConf configures the logrus root logger.
type LoggingConf struct {
	Level        string `toml:"level"`         // parsed with logrus.ParseLevel; empty means "info"
	Format       string `toml:"format"`         // "text" | "json", empty means "text"
	ReportCaller bool   `toml:"report-caller"`
}

// NodeConf identifies this node.
type NodeConf struct {
	Scheme   string `toml:"scheme"` // "ipn" | "dtn"
	ID       string `toml:"id"`
	HasClock bool   `toml:"has-clock"`
}

// TimersConf holds the two periodic intervals the engine drives off of.
type TimersConf struct {
	DiscoveryPeriod  string `toml:"discovery-period"`
	RetransmitPeriod string `toml:"retransmit-period"`
}

// DiscoveryPeriodDuration parses DiscoveryPeriod, falling back to
// discovery.DefaultPeriod's value of 30s on an empty string.
func (t TimersConf) DiscoveryPeriodDuration() (time.Duration, error) {
	return parseDurationOrDefault(t.DiscoveryPeriod, 30*time.Second)
}

// RetransmitPeriodDuration parses RetransmitPeriod, falling back to 300s
// on an empty string.
func (t TimersConf) RetransmitPeriodDuration() (time.Duration, error) {
	return parseDurationOrDefault(t.RetransmitPeriod, 300*time.Second)
}

func parseDurationOrDefault(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("config: parsing duration %q: %w", s, err)
	}
	return d, nil
}

// StoreConf bounds the bundle store.
type StoreConf struct {
	Capacity int `toml:"capacity"`
}

// RoutingConf selects the routing algorithm. Epidemic is the only one
// implemented; the field exists so the schema has a place to grow into.
type RoutingConf struct {
	Algorithm string `toml:"algorithm"`
}

// LinkConf selects and configures the concrete L2 link.
type LinkConf struct {
	Kind             string `toml:"kind"` // "udp-broadcast" | "loop"
	BindAddress      string `toml:"bind-address"`
	BroadcastAddress string `toml:"broadcast-address"`
	LoopAddress      string `toml:"loop-address"`
}

// MetricsConf configures the optional /metrics HTTP endpoint.
type MetricsConf struct {
	Listen string `toml:"listen"` // empty disables the endpoint
}

// Load reads and parses the TOML configuration file at path.
func Load(path string) (Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	return cfg, nil
}
