// Package config supplies the optional YAML file that supplements the
// required CLI positional arguments (§6) with operational extras: log
// rotation, bandwidth ceilings, interface binding, an outbound
// address allow-list, and the admin bearer secret. Nothing here is
// required to run either binary; an absent or empty -config flag
// yields a Config holding only the defaults SetDefaults fills in.
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"
)

// LogConfig controls the optional rotating log file, wired to
// gopkg.in/natefinch/lumberjack.v2.
type LogConfig struct {
	Filename   string `yaml:"filename,omitempty"`
	MaxSize    int    `yaml:"maxSize,omitempty"` // megabytes
	MaxBackups int    `yaml:"maxBackups,omitempty"`
	MaxAge     int    `yaml:"maxAge,omitempty"` // days
	Compress   bool   `yaml:"compress,omitempty"`
}

// Writer returns stderr when no rotating file is configured, or a
// lumberjack.Logger writing to Filename otherwise.
func (l *LogConfig) Writer() io.Writer {
	if l == nil || l.Filename == "" {
		return os.Stderr
	}
	return &lumberjack.Logger{
		Filename:   l.Filename,
		MaxSize:    l.MaxSize,
		MaxBackups: l.MaxBackups,
		MaxAge:     l.MaxAge,
		Compress:   l.Compress,
	}
}

// DurationString accepts "10s"/"5m"-style YAML scalars or a bare
// integer number of seconds.
type DurationString time.Duration

func (d *DurationString) UnmarshalYAML(value *yaml.Node) error {
	s := value.Value
	if value.Tag == "!!int" {
		v, err := strconv.Atoi(s)
		if err != nil {
			return err
		}
		*d = DurationString(time.Duration(v) * time.Second)
		return nil
	}
	if !(strings.HasSuffix(s, "s") || strings.HasSuffix(s, "m")) {
		return fmt.Errorf("invalid duration: %s (must end with 's' or 'm')", s)
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = DurationString(dur)
	return nil
}

func (d DurationString) Duration() time.Duration { return time.Duration(d) }

// SizeString accepts "10K"/"10M"/"1G"-style YAML scalars or a bare
// integer number of bytes.
type SizeString int64

func (s *SizeString) UnmarshalYAML(value *yaml.Node) error {
	raw := value.Value
	if value.Tag == "!!int" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		*s = SizeString(v)
		return nil
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("empty size string")
	}
	multiplier := int64(1)
	switch {
	case strings.HasSuffix(raw, "K"):
		multiplier = 1 << 10
		raw = strings.TrimSuffix(raw, "K")
	case strings.HasSuffix(raw, "M"):
		multiplier = 1 << 20
		raw = strings.TrimSuffix(raw, "M")
	case strings.HasSuffix(raw, "G"):
		multiplier = 1 << 30
		raw = strings.TrimSuffix(raw, "G")
	default:
		if _, err := strconv.ParseInt(raw, 10, 64); err != nil {
			return fmt.Errorf("invalid size string: %s (must end with 'K', 'M', or 'G')", value.Value)
		}
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return err
	}
	*s = SizeString(v * multiplier)
	return nil
}

// RoutingIDMode selects how a session's routing id is derived from its
// auth token (§9 Open Question).
type RoutingIDMode string

const (
	RoutingIDIdentity RoutingIDMode = "identity"
	RoutingIDHashed   RoutingIDMode = "hashed"
)

// Config is the full set of operator-tunable extras. Every field has a
// sensible zero value so a binary invoked with no -config flag behaves
// identically to one invoked with an empty file.
type Config struct {
	Log *LogConfig `yaml:"log,omitempty"`

	// BandwidthLimit caps combined relay throughput for the process; 0
	// disables shaping.
	BandwidthLimit SizeString `yaml:"bandwidthLimit,omitempty"`

	// Interface pins the QUIC UDP socket to one network interface
	// (Linux only, SO_BINDTODEVICE).
	Interface string `yaml:"interface,omitempty"`

	// AllowedRemote restricts the supernode's QUIC listener to edges
	// dialing from this one source address.
	AllowedRemote string `yaml:"allowedRemote,omitempty"`

	// AllowedOutbound restricts which upstream addresses an edge may
	// dial when handling a Forward. Empty means unrestricted.
	AllowedOutbound []string `yaml:"allowedOutbound,omitempty"`

	// RoutingID selects identity or hashed routing-id derivation.
	RoutingID RoutingIDMode `yaml:"routingId,omitempty"`

	// AdminToken, when set, gates GET /__internal__/clients with a
	// bearer credential.
	AdminToken string `yaml:"adminToken,omitempty"`

	// PingInterval / PingTimeout override the edge's liveness cadence.
	PingInterval DurationString `yaml:"pingInterval,omitempty"`
	PingTimeout  DurationString `yaml:"pingTimeout,omitempty"`
}

// SetDefaults fills in zero-valued fields with their operational
// defaults, matching the magnitudes fixed by the tunnel protocol itself
// (§5).
func (c *Config) SetDefaults() {
	if c.RoutingID == "" {
		c.RoutingID = RoutingIDIdentity
	}
	if c.PingInterval == 0 {
		c.PingInterval = DurationString(10 * time.Second)
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = DurationString(10 * time.Second)
	}
	if c.Log == nil {
		c.Log = &LogConfig{}
	}
	if c.Log.Filename != "" {
		if c.Log.MaxSize == 0 {
			c.Log.MaxSize = 20
		}
		if c.Log.MaxBackups == 0 {
			c.Log.MaxBackups = 5
		}
		if c.Log.MaxAge == 0 {
			c.Log.MaxAge = 28
		}
	}
}

// Load reads and parses a YAML config file, applying defaults
// afterward. A zero-value *Config with defaults applied is returned when
// path is empty so callers never need a separate no-config branch.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := &Config{}
		cfg.SetDefaults()
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.SetDefaults()
	return &cfg, nil
}
