package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/NodePath81/nqprobe/internal/protocol"
	"github.com/NodePath81/nqprobe/internal/quality"
	"github.com/NodePath81/nqprobe/internal/util"
	"gopkg.in/yaml.v3"
)

const (
	defaultTransport   = protocol.KindICMP
	defaultCount       = 10
	defaultTimeout     = 1 * time.Second
	defaultInterval    = 200 * time.Millisecond
	defaultPayloadSize = 56
	defaultPort        = protocol.DefaultPort
	defaultPrivileged  = false

	defaultScheduleInterval = 60 * time.Second

	defaultControlEnabled        = true
	defaultControlAddr           = "127.0.0.1"
	defaultControlPort           = 8080
	defaultControlMetricsEnabled = true

	defaultLogLevel  = "info"
	defaultLogFormat = "text"

	maxTargets = 256

	DNSStrategyIPv4Only = "ipv4_only"
	DNSStrategyPreferV6 = "prefer_ipv6"
)

type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	switch value.Tag {
	case "!!int", "!!float":
		var secs float64
		if err := value.Decode(&secs); err != nil {
			return err
		}
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	default:
		var raw string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		if raw == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Hostname string         `yaml:"hostname"`
	Defaults ProbeConfig    `yaml:"defaults"`
	Targets  []TargetConfig `yaml:"targets"`
	Schedule ScheduleConfig `yaml:"schedule"`
	DNS      DNSConfig      `yaml:"dns"`
	GeoIP    GeoIPConfig    `yaml:"geoip"`
	Control  ControlConfig  `yaml:"control"`
	Log      LogConfig      `yaml:"log"`
}

// ProbeConfig holds per-session probe parameters. Used for the defaults
// section and, with unset fields inherited, for each target.
type ProbeConfig struct {
	Transport   string    `yaml:"transport"`
	Count       int       `yaml:"count"`
	Timeout     Duration  `yaml:"timeout"`
	Interval    *Duration `yaml:"interval"`
	PayloadSize Size      `yaml:"payload_size"`
	Port        int       `yaml:"port"`
	Privileged  *bool     `yaml:"privileged"`
	TOS         *int      `yaml:"tos"`
}

type TargetConfig struct {
	Name        string `yaml:"name"`
	Host        string `yaml:"host"`
	ProbeConfig `yaml:",inline"`
}

type ScheduleConfig struct {
	Interval     Duration `yaml:"interval"`
	StartupDelay Duration `yaml:"startup_delay"`
}

type DNSConfig struct {
	Servers  []string `yaml:"servers"`
	Strategy string   `yaml:"strategy"`
}

type GeoIPConfig struct {
	Database string `yaml:"database"`
}

type ControlConfig struct {
	Enabled   *bool                `yaml:"enabled"`
	BindAddr  string               `yaml:"bind_addr"`
	BindPort  int                  `yaml:"bind_port"`
	AuthToken string               `yaml:"auth_token"`
	Metrics   ControlMetricsConfig `yaml:"metrics"`
}

type ControlMetricsConfig struct {
	Enabled *bool `yaml:"enabled"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func (c ControlConfig) IsEnabled() bool {
	return util.Deref(c.Enabled, defaultControlEnabled)
}

func (m ControlMetricsConfig) IsEnabled() bool {
	return util.Deref(m.Enabled, defaultControlMetricsEnabled)
}

// IsPrivileged reports whether ICMP transports should open raw sockets.
func (p ProbeConfig) IsPrivileged() bool {
	return util.Deref(p.Privileged, defaultPrivileged)
}

// TOSValue returns the IP TOS / traffic class byte, zero when unset.
func (p ProbeConfig) TOSValue() int {
	return util.Deref(p.TOS, 0)
}

// IntervalDuration returns the pacing interval, zero when unset.
func (p ProbeConfig) IntervalDuration() time.Duration {
	if p.Interval == nil {
		return 0
	}
	return p.Interval.Duration()
}

// Session returns the engine configuration for a target.
func (t TargetConfig) Session() quality.Config {
	return quality.Config{
		Target:      t.Host,
		Count:       t.Count,
		Timeout:     t.Timeout.Duration(),
		Interval:    t.IntervalDuration(),
		PayloadSize: t.PayloadSize.Int(),
	}
}

// SessionConfig returns the merged engine configuration for a named target.
func (c Config) SessionConfig(name string) (quality.Config, error) {
	for _, t := range c.Targets {
		if t.Name == name {
			return t.Session(), nil
		}
	}
	return quality.Config{}, fmt.Errorf("unknown target: %s", name)
}

func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(raw)
}

// Parse decodes, defaults and validates a YAML document.
func Parse(raw []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, err
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultProbeConfig returns the built-in probe defaults.
func DefaultProbeConfig() ProbeConfig {
	var p ProbeConfig
	setProbeDefaults(&p)
	return p
}

func (c *Config) setDefaults() {
	setProbeDefaults(&c.Defaults)
	for i := range c.Targets {
		t := &c.Targets[i]
		t.Host = strings.TrimSpace(t.Host)
		if t.Name == "" {
			t.Name = t.Host
		}
		inheritProbeConfig(&t.ProbeConfig, c.Defaults)
	}

	if c.Schedule.Interval == 0 {
		c.Schedule.Interval = Duration(defaultScheduleInterval)
	}

	if c.Control.Enabled == nil {
		val := defaultControlEnabled
		c.Control.Enabled = &val
	}
	if c.Control.BindAddr == "" {
		c.Control.BindAddr = defaultControlAddr
	}
	if c.Control.BindPort == 0 {
		c.Control.BindPort = defaultControlPort
	}
	if c.Control.Metrics.Enabled == nil {
		val := defaultControlMetricsEnabled
		c.Control.Metrics.Enabled = &val
	}

	if c.Log.Level == "" {
		c.Log.Level = defaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = defaultLogFormat
	}
}

func setProbeDefaults(p *ProbeConfig) {
	p.Transport = strings.ToLower(strings.TrimSpace(p.Transport))
	if p.Transport == "" {
		p.Transport = defaultTransport
	}
	if p.Count == 0 {
		p.Count = defaultCount
	}
	if p.Timeout == 0 {
		p.Timeout = Duration(defaultTimeout)
	}
	if p.Interval == nil {
		val := Duration(defaultInterval)
		p.Interval = &val
	}
	if p.PayloadSize == 0 {
		p.PayloadSize = Size(defaultPayloadSize)
	}
	if p.Port == 0 {
		p.Port = defaultPort
	}
	if p.Privileged == nil {
		val := defaultPrivileged
		p.Privileged = &val
	}
}

func inheritProbeConfig(p *ProbeConfig, defaults ProbeConfig) {
	p.Transport = strings.ToLower(strings.TrimSpace(p.Transport))
	if p.Transport == "" {
		p.Transport = defaults.Transport
	}
	if p.Count == 0 {
		p.Count = defaults.Count
	}
	if p.Timeout == 0 {
		p.Timeout = defaults.Timeout
	}
	if p.Interval == nil {
		val := *defaults.Interval
		p.Interval = &val
	}
	if p.PayloadSize == 0 {
		p.PayloadSize = defaults.PayloadSize
	}
	if p.Port == 0 {
		p.Port = defaults.Port
	}
	if p.Privileged == nil {
		val := *defaults.Privileged
		p.Privileged = &val
	}
	if p.TOS == nil && defaults.TOS != nil {
		val := *defaults.TOS
		p.TOS = &val
	}
}

func (c *Config) validate() error {
	if err := validateProbeConfig("defaults", c.Defaults); err != nil {
		return err
	}
	if len(c.Targets) == 0 {
		return errors.New("targets must not be empty")
	}
	if len(c.Targets) > maxTargets {
		return fmt.Errorf("too many targets: %d (max %d)", len(c.Targets), maxTargets)
	}
	seen := make(map[string]struct{}, len(c.Targets))
	for _, t := range c.Targets {
		if t.Host == "" {
			return errors.New("targets.host must not be empty")
		}
		if _, ok := seen[t.Name]; ok {
			return fmt.Errorf("duplicate target name: %s", t.Name)
		}
		seen[t.Name] = struct{}{}
		if err := validateProbeConfig(fmt.Sprintf("targets[%s]", t.Name), t.ProbeConfig); err != nil {
			return err
		}
	}

	if c.Schedule.Interval.Duration() <= 0 {
		return errors.New("schedule.interval must be > 0")
	}
	if c.Schedule.StartupDelay.Duration() < 0 {
		return errors.New("schedule.startup_delay must be >= 0")
	}

	if c.DNS.Strategy != "" {
		c.DNS.Strategy = strings.ToLower(strings.TrimSpace(c.DNS.Strategy))
		if c.DNS.Strategy != DNSStrategyIPv4Only && c.DNS.Strategy != DNSStrategyPreferV6 {
			return errors.New("dns.strategy must be ipv4_only or prefer_ipv6")
		}
	}

	if c.Control.IsEnabled() {
		if c.Control.AuthToken == "" {
			return errors.New("control.auth_token must not be empty")
		}
		if c.Control.BindPort <= 0 || c.Control.BindPort > 65535 {
			return errors.New("control.bind_port must be in 1..65535")
		}
	}

	c.Log.Level = strings.ToLower(c.Log.Level)
	if _, err := util.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	c.Log.Format = strings.ToLower(c.Log.Format)
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return errors.New("log.format must be text or json")
	}
	return nil
}

func validateProbeConfig(path string, p ProbeConfig) error {
	if !slices.Contains(protocol.Kinds, p.Transport) {
		return fmt.Errorf("%s.transport must be one of %s", path, strings.Join(protocol.Kinds, ", "))
	}
	if p.Count <= 0 {
		return fmt.Errorf("%s.count must be > 0", path)
	}
	if p.Timeout.Duration() <= 0 {
		return fmt.Errorf("%s.timeout must be > 0", path)
	}
	if p.IntervalDuration() < 0 {
		return fmt.Errorf("%s.interval must be >= 0", path)
	}
	if p.PayloadSize <= 0 {
		return fmt.Errorf("%s.payload_size must be > 0", path)
	}
	if p.Port <= 0 || p.Port > 65535 {
		return fmt.Errorf("%s.port must be in 1..65535", path)
	}
	if tos := p.TOSValue(); tos < 0 || tos > 255 {
		return fmt.Errorf("%s.tos must be in 0..255", path)
	}
	return nil
}
