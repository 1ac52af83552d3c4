package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/miekg/dns"
	"gopkg.in/yaml.v3"

	"github.com/NodePath81/netprobe/internal/probe"
	"github.com/NodePath81/netprobe/internal/transport"
	"github.com/NodePath81/netprobe/internal/util"
)

const (
	DefaultServiceName = "Net probe service"

	defaultInterval    = 1 * time.Second
	defaultTimeout     = 1 * time.Second
	defaultHistoryLen  = 100
	defaultPrecision   = 1
	defaultPayloadSize = 56
	maxPayloadSize     = 65500
	maxPrecision       = 6

	defaultCompoundRule       = "all-down"
	defaultCompoundHistoryLen = 100

	defaultLogMaxSizeMB  = 10
	defaultLogMaxBackups = 5
	defaultLogMaxAgeDays = 14

	defaultControlAddr           = "127.0.0.1"
	defaultControlPort           = 8080
	defaultControlMetricsEnabled = true
	defaultControlRateLimit      = 10.0
	defaultControlRateBurst      = 20

	defaultMQTTPort           = 1883
	defaultMQTTTransport      = "tcp"
	defaultDiscoveryPrefix    = "homeassistant"
	defaultMinHistoryFill     = 40.0
	defaultMQTTConnectTimeout = 10 * time.Second

	defaultRedisChannel   = "netprobe"
	defaultRedisKeyPrefix = "netprobe:"
	defaultRedisTTL       = 60 * time.Second

	defaultSQLiteRetention = 24 * time.Hour

	defaultPublishTimeout = 5 * time.Second
)

// Duration accepts numeric seconds (1, 0.5) or Go duration strings ("1.5s").
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
	Service  ServiceConfig    `yaml:"service"`
	Control  ControlConfig    `yaml:"control"`
	Publish  PublishConfig    `yaml:"publish"`
	GeoIP    GeoIPConfig      `yaml:"geoip"`
	Probes   ProbesConfig     `yaml:"probes"`
	Compound []CompoundConfig `yaml:"compound"`
}

type ServiceConfig struct {
	ID   string    `yaml:"id"`
	Name string    `yaml:"name"`
	Log  LogConfig `yaml:"log"`
	// LogLevel is the flat form of log.level.
	LogLevel string `yaml:"log_level"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

func (l LogConfig) Options() util.LogOptions {
	return util.LogOptions{
		Level:      l.Level,
		Format:     l.Format,
		File:       l.File,
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAgeDays: l.MaxAgeDays,
	}
}

type ControlConfig struct {
	Enabled   bool                 `yaml:"enabled"`
	BindAddr  string               `yaml:"bind_addr"`
	BindPort  int                  `yaml:"bind_port"`
	AuthToken string               `yaml:"auth_token"`
	Metrics   ControlMetricsConfig `yaml:"metrics"`
	// RateLimit is the sustained request rate per client, in requests per
	// second. Burst bounds short spikes.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

type ControlMetricsConfig struct {
	Enabled *bool `yaml:"enabled"`
}

func (m ControlMetricsConfig) IsEnabled() bool {
	return util.BoolValue(m.Enabled, defaultControlMetricsEnabled)
}

type PublishConfig struct {
	Timeout Duration          `yaml:"timeout"`
	Log     *LogPublishConfig `yaml:"log"`
	MQTT    *MQTTConfig       `yaml:"mqtt"`
	Redis   *RedisConfig      `yaml:"redis"`
	SQLite  *SQLiteConfig     `yaml:"sqlite"`
}

type LogPublishConfig struct {
	Level string `yaml:"level"`
}

type MQTTConfig struct {
	Host            string   `yaml:"host"`
	Port            int      `yaml:"port"`
	Transport       string   `yaml:"transport"`
	Username        string   `yaml:"username"`
	Password        string   `yaml:"password"`
	ConnectTimeout  Duration `yaml:"connect_timeout"`
	DiscoveryPrefix string   `yaml:"discovery_prefix"`
	MinHistoryFill  *float64 `yaml:"min_history_fill"`
}

type RedisConfig struct {
	Addr      string   `yaml:"addr"`
	Username  string   `yaml:"username"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	Channel   string   `yaml:"channel"`
	KeyPrefix string   `yaml:"key_prefix"`
	TTL       Duration `yaml:"ttl"`
}

type SQLiteConfig struct {
	Path      string    `yaml:"path"`
	Retention *Duration `yaml:"retention"`
}

type GeoIPConfig struct {
	Database string `yaml:"database"`
}

type ProbesConfig struct {
	DNS  []DNSProbeConfig  `yaml:"dns"`
	ICMP []ICMPProbeConfig `yaml:"icmp"`
	// Ping is an alias of ICMP kept for older configuration files.
	Ping []ICMPProbeConfig `yaml:"ping"`
}

// ProbeConfig holds the settings shared by every leaf probe.
type ProbeConfig struct {
	Name       string   `yaml:"name"`
	Target     string   `yaml:"target"`
	Interval   Duration `yaml:"interval"`
	Timeout    Duration `yaml:"timeout"`
	HistoryLen *int     `yaml:"history_len"`
	Precision  *int     `yaml:"publish_precision"`
	Interface  string   `yaml:"interface"`
}

type DNSProbeConfig struct {
	ProbeConfig `yaml:",inline"`
	QueryNames  []string `yaml:"query_names"`
}

type ICMPProbeConfig struct {
	ProbeConfig `yaml:",inline"`
	PayloadSize *int  `yaml:"payload_size"`
	Privileged  *bool `yaml:"privileged"`
}

type CompoundConfig struct {
	Name       string     `yaml:"name"`
	Rule       string     `yaml:"rule"`
	Interval   Duration   `yaml:"interval"`
	HistoryLen *int       `yaml:"history_len"`
	Precision  *int       `yaml:"publish_precision"`
	Probes     []ChildRef `yaml:"probes"`
}

// ChildRef names a leaf probe. "ping" is accepted for icmp.
type ChildRef struct {
	Kind string `yaml:"kind"`
	Name string `yaml:"name"`
}

func (r ChildRef) Identity() probe.Identity {
	return probe.Identity{Kind: probe.Kind(r.Kind), Name: r.Name}
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

// Leaves returns every configured leaf identity in declaration order.
func (c Config) Leaves() []probe.Identity {
	out := make([]probe.Identity, 0, len(c.Probes.DNS)+len(c.Probes.ICMP))
	for _, p := range c.Probes.DNS {
		out = append(out, probe.Identity{Kind: probe.KindDNS, Name: p.Name})
	}
	for _, p := range c.Probes.ICMP {
		out = append(out, probe.Identity{Kind: probe.KindICMP, Name: p.Name})
	}
	return out
}

func (c *Config) setDefaults() {
	if c.Service.ID == "" {
		if host, err := os.Hostname(); err == nil {
			c.Service.ID = host
		}
	}
	if c.Service.Name == "" {
		c.Service.Name = DefaultServiceName
	}
	if c.Service.Log.Level == "" {
		c.Service.Log.Level = c.Service.LogLevel
	}
	if c.Service.Log.MaxSizeMB == 0 {
		c.Service.Log.MaxSizeMB = defaultLogMaxSizeMB
	}
	if c.Service.Log.MaxBackups == 0 {
		c.Service.Log.MaxBackups = defaultLogMaxBackups
	}
	if c.Service.Log.MaxAgeDays == 0 {
		c.Service.Log.MaxAgeDays = defaultLogMaxAgeDays
	}

	if c.Control.BindAddr == "" {
		c.Control.BindAddr = defaultControlAddr
	}
	if c.Control.BindPort == 0 {
		c.Control.BindPort = defaultControlPort
	}
	if c.Control.Metrics.Enabled == nil {
		enabled := defaultControlMetricsEnabled
		c.Control.Metrics.Enabled = &enabled
	}
	if c.Control.RateLimit == 0 {
		c.Control.RateLimit = defaultControlRateLimit
	}
	if c.Control.RateBurst == 0 {
		c.Control.RateBurst = defaultControlRateBurst
	}

	if c.Publish.Timeout == 0 {
		c.Publish.Timeout = Duration(defaultPublishTimeout)
	}
	if m := c.Publish.MQTT; m != nil {
		if m.Port == 0 {
			m.Port = defaultMQTTPort
		}
		if m.Transport == "" {
			m.Transport = defaultMQTTTransport
		}
		if m.ConnectTimeout == 0 {
			m.ConnectTimeout = Duration(defaultMQTTConnectTimeout)
		}
		if m.DiscoveryPrefix == "" {
			m.DiscoveryPrefix = defaultDiscoveryPrefix
		}
		if m.MinHistoryFill == nil {
			fill := defaultMinHistoryFill
			m.MinHistoryFill = &fill
		}
	}
	if r := c.Publish.Redis; r != nil {
		if r.Channel == "" {
			r.Channel = defaultRedisChannel
		}
		if r.KeyPrefix == "" {
			r.KeyPrefix = defaultRedisKeyPrefix
		}
		if r.TTL == 0 {
			r.TTL = Duration(defaultRedisTTL)
		}
	}
	if s := c.Publish.SQLite; s != nil && s.Retention == nil {
		retention := Duration(defaultSQLiteRetention)
		s.Retention = &retention
	}

	if len(c.Probes.Ping) > 0 {
		c.Probes.ICMP = append(c.Probes.ICMP, c.Probes.Ping...)
		c.Probes.Ping = nil
	}
	for i := range c.Probes.DNS {
		p := &c.Probes.DNS[i]
		setProbeDefaults(&p.ProbeConfig)
		if len(p.QueryNames) == 0 {
			p.QueryNames = append([]string(nil), transport.DefaultQueryNames...)
		}
	}
	for i := range c.Probes.ICMP {
		p := &c.Probes.ICMP[i]
		setProbeDefaults(&p.ProbeConfig)
		if p.PayloadSize == nil {
			size := defaultPayloadSize
			p.PayloadSize = &size
		}
		if p.Privileged == nil {
			privileged := false
			p.Privileged = &privileged
		}
	}
	for i := range c.Compound {
		cc := &c.Compound[i]
		cc.Name = strings.TrimSpace(cc.Name)
		if cc.Rule == "" {
			cc.Rule = defaultCompoundRule
		}
		if cc.HistoryLen == nil {
			n := defaultCompoundHistoryLen
			cc.HistoryLen = &n
		}
		if cc.Precision == nil {
			n := defaultPrecision
			cc.Precision = &n
		}
		for j := range cc.Probes {
			ref := &cc.Probes[j]
			ref.Kind = strings.ToLower(strings.TrimSpace(ref.Kind))
			if ref.Kind == "ping" {
				ref.Kind = string(probe.KindICMP)
			}
			ref.Name = strings.TrimSpace(ref.Name)
		}
	}
}

func setProbeDefaults(p *ProbeConfig) {
	p.Name = strings.TrimSpace(p.Name)
	p.Target = strings.TrimSpace(p.Target)
	if p.Interval == 0 {
		p.Interval = Duration(defaultInterval)
	}
	if p.Timeout == 0 {
		p.Timeout = Duration(defaultTimeout)
	}
	if p.HistoryLen == nil {
		n := defaultHistoryLen
		p.HistoryLen = &n
	}
	if p.Precision == nil {
		n := defaultPrecision
		p.Precision = &n
	}
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Service.ID) == "" {
		return errors.New("service.id must not be empty")
	}
	if _, err := util.ParseLevel(c.Service.Log.Level); err != nil {
		return fmt.Errorf("service.log.level: %w", err)
	}
	switch strings.ToLower(c.Service.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("service.log.format must be text or json")
	}
	if c.Service.Log.MaxSizeMB < 0 || c.Service.Log.MaxBackups < 0 || c.Service.Log.MaxAgeDays < 0 {
		return errors.New("service.log rotation settings must be >= 0")
	}

	if c.Control.Enabled {
		if c.Control.AuthToken == "" {
			return errors.New("control.auth_token must not be empty")
		}
		if c.Control.BindPort <= 0 || c.Control.BindPort > 65535 {
			return errors.New("control.bind_port must be in 1..65535")
		}
		if c.Control.RateLimit < 0 || c.Control.RateBurst < 0 {
			return errors.New("control.rate_limit and rate_burst must be >= 0")
		}
	}

	if err := c.validatePublish(); err != nil {
		return err
	}

	if len(c.Probes.DNS) == 0 && len(c.Probes.ICMP) == 0 {
		return errors.New("probes must define at least one dns or icmp probe")
	}
	leaves := make(map[probe.Identity]struct{})
	for i, p := range c.Probes.DNS {
		path := fmt.Sprintf("probes.dns[%d]", i)
		if err := validateProbe(path, p.ProbeConfig); err != nil {
			return err
		}
		id := probe.Identity{Kind: probe.KindDNS, Name: p.Name}
		if _, ok := leaves[id]; ok {
			return fmt.Errorf("duplicate dns probe name: %s", p.Name)
		}
		leaves[id] = struct{}{}
		for j, name := range p.QueryNames {
			if _, ok := dns.IsDomainName(name); !ok || strings.TrimSpace(name) == "" {
				return fmt.Errorf("%s.query_names[%d]: invalid domain name %q", path, j, name)
			}
		}
	}
	for i, p := range c.Probes.ICMP {
		path := fmt.Sprintf("probes.icmp[%d]", i)
		if err := validateProbe(path, p.ProbeConfig); err != nil {
			return err
		}
		id := probe.Identity{Kind: probe.KindICMP, Name: p.Name}
		if _, ok := leaves[id]; ok {
			return fmt.Errorf("duplicate icmp probe name: %s", p.Name)
		}
		leaves[id] = struct{}{}
		if size := util.IntValue(p.PayloadSize, defaultPayloadSize); size < 0 || size > maxPayloadSize {
			return fmt.Errorf("%s.payload_size must be in 0..%d", path, maxPayloadSize)
		}
	}

	seenCompound := make(map[string]struct{}, len(c.Compound))
	for i, cc := range c.Compound {
		path := fmt.Sprintf("compound[%d]", i)
		if cc.Name == "" {
			return fmt.Errorf("%s.name must not be empty", path)
		}
		if _, ok := seenCompound[cc.Name]; ok {
			return fmt.Errorf("duplicate compound name: %s", cc.Name)
		}
		seenCompound[cc.Name] = struct{}{}
		if _, err := probe.LookupRule(cc.Rule); err != nil {
			return fmt.Errorf("compound[%s].rule: %w", cc.Name, err)
		}
		if cc.Interval.Duration() < 0 {
			return fmt.Errorf("compound[%s].interval must be >= 0", cc.Name)
		}
		if util.IntValue(cc.HistoryLen, defaultCompoundHistoryLen) < 1 {
			return fmt.Errorf("compound[%s].history_len must be >= 1", cc.Name)
		}
		if p := util.IntValue(cc.Precision, defaultPrecision); p < 0 || p > maxPrecision {
			return fmt.Errorf("compound[%s].publish_precision must be in 0..%d", cc.Name, maxPrecision)
		}
		if len(cc.Probes) == 0 {
			return fmt.Errorf("compound[%s].probes must not be empty", cc.Name)
		}
		seenChild := make(map[probe.Identity]struct{}, len(cc.Probes))
		for _, ref := range cc.Probes {
			kind, err := probe.ParseKind(ref.Kind)
			if err != nil || kind == probe.KindCompound {
				return fmt.Errorf("compound[%s]: probe kind must be dns or icmp, got %q", cc.Name, ref.Kind)
			}
			id := ref.Identity()
			if _, ok := leaves[id]; !ok {
				return fmt.Errorf("%s probe %s used by %s not found", ref.Kind, ref.Name, cc.Name)
			}
			if _, ok := seenChild[id]; ok {
				return fmt.Errorf("compound[%s]: probe %s listed twice", cc.Name, id)
			}
			seenChild[id] = struct{}{}
		}
	}
	return nil
}

func validateProbe(path string, p ProbeConfig) error {
	if p.Name == "" {
		return fmt.Errorf("%s.name must not be empty", path)
	}
	if strings.Contains(p.Name, "/") {
		return fmt.Errorf("%s.name must not contain '/'", path)
	}
	if p.Target == "" {
		return fmt.Errorf("%s.target must not be empty", path)
	}
	if p.Interval.Duration() <= 0 {
		return fmt.Errorf("%s.interval must be > 0", path)
	}
	if p.Timeout.Duration() <= 0 {
		return fmt.Errorf("%s.timeout must be > 0", path)
	}
	if util.IntValue(p.HistoryLen, defaultHistoryLen) < 1 {
		return fmt.Errorf("%s.history_len must be >= 1", path)
	}
	if n := util.IntValue(p.Precision, defaultPrecision); n < 0 || n > maxPrecision {
		return fmt.Errorf("%s.publish_precision must be in 0..%d", path, maxPrecision)
	}
	return nil
}

func (c *Config) validatePublish() error {
	if c.Publish.Timeout.Duration() <= 0 {
		return errors.New("publish.timeout must be > 0")
	}
	if l := c.Publish.Log; l != nil {
		if _, err := util.ParseLevel(l.Level); err != nil {
			return fmt.Errorf("publish.log.level: %w", err)
		}
	}
	if m := c.Publish.MQTT; m != nil {
		if strings.TrimSpace(m.Host) == "" {
			return errors.New("publish.mqtt.host must not be empty")
		}
		if m.Port <= 0 || m.Port > 65535 {
			return errors.New("publish.mqtt.port must be in 1..65535")
		}
		if m.Transport != "tcp" && m.Transport != "websockets" {
			return errors.New("publish.mqtt.transport must be tcp or websockets")
		}
		if m.ConnectTimeout.Duration() <= 0 {
			return errors.New("publish.mqtt.connect_timeout must be > 0")
		}
		if fill := *m.MinHistoryFill; fill < 0 || fill > 100 {
			return errors.New("publish.mqtt.min_history_fill must be in 0..100")
		}
	}
	if r := c.Publish.Redis; r != nil {
		if strings.TrimSpace(r.Addr) == "" {
			return errors.New("publish.redis.addr must not be empty")
		}
		if r.DB < 0 {
			return errors.New("publish.redis.db must be >= 0")
		}
		if r.TTL.Duration() <= 0 {
			return errors.New("publish.redis.ttl must be > 0")
		}
	}
	if s := c.Publish.SQLite; s != nil {
		if strings.TrimSpace(s.Path) == "" {
			return errors.New("publish.sqlite.path must not be empty")
		}
		if s.Retention.Duration() < 0 {
			return errors.New("publish.sqlite.retention must be >= 0")
		}
	}
	return nil
}
