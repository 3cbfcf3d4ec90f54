// Package config handles habridge configuration loading.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/habridge/config.yaml, /etc/habridge/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "habridge", "config.yaml"))
	}

	paths = append(paths, "/etc/habridge/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all habridge configuration.
type Config struct {
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`

	// AreaEntityMap maps capability type (light, climate, cover) to area
	// label to one or more entity ids. It is the last fallback when an
	// area cannot be resolved against live Home Assistant areas.
	AreaEntityMap map[string]map[string]EntityList `yaml:"area_entity_map"`

	Audit        AuditConfig        `yaml:"audit"`
	ClimateRetry ClimateRetryConfig `yaml:"climate_retry"`
	OpLog        OpLogConfig        `yaml:"oplog"`
	MQTT         MQTTConfig         `yaml:"mqtt"`

	DataDir   string `yaml:"data_dir"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text (default) or json
}

// HomeAssistantConfig defines HA connection settings.
type HomeAssistantConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`

	// Timeout bounds service calls and registry session commands.
	Timeout time.Duration `yaml:"timeout"`
	// ContextTimeout bounds read-only discovery calls.
	ContextTimeout time.Duration `yaml:"context_timeout"`
}

// AuditConfig tunes the area audit.
type AuditConfig struct {
	// IgnorePrefixes are entity id prefixes for infrastructure devices
	// (bridge permit-join switches and the like) that are never placed
	// in an area.
	IgnorePrefixes []string `yaml:"ignore_prefixes"`
	// DefaultDomains are scanned when a request names no domains.
	DefaultDomains []string `yaml:"default_domains"`
}

// ClimateRetryConfig controls the turn_on-then-retry behaviour for
// set_temperature calls.
type ClimateRetryConfig struct {
	Delay time.Duration `yaml:"delay"`
}

// OpLogConfig controls the operation log sink.
type OpLogConfig struct {
	// Buffer is the number of events held in memory before new events
	// are dropped.
	Buffer int `yaml:"buffer"`
	// DBPath overrides the SQLite file (default: <data_dir>/oplog.db).
	DBPath string `yaml:"db_path"`
}

// MQTTConfig enables forwarding operation log events to a broker.
type MQTTConfig struct {
	Broker   string `yaml:"broker"` // e.g. mqtt://broker.local:1883
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
}

// Configured reports whether an MQTT broker is set.
func (m MQTTConfig) Configured() bool {
	return m.Broker != ""
}

// EntityList is one or more entity ids. In YAML it may be written as a
// scalar ("light.study" or "light.a, light.b") or as a sequence.
type EntityList []string

// UnmarshalYAML accepts both scalar and sequence forms.
func (l *EntityList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*l = splitEntityIDs(value.Value)
		return nil
	case yaml.SequenceNode:
		var raw []string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		var out []string
		for _, r := range raw {
			out = append(out, splitEntityIDs(r)...)
		}
		*l = out
		return nil
	default:
		return fmt.Errorf("entity list: unexpected YAML node kind %d", value.Kind)
	}
}

func splitEntityIDs(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Load reads configuration from a YAML file. ${VAR} references are
// expanded from the environment before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.HomeAssistant.URL == "" {
		c.HomeAssistant.URL = "http://homeassistant.local:8123"
	}
	c.HomeAssistant.URL = strings.TrimRight(strings.TrimSpace(c.HomeAssistant.URL), "/")
	c.HomeAssistant.Token = strings.TrimSpace(c.HomeAssistant.Token)
	if c.HomeAssistant.Timeout == 0 {
		c.HomeAssistant.Timeout = 6 * time.Second
	}
	if c.HomeAssistant.ContextTimeout == 0 {
		c.HomeAssistant.ContextTimeout = 8 * time.Second
	}
	if c.AreaEntityMap == nil {
		c.AreaEntityMap = defaultAreaEntityMap()
	}
	if c.Audit.IgnorePrefixes == nil {
		c.Audit.IgnorePrefixes = []string{
			"switch.zigbee2mqtt_bridge",
			"select.zigbee2mqtt_bridge",
			"button.zigbee2mqtt_bridge",
			"light.zigbee2mqtt_bridge",
		}
	}
	if len(c.Audit.DefaultDomains) == 0 {
		c.Audit.DefaultDomains = []string{"light", "switch", "climate", "cover", "fan"}
	}
	if c.ClimateRetry.Delay == 0 {
		c.ClimateRetry.Delay = 1500 * time.Millisecond
	}
	if c.OpLog.Buffer <= 0 {
		c.OpLog.Buffer = 5000
	}
	if c.DataDir == "" {
		c.DataDir = "./db"
	}
	if c.OpLog.DBPath == "" {
		c.OpLog.DBPath = filepath.Join(c.DataDir, "oplog.db")
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = "habridge/oplog"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "habridge"
	}
}

func defaultAreaEntityMap() map[string]map[string]EntityList {
	return map[string]map[string]EntityList{
		"light": {
			"living_room": {"light.living_room"},
			"bedroom":     {"light.bedroom"},
			"study":       {"light.study"},
		},
		"climate": {
			"living_room": {"climate.living_room_ac"},
			"bedroom":     {"climate.bedroom_ac"},
			"study":       {"climate.study_ac"},
		},
		"cover": {
			"living_room": {"cover.living_room"},
			"bedroom":     {"cover.bedroom"},
			"study":       {"cover.study"},
		},
	}
}

// Validate checks for values that would make every remote call fail.
// A missing token is not an error here: operations report it uniformly
// at call time.
func (c *Config) Validate() error {
	u, err := url.Parse(c.HomeAssistant.URL)
	if err != nil {
		return fmt.Errorf("homeassistant.url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("homeassistant.url: scheme must be http or https, got %q", u.Scheme)
	}
	if c.HomeAssistant.Timeout < 0 || c.HomeAssistant.ContextTimeout < 0 {
		return fmt.Errorf("homeassistant timeouts must be positive")
	}
	if c.ClimateRetry.Delay < 0 {
		return fmt.Errorf("climate_retry.delay must not be negative")
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format: expected text or json, got %q", c.LogFormat)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}
