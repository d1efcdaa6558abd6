// Package config handles ingester configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first, then the
// CONFIG_PATH environment variable, then these locations in order.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml", filepath.Join("config", "config.yaml")}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "wesense", "ha-ingester.yaml"))
	}

	paths = append(paths, "/etc/wesense/ha-ingester.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise CONFIG_PATH is tried, then DefaultSearchPaths in order.
func FindConfig(explicit string) (string, error) {
	if explicit == "" {
		explicit = os.Getenv("CONFIG_PATH")
	}
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

// Hub update modes.
const (
	ModeWebSocket = "websocket"
	ModePolling   = "polling"
)

// Filter modes.
const (
	FilterDenylist  = "denylist"
	FilterAllowlist = "allowlist"
)

// MaxNodeNameLength bounds the node name, which prefixes every device ID.
const MaxNodeNameLength = 24

// DeploymentType classifies where a sensor physically sits.
type DeploymentType string

// Valid deployment types, matching the purpose-built sensor arrays.
const (
	DeploymentIndoor  DeploymentType = "INDOOR"
	DeploymentOutdoor DeploymentType = "OUTDOOR"
	DeploymentMixed   DeploymentType = "MIXED"
)

// Valid reports whether d is one of the three known deployment types.
func (d DeploymentType) Valid() bool {
	switch d {
	case DeploymentIndoor, DeploymentOutdoor, DeploymentMixed:
		return true
	}
	return false
}

// Config holds all ingester configuration.
type Config struct {
	HomeAssistant   HomeAssistantConfig `yaml:"homeassistant"`
	Filters         FilterConfig        `yaml:"filters"`
	Location        LocationConfig      `yaml:"location"`
	Geocoding       GeocodingConfig     `yaml:"geocoding"`
	Output          OutputConfig        `yaml:"output"`
	Database        DatabaseConfig      `yaml:"database"`
	Metrics         MetricsConfig       `yaml:"metrics"`
	Logging         LoggingConfig       `yaml:"logging"`
	DataDir         string              `yaml:"data_dir"`
	NodeName        string              `yaml:"node_name"`
	DryRun          bool                `yaml:"dry_run"`
	DisableDatabase bool                `yaml:"disable_database"`
}

// HomeAssistantConfig defines hub connection settings.
type HomeAssistantConfig struct {
	URL     string        `yaml:"url"`
	Token   string        `yaml:"access_token"`
	Mode    string        `yaml:"mode"` // websocket or polling
	Polling PollingConfig `yaml:"polling"`
}

// PollingConfig controls REST polling mode.
type PollingConfig struct {
	IntervalSec int `yaml:"interval_seconds"`
}

// Interval returns the polling interval as a duration.
func (p PollingConfig) Interval() time.Duration {
	return time.Duration(p.IntervalSec) * time.Second
}

// FilterConfig defines which entities are admitted into the pipeline.
type FilterConfig struct {
	Mode                  string   `yaml:"mode"`
	IncludeDomains        []string `yaml:"include_domains"`
	IncludeDeviceClasses  []string `yaml:"include_device_classes"`
	ExcludeEntityPatterns []string `yaml:"exclude_entity_patterns"`
	ExcludeIntegrations   []string `yaml:"exclude_integrations"`
	ExcludeManufacturers  []string `yaml:"exclude_manufacturers"`
	ExcludeEntities       []string `yaml:"exclude_entities"`
	IncludeEntities       []string `yaml:"include_entities"`
}

// LocationConfig holds the default location and per-entity overrides.
type LocationConfig struct {
	Default   LocationDefault             `yaml:"default"`
	Overrides map[string]LocationOverride `yaml:"overrides"`
}

// LocationDefault is applied to every entity without an override.
type LocationDefault struct {
	Latitude        float64        `yaml:"latitude"`
	Longitude       float64        `yaml:"longitude"`
	Altitude        float64        `yaml:"altitude"` // metres above sea level
	CountryCode     string         `yaml:"country_code"`
	SubdivisionCode string         `yaml:"subdivision_code"`
	DeploymentType  DeploymentType `yaml:"deployment_type"`
}

// LocationOverride replaces the default location for one entity.
// Latitude and longitude are required; every other field falls back
// independently to the default (or to reverse geocoding).
type LocationOverride struct {
	Latitude        *float64       `yaml:"latitude"`
	Longitude       *float64       `yaml:"longitude"`
	Altitude        *float64       `yaml:"altitude"`
	CountryCode     string         `yaml:"country_code"`
	SubdivisionCode string         `yaml:"subdivision_code"`
	DeploymentType  DeploymentType `yaml:"deployment_type"`
	NodeName        string         `yaml:"node_name"`
}

// GeocodingConfig controls reverse geocoding of coordinates to
// country and subdivision codes.
type GeocodingConfig struct {
	Provider  string `yaml:"provider"` // nominatim or none
	URL       string `yaml:"url"`
	TimeoutMS int    `yaml:"timeout_ms"`
	CacheTTL  string `yaml:"cache_ttl"`
	CacheSize int    `yaml:"cache_size"`
	Precision int    `yaml:"precision"` // decimal places used for the cache key
}

// Timeout returns the per-lookup timeout.
func (g GeocodingConfig) Timeout() time.Duration {
	return time.Duration(g.TimeoutMS) * time.Millisecond
}

// TTL returns the parsed cache TTL, or 24h when unset. Validate
// rejects unparseable values.
func (g GeocodingConfig) TTL() time.Duration {
	d, err := time.ParseDuration(g.CacheTTL)
	if err != nil || d <= 0 {
		return 24 * time.Hour
	}
	return d
}

// OutputConfig groups downstream publishers.
type OutputConfig struct {
	MQTT MQTTConfig `yaml:"mqtt"`
}

// MQTTConfig defines the message bus connection.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // mqtt://host:1883, mqtts://host:8883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// Configured reports whether a broker is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// DatabaseConfig defines the analytical database writer.
type DatabaseConfig struct {
	Driver           string `yaml:"driver"` // sqlite3 or clickhouse
	DSN              string `yaml:"dsn"`
	Table            string `yaml:"table"`
	BatchSize        int    `yaml:"batch_size"`
	FlushIntervalSec int    `yaml:"flush_interval_seconds"`
	CreateTable      bool   `yaml:"create_table"`
}

// FlushInterval returns the periodic flush interval.
func (d DatabaseConfig) FlushInterval() time.Duration {
	return time.Duration(d.FlushIntervalSec) * time.Second
}

// MetricsConfig enables the Prometheus/health HTTP endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen"` // e.g. ":9108"; empty disables
}

// LoggingConfig sets log verbosity and handler format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// Default returns a configuration populated with defaults. Load
// unmarshals the YAML file on top of it.
func Default() *Config {
	return &Config{
		HomeAssistant: HomeAssistantConfig{
			Mode:    ModeWebSocket,
			Polling: PollingConfig{IntervalSec: 60},
		},
		Filters: FilterConfig{
			Mode:           FilterDenylist,
			IncludeDomains: []string{"sensor", "binary_sensor"},
		},
		Location: LocationConfig{
			Default: LocationDefault{DeploymentType: DeploymentIndoor},
		},
		Geocoding: GeocodingConfig{
			Provider:  "nominatim",
			URL:       "https://nominatim.openstreetmap.org",
			TimeoutMS: 2000,
			CacheTTL:  "24h",
			CacheSize: 1024,
			Precision: 3,
		},
		Output: OutputConfig{
			MQTT: MQTTConfig{
				Broker:      "mqtt://localhost:1883",
				TopicPrefix: "wesense/decoded",
			},
		},
		Database: DatabaseConfig{
			Driver:           "sqlite3",
			DSN:              "",
			Table:            "sensor_readings",
			BatchSize:        100,
			FlushIntervalSec: 10,
			CreateTable:      true,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		DataDir: "./data",
	}
}

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded, then a small set of container-friendly
// environment overrides are applied on top.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyEnv()
	cfg.normalize()
	return cfg, nil
}

// applyEnv overlays environment variables used by container deployments.
func (c *Config) applyEnv() {
	if v := os.Getenv("HA_URL"); v != "" {
		c.HomeAssistant.URL = v
	}
	if v := os.Getenv("HA_ACCESS_TOKEN"); v != "" {
		c.HomeAssistant.Token = v
	}
	if v := os.Getenv("LOCAL_MQTT_BROKER"); v != "" {
		c.Output.MQTT.Broker = v
	}
	if v := os.Getenv("NODE_NAME"); v != "" {
		c.NodeName = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("DISABLE_DATABASE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.DisableDatabase = b
		} else if strings.EqualFold(v, "yes") {
			c.DisableDatabase = true
		}
	}
}

// normalize canonicalises case-insensitive fields so validation and
// the pipeline can compare them directly.
func (c *Config) normalize() {
	c.HomeAssistant.URL = strings.TrimRight(c.HomeAssistant.URL, "/")
	c.HomeAssistant.Mode = strings.ToLower(strings.TrimSpace(c.HomeAssistant.Mode))
	c.Filters.Mode = strings.ToLower(strings.TrimSpace(c.Filters.Mode))
	c.Location.Default.DeploymentType = normalizeDeployment(c.Location.Default.DeploymentType)
	if c.Location.Default.DeploymentType == "" {
		c.Location.Default.DeploymentType = DeploymentIndoor
	}
	for id, o := range c.Location.Overrides {
		o.DeploymentType = normalizeDeployment(o.DeploymentType)
		c.Location.Overrides[id] = o
	}
	c.Geocoding.Provider = strings.ToLower(strings.TrimSpace(c.Geocoding.Provider))
	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	if c.Database.DSN == "" && c.Database.Driver == "sqlite3" {
		c.Database.DSN = filepath.Join(c.DataDir, "readings.db")
	}
}

func normalizeDeployment(d DeploymentType) DeploymentType {
	return DeploymentType(strings.ToUpper(strings.TrimSpace(string(d))))
}
