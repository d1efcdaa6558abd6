package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"time"
)

// Validate checks the configuration. It returns non-fatal warnings
// (configuration smells worth logging at startup) and a joined error
// for anything that must abort startup.
func (c *Config) Validate() ([]string, error) {
	var warnings []string
	var errs []error

	if c.HomeAssistant.URL == "" {
		errs = append(errs, errors.New("homeassistant.url is required"))
	} else if _, err := url.Parse(c.HomeAssistant.URL); err != nil {
		errs = append(errs, fmt.Errorf("homeassistant.url: %w", err))
	}
	if c.HomeAssistant.Token == "" {
		errs = append(errs, errors.New("homeassistant.access_token is required"))
	}
	switch c.HomeAssistant.Mode {
	case ModeWebSocket:
	case ModePolling:
		if c.HomeAssistant.Polling.IntervalSec <= 0 {
			errs = append(errs, errors.New("homeassistant.polling.interval_seconds must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("homeassistant.mode %q must be %q or %q",
			c.HomeAssistant.Mode, ModeWebSocket, ModePolling))
	}

	switch c.Filters.Mode {
	case FilterDenylist:
	case FilterAllowlist:
		if len(c.Filters.IncludeEntities) == 0 {
			warnings = append(warnings, "filter mode is allowlist but include_entities is empty; nothing will be ingested")
		}
	default:
		errs = append(errs, fmt.Errorf("filters.mode %q must be %q or %q",
			c.Filters.Mode, FilterDenylist, FilterAllowlist))
	}
	for _, p := range c.Filters.ExcludeEntityPatterns {
		if _, err := regexp.Compile("(?i)" + p); err != nil {
			errs = append(errs, fmt.Errorf("filters.exclude_entity_patterns: invalid pattern %q: %w", p, err))
		}
	}
	if len(c.Filters.ExcludeEntityPatterns) == 0 {
		warnings = append(warnings, "no exclude_entity_patterns configured; sensor-array devices bridged into the hub may create feedback loops (recommended: '[0-9a-f]{12}')")
	}

	def := c.Location.Default
	if def.Latitude == 0 && def.Longitude == 0 {
		warnings = append(warnings, "default location is (0, 0); readings without an explicit location will be rejected")
	}
	if !def.DeploymentType.Valid() {
		errs = append(errs, fmt.Errorf("location.default.deployment_type %q must be INDOOR, OUTDOOR or MIXED", def.DeploymentType))
	}
	for id, o := range c.Location.Overrides {
		if o.Latitude == nil || o.Longitude == nil {
			errs = append(errs, fmt.Errorf("location.overrides[%s]: latitude and longitude are required", id))
		}
		if o.DeploymentType != "" && !o.DeploymentType.Valid() {
			errs = append(errs, fmt.Errorf("location.overrides[%s].deployment_type %q must be INDOOR, OUTDOOR or MIXED", id, o.DeploymentType))
		}
		if len(o.NodeName) > MaxNodeNameLength {
			errs = append(errs, fmt.Errorf("location.overrides[%s].node_name exceeds %d characters", id, MaxNodeNameLength))
		}
	}

	switch c.Geocoding.Provider {
	case "none", "":
	case "nominatim":
		if c.Geocoding.URL == "" {
			errs = append(errs, errors.New("geocoding.url is required for the nominatim provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("geocoding.provider %q must be nominatim or none", c.Geocoding.Provider))
	}
	if c.Geocoding.CacheTTL != "" {
		if _, err := time.ParseDuration(c.Geocoding.CacheTTL); err != nil {
			errs = append(errs, fmt.Errorf("geocoding.cache_ttl: %w", err))
		}
	}

	if c.NodeName == "" {
		warnings = append(warnings, "no node_name configured; device IDs will use the 'ha_' prefix")
	} else if len(c.NodeName) > MaxNodeNameLength {
		errs = append(errs, fmt.Errorf("node_name exceeds %d characters", MaxNodeNameLength))
	}

	if !c.Output.MQTT.Configured() && !c.DryRun {
		errs = append(errs, errors.New("output.mqtt.broker is required"))
	}

	if !c.DisableDatabase {
		switch c.Database.Driver {
		case "sqlite3", "clickhouse":
		default:
			errs = append(errs, fmt.Errorf("database.driver %q must be sqlite3 or clickhouse", c.Database.Driver))
		}
		if c.Database.BatchSize <= 0 {
			errs = append(errs, errors.New("database.batch_size must be positive"))
		}
		if c.Database.FlushIntervalSec <= 0 {
			errs = append(errs, errors.New("database.flush_interval_seconds must be positive"))
		}
	}

	if _, err := ParseLogLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}

	return warnings, errors.Join(errs...)
}
