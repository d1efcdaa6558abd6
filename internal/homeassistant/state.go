package homeassistant

import (
	"math"
	"strconv"
	"strings"
)

// Sentinel values the hub reports in place of a reading.
const (
	StateUnknown     = "unknown"
	StateUnavailable = "unavailable"
)

// Attribute keys read by the ingester.
const (
	AttrDeviceClass       = "device_class"
	AttrUnitOfMeasurement = "unit_of_measurement"
	AttrFriendlyName      = "friendly_name"
	AttrLatitude          = "latitude"
	AttrLongitude         = "longitude"
	AttrAltitude          = "altitude"
)

// State is one entity state as reported by the REST API or carried in
// a state_changed event. Timestamps are kept as the raw strings the
// hub sent; their format varies between hub versions.
type State struct {
	EntityID     string         `json:"entity_id"`
	State        string         `json:"state"`
	Attributes   map[string]any `json:"attributes"`
	LastChanged  string         `json:"last_changed,omitempty"`
	LastReported string         `json:"last_reported,omitempty"`
	LastUpdated  string         `json:"last_updated,omitempty"`
}

// StateChange is a single change notification. Old is nil for a newly
// seen entity and New is nil when the entity was removed.
type StateChange struct {
	EntityID string
	Old      *State
	New      *State
}

// StringAttr returns a string attribute, or "" when it is missing or
// not a string.
func (s *State) StringAttr(key string) string {
	if s == nil {
		return ""
	}
	v, _ := s.Attributes[key].(string)
	return v
}

// FloatAttr returns a numeric attribute. Numbers and numeric strings
// are accepted.
func (s *State) FloatAttr(key string) (float64, bool) {
	if s == nil {
		return 0, false
	}
	switch v := s.Attributes[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case string:
		return ParseNumber(v)
	}
	return 0, false
}

// IsSentinel reports whether the state carries no reading: missing,
// "unknown" or "unavailable".
func (s *State) IsSentinel() bool {
	return s == nil || s.State == "" || s.State == StateUnknown || s.State == StateUnavailable
}

// Value parses the state as a finite number.
func (s *State) Value() (float64, bool) {
	if s == nil {
		return 0, false
	}
	return ParseNumber(s.State)
}

// ParseNumber parses a hub state string as a finite float. Surrounding
// whitespace is ignored; NaN and infinities are rejected because they
// cannot be published as JSON.
func ParseNumber(v string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// HasAttr reports whether the attribute key is present.
func (s *State) HasAttr(key string) bool {
	if s == nil {
		return false
	}
	_, ok := s.Attributes[key]
	return ok
}

// DeviceClass returns the device_class attribute.
func (s *State) DeviceClass() string { return s.StringAttr(AttrDeviceClass) }

// Unit returns the unit_of_measurement attribute.
func (s *State) Unit() string { return s.StringAttr(AttrUnitOfMeasurement) }

// Timestamp returns the most precise timestamp string available:
// last_reported, then last_changed, then last_updated.
func (s *State) Timestamp() string {
	if s == nil {
		return ""
	}
	for _, ts := range []string{s.LastReported, s.LastChanged, s.LastUpdated} {
		if ts != "" {
			return ts
		}
	}
	return ""
}

// Domain returns the part of an entity id before the first dot, or ""
// when there is no dot.
func Domain(entityID string) string {
	domain, _, ok := strings.Cut(entityID, ".")
	if !ok {
		return ""
	}
	return domain
}

// ObjectID returns the part of an entity id after the first dot, or
// the whole id when there is no dot.
func ObjectID(entityID string) string {
	if _, obj, ok := strings.Cut(entityID, "."); ok {
		return obj
	}
	return entityID
}
