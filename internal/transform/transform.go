// Package transform turns admitted hub states into normalized readings
// and derives the bus topic they are published on.
package transform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/wesense-earth/wesense-ingester-homeassistant/internal/catalog"
	"github.com/wesense-earth/wesense-ingester-homeassistant/internal/config"
	"github.com/wesense-earth/wesense-ingester-homeassistant/internal/homeassistant"
	"github.com/wesense-earth/wesense-ingester-homeassistant/internal/location"
)

var (
	// ErrNoReadingType means neither the device class, the entity id
	// nor the unit identified what the entity measures.
	ErrNoReadingType = errors.New("no reading type")

	// ErrNonNumericState means the state is not a number.
	ErrNonNumericState = errors.New("non-numeric state")
)

// Locator resolves reading locations. *location.Resolver satisfies it.
type Locator interface {
	Resolve(ctx context.Context, entityID string, st *homeassistant.State) location.Record
	Override(entityID string) (config.LocationOverride, bool)
}

var unsafeIDChars = regexp.MustCompile(`[^A-Za-z0-9_]`)

// timestampLayouts are the formats the hub has been seen to emit.
// Values without a zone are taken as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// Transformer builds readings. It holds one metadata snapshot and is
// rebuilt, not mutated, when the snapshot changes.
type Transformer struct {
	locator  Locator
	metadata *homeassistant.Metadata
	nodeName string
	now      func() time.Time
	logger   *slog.Logger

	fallbackOnce sync.Once
}

// Option configures a Transformer.
type Option func(*Transformer)

// WithClock replaces time.Now, used when a state carries no timestamp.
func WithClock(now func() time.Time) Option {
	return func(t *Transformer) { t.now = now }
}

// New creates a transformer. metadata may be nil.
func New(locator Locator, metadata *homeassistant.Metadata, nodeName string, logger *slog.Logger, opts ...Option) *Transformer {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transformer{
		locator:  locator,
		metadata: metadata,
		nodeName: nodeName,
		now:      time.Now,
		logger:   logger,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Transform converts a state into a reading. It fails only with
// ErrNoReadingType or ErrNonNumericState; nothing is built on failure.
func (t *Transformer) Transform(ctx context.Context, entityID string, st *homeassistant.State) (Reading, error) {
	deviceClass := st.DeviceClass()
	hubUnit := st.Unit()

	readingType, ok := ReadingType(entityID, deviceClass, hubUnit)
	if !ok {
		return Reading{}, fmt.Errorf("%s: %w", entityID, ErrNoReadingType)
	}

	value, ok := st.Value()
	if !ok {
		return Reading{}, fmt.Errorf("%s: %w", entityID, ErrNonNumericState)
	}

	unit := catalog.Unit(readingType)
	if hubUnit != "" && unit != "" && hubUnit != unit {
		value = catalog.Convert(value, hubUnit, unit)
	}
	if unit == "" {
		unit = hubUnit
	}
	value = math.Round(value*1e4) / 1e4

	ts := t.timestamp(st.Timestamp())
	loc := t.locator.Resolve(ctx, entityID, st)
	info := t.metadata.Lookup(entityID)
	nodeName := t.nodeNameFor(entityID)

	productLine := strings.ToUpper(info.Platform)
	if productLine == "" {
		productLine = DefaultProductLine
	}
	friendly := st.StringAttr(homeassistant.AttrFriendlyName)
	if friendly == "" {
		friendly = entityID
	}

	r := Reading{
		DeviceID:       t.deviceID(entityID, nodeName, info.DeviceID),
		NodeName:       nodeName,
		DataSource:     DataSource,
		Timestamp:      ts,
		Latitude:       loc.Latitude,
		Longitude:      loc.Longitude,
		Altitude:       loc.Altitude,
		Vendor:         info.Manufacturer,
		ProductLine:    productLine,
		DeviceType:     DeviceTypeSensor,
		DeploymentType: string(loc.DeploymentType),
		TransportType:  catalog.Transport(info.Platform),
		Measurements: []Measurement{{
			ReadingType:    readingType,
			ReadingTypeRaw: strings.ToUpper(readingType),
			Value:          value,
			Unit:           unit,
			SensorModel:    info.Model,
			Timestamp:      ts,
		}},
		CountryCode:     loc.CountryCode,
		SubdivisionCode: loc.SubdivisionCode,
		DeviceLocation:  info.AreaName,
		Meta: Meta{
			EntityID:       entityID,
			FriendlyName:   friendly,
			DeviceClass:    deviceClass,
			OriginalUnit:   hubUnit,
			LocationSource: loc.Source,
		},
	}

	t.logger.Log(ctx, config.LevelTrace, "transformed state",
		"entity_id", entityID,
		"device_id", r.DeviceID,
		"reading_type", readingType,
		"value", value,
		"unit", unit,
	)
	return r, nil
}

// ReadingType identifies what an entity measures: by device class,
// then by keywords in the entity id, then by the unit.
func ReadingType(entityID, deviceClass, unit string) (string, bool) {
	if rt, ok := catalog.ReadingType(deviceClass); ok {
		return rt, true
	}
	if rt, ok := catalog.InferFromEntityID(entityID); ok {
		return rt, true
	}
	return catalog.InferFromUnit(unit)
}

// ParseTimestamp parses a hub timestamp into unix seconds.
func ParseTimestamp(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.Unix(), true
		}
	}
	return 0, false
}

func (t *Transformer) timestamp(s string) int64 {
	if ts, ok := ParseTimestamp(s); ok {
		return ts
	}
	if s != "" {
		t.logger.Debug("unparseable state timestamp, using current time", "timestamp", s)
	}
	return t.now().Unix()
}

func (t *Transformer) nodeNameFor(entityID string) string {
	if o, ok := t.locator.Override(entityID); ok && o.NodeName != "" {
		return o.NodeName
	}
	return t.nodeName
}

// deviceID builds {node}_{device}. Entities of one physical device
// share an id when the registry knows the device.
func (t *Transformer) deviceID(entityID, nodeName, hubDeviceID string) string {
	suffix := hubDeviceID
	if suffix == "" {
		suffix = homeassistant.ObjectID(entityID)
	}
	suffix = Sanitize(suffix)

	if nodeName == "" {
		t.fallbackOnce.Do(func() {
			t.logger.Warn("no node_name configured, device ids use the ha_ prefix")
		})
		return "ha_" + suffix
	}
	return Sanitize(nodeName) + "_" + suffix
}

// Sanitize replaces every character outside [A-Za-z0-9_] with '_'.
func Sanitize(s string) string {
	return unsafeIDChars.ReplaceAllString(s, "_")
}
