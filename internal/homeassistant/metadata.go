package homeassistant

import (
	"context"
	"fmt"
)

// RegistrySource lists the hub registries. *WSClient satisfies it.
type RegistrySource interface {
	GetEntityRegistry(ctx context.Context) ([]EntityRegistryEntry, error)
	GetDeviceRegistry(ctx context.Context) ([]DeviceRegistryEntry, error)
	GetAreaRegistry(ctx context.Context) ([]Area, error)
}

// Metadata is an immutable snapshot of the entity, device and area
// registries. A nil *Metadata means no registry data is available and
// every lookup returns the zero EntityInfo.
type Metadata struct {
	entities map[string]EntityRegistryEntry
	devices  map[string]DeviceRegistryEntry
	areas    map[string]Area
}

// EntityInfo is the registry view of one entity.
type EntityInfo struct {
	Platform     string
	DeviceID     string
	Manufacturer string
	Model        string
	AreaName     string
	DisabledBy   string
	HiddenBy     string
}

// NewMetadata indexes registry listings.
func NewMetadata(entities []EntityRegistryEntry, devices []DeviceRegistryEntry, areas []Area) *Metadata {
	m := &Metadata{
		entities: make(map[string]EntityRegistryEntry, len(entities)),
		devices:  make(map[string]DeviceRegistryEntry, len(devices)),
		areas:    make(map[string]Area, len(areas)),
	}
	for _, e := range entities {
		m.entities[e.EntityID] = e
	}
	for _, d := range devices {
		m.devices[d.ID] = d
	}
	for _, a := range areas {
		m.areas[a.AreaID] = a
	}
	return m
}

// LoadMetadata fetches all three registries. Any failure discards the
// partial result so callers never see a half-populated snapshot.
func LoadMetadata(ctx context.Context, src RegistrySource) (*Metadata, error) {
	entities, err := src.GetEntityRegistry(ctx)
	if err != nil {
		return nil, fmt.Errorf("load entity registry: %w", err)
	}
	devices, err := src.GetDeviceRegistry(ctx)
	if err != nil {
		return nil, fmt.Errorf("load device registry: %w", err)
	}
	areas, err := src.GetAreaRegistry(ctx)
	if err != nil {
		return nil, fmt.Errorf("load area registry: %w", err)
	}
	return NewMetadata(entities, devices, areas), nil
}

// Lookup joins an entity with its device and area. The entity's own
// area wins over its device's area.
func (m *Metadata) Lookup(entityID string) EntityInfo {
	if m == nil {
		return EntityInfo{}
	}
	e := m.entities[entityID]
	info := EntityInfo{
		Platform:   e.Platform,
		DeviceID:   e.DeviceID,
		DisabledBy: e.DisabledBy,
		HiddenBy:   e.HiddenBy,
	}
	areaID := e.AreaID
	if e.DeviceID != "" {
		if d, ok := m.devices[e.DeviceID]; ok {
			info.Manufacturer = d.Manufacturer
			info.Model = d.Model
			if areaID == "" {
				areaID = d.AreaID
			}
		}
	}
	if areaID != "" {
		info.AreaName = m.areas[areaID].Name
	}
	return info
}

// Counts reports how many entities, devices and areas were loaded.
func (m *Metadata) Counts() (entities, devices, areas int) {
	if m == nil {
		return 0, 0, 0
	}
	return len(m.entities), len(m.devices), len(m.areas)
}
