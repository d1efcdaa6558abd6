package transform

import (
	"strings"

	"github.com/wesense-earth/wesense-ingester-homeassistant/internal/location"
)

// Fixed reading fields.
const (
	DataSource         = "HOMEASSISTANT"
	DeviceTypeSensor   = "SENSOR"
	DefaultProductLine = "HOMEASSISTANT"
)

// Reading is one normalized sensor reading. It is built fresh for each
// event and not modified afterwards.
type Reading struct {
	DeviceID        string        `json:"device_id"`
	NodeName        string        `json:"node_name"`
	DataSource      string        `json:"data_source"`
	Timestamp       int64         `json:"timestamp"`
	Latitude        float64       `json:"latitude"`
	Longitude       float64       `json:"longitude"`
	Altitude        float64       `json:"altitude"`
	Vendor          string        `json:"vendor"`
	ProductLine     string        `json:"product_line"`
	DeviceType      string        `json:"device_type"`
	DeploymentType  string        `json:"deployment_type"`
	TransportType   string        `json:"transport_type"`
	Measurements    []Measurement `json:"measurements"`
	CountryCode     string        `json:"country_code"`
	SubdivisionCode string        `json:"subdivision_code"`
	DeviceLocation  string        `json:"device_location"`

	// Meta never leaves the process.
	Meta Meta `json:"-"`
}

// Measurement is a single value within a reading.
type Measurement struct {
	ReadingType    string  `json:"reading_type"`
	ReadingTypeRaw string  `json:"reading_type_raw"`
	Value          float64 `json:"value"`
	Unit           string  `json:"unit"`
	SensorModel    string  `json:"sensor_model"`
	Timestamp      int64   `json:"timestamp"`
}

// Meta carries hub details used for logging and the database row.
type Meta struct {
	EntityID       string
	FriendlyName   string
	DeviceClass    string
	OriginalUnit   string
	LocationSource location.Source
}

// Primary returns the reading's single measurement.
func (r Reading) Primary() Measurement {
	if len(r.Measurements) == 0 {
		return Measurement{}
	}
	return r.Measurements[0]
}

// BuildTopic returns the bus topic for a reading:
// {prefix}/{data_source}/{country}/{subdivision}/{device_id}.
func BuildTopic(prefix string, r Reading) string {
	return strings.Join([]string{
		strings.TrimRight(prefix, "/"),
		strings.ToLower(r.DataSource),
		r.CountryCode,
		r.SubdivisionCode,
		r.DeviceID,
	}, "/")
}
