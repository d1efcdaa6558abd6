package warehouse

import (
	"time"

	"github.com/wesense-earth/wesense-ingester-homeassistant/internal/transform"
)

// Constant columns shared with the other WeSense writers.
const (
	NetworkSource  = "HOMEASSISTANT"
	LocationSource = "CONFIG"
)

// Columns is the fixed column order of the readings table.
var Columns = []string{
	"timestamp",
	"device_id",
	"data_source",
	"network_source",
	"ingestion_node_id",
	"reading_type",
	"value",
	"unit",
	"latitude",
	"longitude",
	"altitude",
	"geo_country",
	"geo_subdivision",
	"board_model",
	"deployment_type",
	"transport_type",
	"location_source",
	"node_name",
}

// Row is one database row, in Columns order.
type Row struct {
	Timestamp       time.Time
	DeviceID        string
	DataSource      string
	NetworkSource   string
	IngestionNodeID string
	ReadingType     string
	Value           float64
	Unit            string
	Latitude        float64
	Longitude       float64
	Altitude        float64
	GeoCountry      string
	GeoSubdivision  string
	BoardModel      string
	DeploymentType  string
	TransportType   string
	LocationSource  string
	NodeName        string
}

// RowFromReading flattens a reading's single measurement into a row.
// board_model carries the hub device class, which is what identifies
// the sensor kind across integrations.
func RowFromReading(r transform.Reading) Row {
	m := r.Primary()
	return Row{
		Timestamp:       time.Unix(r.Timestamp, 0).UTC(),
		DeviceID:        r.DeviceID,
		DataSource:      r.DataSource,
		NetworkSource:   NetworkSource,
		IngestionNodeID: r.NodeName,
		ReadingType:     m.ReadingType,
		Value:           m.Value,
		Unit:            m.Unit,
		Latitude:        r.Latitude,
		Longitude:       r.Longitude,
		Altitude:        r.Altitude,
		GeoCountry:      r.CountryCode,
		GeoSubdivision:  r.SubdivisionCode,
		BoardModel:      r.Meta.DeviceClass,
		DeploymentType:  r.DeploymentType,
		TransportType:   r.TransportType,
		LocationSource:  LocationSource,
		NodeName:        r.NodeName,
	}
}
