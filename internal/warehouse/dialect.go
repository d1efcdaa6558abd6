package warehouse

import (
	"fmt"
	"regexp"
	"strings"
)

// dialect covers the SQL differences between the supported drivers.
type dialect interface {
	createTable(table string) string
	insert(table string) string
	args(r Row) []any
}

var validTable = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case "sqlite3", "sqlite":
		return sqliteDialect{}, nil
	case "clickhouse":
		return clickhouseDialect{}, nil
	}
	return nil, fmt.Errorf("unsupported database driver %q", driver)
}

// sqliteDialect stores timestamps as unix seconds.
type sqliteDialect struct{}

func (sqliteDialect) createTable(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
		timestamp         INTEGER NOT NULL,
		device_id         TEXT NOT NULL,
		data_source       TEXT NOT NULL,
		network_source    TEXT NOT NULL,
		ingestion_node_id TEXT NOT NULL,
		reading_type      TEXT NOT NULL,
		value             REAL NOT NULL,
		unit              TEXT NOT NULL,
		latitude          REAL NOT NULL,
		longitude         REAL NOT NULL,
		altitude          REAL NOT NULL,
		geo_country       TEXT NOT NULL,
		geo_subdivision   TEXT NOT NULL,
		board_model       TEXT NOT NULL,
		deployment_type   TEXT NOT NULL,
		transport_type    TEXT NOT NULL,
		location_source   TEXT NOT NULL,
		node_name         TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_%[2]s_device_time ON %[1]s(device_id, timestamp);`,
		table, strings.ReplaceAll(table, ".", "_"))
}

func (sqliteDialect) insert(table string) string {
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(Columns)), ", ")
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(Columns, ", "), marks)
}

func (sqliteDialect) args(r Row) []any {
	return []any{
		r.Timestamp.Unix(), r.DeviceID, r.DataSource, r.NetworkSource, r.IngestionNodeID,
		r.ReadingType, r.Value, r.Unit, r.Latitude, r.Longitude, r.Altitude,
		r.GeoCountry, r.GeoSubdivision, r.BoardModel, r.DeploymentType,
		r.TransportType, r.LocationSource, r.NodeName,
	}
}

// clickhouseDialect batches through clickhouse-go's prepared INSERT,
// which takes the column list without a VALUES clause.
type clickhouseDialect struct{}

func (clickhouseDialect) createTable(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		timestamp         DateTime64(3, 'UTC'),
		device_id         LowCardinality(String),
		data_source       LowCardinality(String),
		network_source    LowCardinality(String),
		ingestion_node_id LowCardinality(String),
		reading_type      LowCardinality(String),
		value             Float64,
		unit              LowCardinality(String),
		latitude          Float64,
		longitude         Float64,
		altitude          Float64,
		geo_country       LowCardinality(String),
		geo_subdivision   LowCardinality(String),
		board_model       LowCardinality(String),
		deployment_type   LowCardinality(String),
		transport_type    LowCardinality(String),
		location_source   LowCardinality(String),
		node_name         LowCardinality(String)
	) ENGINE = MergeTree
	PARTITION BY toYYYYMM(timestamp)
	ORDER BY (device_id, reading_type, timestamp)`, table)
}

func (clickhouseDialect) insert(table string) string {
	return fmt.Sprintf("INSERT INTO %s (%s)", table, strings.Join(Columns, ", "))
}

func (clickhouseDialect) args(r Row) []any {
	return []any{
		r.Timestamp, r.DeviceID, r.DataSource, r.NetworkSource, r.IngestionNodeID,
		r.ReadingType, r.Value, r.Unit, r.Latitude, r.Longitude, r.Altitude,
		r.GeoCountry, r.GeoSubdivision, r.BoardModel, r.DeploymentType,
		r.TransportType, r.LocationSource, r.NodeName,
	}
}
