// Package catalog holds the static tables that map hub device classes
// to canonical reading types, reading types to canonical units, and
// the unit conversions between them. Nothing here has state.
package catalog

import "strings"

// Canonical reading types.
const (
	Temperature            = "temperature"
	Humidity               = "humidity"
	Pressure               = "pressure"
	CO2                    = "co2"
	CO                     = "co"
	PM1                    = "pm1_0"
	PM25                   = "pm2_5"
	PM10                   = "pm10"
	VOC                    = "voc"
	NO2                    = "no2"
	O3                     = "o3"
	SO2                    = "so2"
	AQI                    = "aqi"
	LightLevel             = "light_level"
	BatteryLevel           = "battery_level"
	Voltage                = "voltage"
	Current                = "current"
	Power                  = "power"
	Energy                 = "energy"
	SoundLevel             = "sound_level"
	RSSI                   = "rssi"
	Distance               = "distance"
	Speed                  = "speed"
	WindSpeed              = "wind_speed"
	Precipitation          = "precipitation"
	PrecipitationIntensity = "precipitation_intensity"
)

var deviceClasses = map[string]string{
	"temperature":                Temperature,
	"humidity":                   Humidity,
	"pressure":                   Pressure,
	"atmospheric_pressure":       Pressure,
	"carbon_dioxide":             CO2,
	"carbon_monoxide":            CO,
	"pm1":                        PM1,
	"pm10":                       PM10,
	"pm25":                       PM25,
	"volatile_organic_compounds": VOC,
	"nitrogen_dioxide":           NO2,
	"ozone":                      O3,
	"aqi":                        AQI,
	"sulphur_dioxide":            SO2,
	"illuminance":                LightLevel,
	"battery":                    BatteryLevel,
	"voltage":                    Voltage,
	"current":                    Current,
	"power":                      Power,
	"energy":                     Energy,
	"sound_pressure":             SoundLevel,
	"signal_strength":            RSSI,
	"distance":                   Distance,
	"speed":                      Speed,
	"wind_speed":                 WindSpeed,
	"precipitation":              Precipitation,
	"precipitation_intensity":    PrecipitationIntensity,
}

var units = map[string]string{
	Temperature:            "°C",
	Humidity:               "%",
	Pressure:               "hPa",
	CO2:                    "ppm",
	CO:                     "ppm",
	PM1:                    "µg/m³",
	PM25:                   "µg/m³",
	PM10:                   "µg/m³",
	VOC:                    "index",
	NO2:                    "ppb",
	O3:                     "ppb",
	SO2:                    "ppb",
	AQI:                    "index",
	LightLevel:             "lux",
	BatteryLevel:           "%",
	Voltage:                "V",
	Current:                "A",
	Power:                  "W",
	Energy:                 "kWh",
	SoundLevel:             "dB",
	RSSI:                   "dBm",
	Distance:               "m",
	Speed:                  "m/s",
	WindSpeed:              "m/s",
	Precipitation:          "mm",
	PrecipitationIntensity: "mm/h",
}

// ReadingType maps a hub device class (any case) to its canonical
// reading type.
func ReadingType(deviceClass string) (string, bool) {
	if deviceClass == "" {
		return "", false
	}
	rt, ok := deviceClasses[strings.ToLower(deviceClass)]
	return rt, ok
}

// Unit returns the canonical unit for a reading type, or "" when the
// type is unknown.
func Unit(readingType string) string {
	return units[readingType]
}

// ReadingTypes returns every canonical reading type with a unit.
func ReadingTypes() []string {
	out := make([]string, 0, len(units))
	for rt := range units {
		out = append(out, rt)
	}
	return out
}

// keyword is one row of an ordered substring lookup table.
type keyword struct {
	fragment    string
	readingType string
}

// Checked in order; "pm10" precedes "pm1" so the longer name wins.
var idKeywords = []keyword{
	{"temperature", Temperature},
	{"temp", Temperature},
	{"humidity", Humidity},
	{"pressure", Pressure},
	{"co2", CO2},
	{"carbon_dioxide", CO2},
	{"pm2_5", PM25},
	{"pm25", PM25},
	{"pm10", PM10},
	{"pm1", PM1},
	{"voc", VOC},
	{"illuminance", LightLevel},
	{"lux", LightLevel},
	{"battery", BatteryLevel},
	{"voltage", Voltage},
	{"power", Power},
	{"energy", Energy},
}

// Checked in order. "w" matches before "kwh", so energy units infer
// power unless the device class says otherwise.
var unitKeywords = []keyword{
	{"°c", Temperature},
	{"°f", Temperature},
	{"%", Humidity},
	{"hpa", Pressure},
	{"mbar", Pressure},
	{"ppm", CO2},
	{"µg/m³", PM25},
	{"lux", LightLevel},
	{"v", Voltage},
	{"w", Power},
	{"kwh", Energy},
}

func match(table []keyword, s string) (string, bool) {
	s = strings.ToLower(s)
	if s == "" {
		return "", false
	}
	for _, k := range table {
		if strings.Contains(s, k.fragment) {
			return k.readingType, true
		}
	}
	return "", false
}

// InferFromEntityID guesses a reading type from keywords in an entity
// id. The first matching keyword wins.
func InferFromEntityID(entityID string) (string, bool) {
	return match(idKeywords, entityID)
}

// InferFromUnit guesses a reading type from a unit of measurement.
func InferFromUnit(unit string) (string, bool) {
	return match(unitKeywords, unit)
}
