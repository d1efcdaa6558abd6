package catalog

import (
	"math"
	"testing"
)

func TestReadingType(t *testing.T) {
	tests := []struct {
		deviceClass string
		want        string
		wantOK      bool
	}{
		{"temperature", Temperature, true},
		{"Temperature", Temperature, true},
		{"atmospheric_pressure", Pressure, true},
		{"carbon_dioxide", CO2, true},
		{"pm25", PM25, true},
		{"pm1", PM1, true},
		{"illuminance", LightLevel, true},
		{"signal_strength", RSSI, true},
		{"sound_pressure", SoundLevel, true},
		{"", "", false},
		{"motion", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.deviceClass, func(t *testing.T) {
			got, ok := ReadingType(tt.deviceClass)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("ReadingType(%q) = (%q, %v), want (%q, %v)", tt.deviceClass, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestEveryDeviceClassHasUnit(t *testing.T) {
	for dc, rt := range deviceClasses {
		if Unit(rt) == "" {
			t.Errorf("device class %q maps to %q which has no unit", dc, rt)
		}
	}
	if Unit("nonsense") != "" {
		t.Error("Unit of unknown reading type should be empty")
	}
}

func TestInferFromEntityID(t *testing.T) {
	tests := []struct {
		id   string
		want string
		ok   bool
	}{
		{"sensor.living_room_temperature", Temperature, true},
		{"sensor.attic_temp", Temperature, true},
		{"sensor.OFFICE_CO2", CO2, true},
		{"sensor.outdoor_pm10", PM10, true},
		{"sensor.outdoor_pm1", PM1, true},
		{"sensor.desk_lux", LightLevel, true},
		{"sensor.door_battery", BatteryLevel, true},
		{"sensor.front_door", "", false},
	}
	for _, tt := range tests {
		got, ok := InferFromEntityID(tt.id)
		if got != tt.want || ok != tt.ok {
			t.Errorf("InferFromEntityID(%q) = (%q, %v), want (%q, %v)", tt.id, got, ok, tt.want, tt.ok)
		}
	}
}

func TestInferFromUnit(t *testing.T) {
	tests := []struct {
		unit string
		want string
		ok   bool
	}{
		{"°C", Temperature, true},
		{"°F", Temperature, true},
		{"%", Humidity, true},
		{"hPa", Pressure, true},
		{"ppm", CO2, true},
		{"µg/m³", PM25, true},
		{"kWh", Power, true},
		{"W", Power, true},
		{"V", Voltage, true},
		{"", "", false},
		{"rpm", "", false},
	}
	for _, tt := range tests {
		got, ok := InferFromUnit(tt.unit)
		if got != tt.want || ok != tt.ok {
			t.Errorf("InferFromUnit(%q) = (%q, %v), want (%q, %v)", tt.unit, got, ok, tt.want, tt.ok)
		}
	}
}

func TestConvert(t *testing.T) {
	tests := []struct {
		name     string
		value    float64
		from, to string
		want     float64
	}{
		{"fahrenheit", 212, "°F", "°C", 100},
		{"kelvin", 273.15, "K", "°C", 0},
		{"pascal", 101325, "Pa", "hPa", 1013.25},
		{"kilopascal", 101.325, "kPa", "hPa", 1013.25},
		{"watt hours", 1500, "Wh", "kWh", 1.5},
		{"centimetres", 250, "cm", "m", 2.5},
		{"km/h", 36, "km/h", "m/s", 10},
		{"mph", 10, "mph", "m/s", 4.4704},
		{"same unit", 21.5, "°C", "°C", 21.5},
		{"unregistered passes through", 42, "furlong", "m", 42},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Convert(tt.value, tt.from, tt.to)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Convert(%v, %q, %q) = %v, want %v", tt.value, tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestConvert_RoundTrip(t *testing.T) {
	pairs := Pairs()
	if len(pairs) == 0 {
		t.Fatal("no conversions registered")
	}
	for _, p := range pairs {
		if !CanConvert(p[1], p[0]) {
			t.Errorf("no inverse registered for %s -> %s", p[0], p[1])
			continue
		}
		for _, x := range []float64{-40, 0, 1, 21.5, 1013.25, 98765.4321} {
			back := Convert(Convert(x, p[0], p[1]), p[1], p[0])
			if math.Abs(back-x) > 1e-9*math.Max(1, math.Abs(x)) {
				t.Errorf("round trip %s -> %s -> %s of %v = %v", p[0], p[1], p[0], x, back)
			}
		}
	}
}

func TestTransport(t *testing.T) {
	tests := []struct {
		platform string
		want     string
	}{
		{"shelly", TransportWiFi},
		{"ESPHome", TransportWiFi},
		{"zha", TransportZigbee},
		{"zigbee2mqtt", TransportZigbee},
		{"zwave_js", TransportZWave},
		{"switchbot", TransportBluetooth},
		{"matter", TransportThread},
		{"met", TransportUnknown},
		{"", TransportUnknown},
	}
	for _, tt := range tests {
		if got := Transport(tt.platform); got != tt.want {
			t.Errorf("Transport(%q) = %q, want %q", tt.platform, got, tt.want)
		}
	}
}
