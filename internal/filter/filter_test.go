package filter

import (
	"strings"
	"testing"

	"github.com/wesense-earth/wesense-ingester-homeassistant/internal/config"
	"github.com/wesense-earth/wesense-ingester-homeassistant/internal/homeassistant"
)

func denylist() config.FilterConfig {
	return config.FilterConfig{
		Mode:                  config.FilterDenylist,
		IncludeDomains:        []string{"sensor", "binary_sensor"},
		ExcludeEntityPatterns: []string{`[0-9a-f]{12}`, `^sensor\.meshtastic_`},
		ExcludeIntegrations:   []string{"MQTT"},
		ExcludeManufacturers:  []string{"WeSense"},
		ExcludeEntities:       []string{"sensor.noisy_temperature"},
		IncludeEntities:       []string{"weather.home_temperature"},
	}
}

func newFilter(t *testing.T, cfg config.FilterConfig, md *homeassistant.Metadata) *Filter {
	t.Helper()
	f, err := New(cfg, md, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f
}

func state(v, deviceClass string) *homeassistant.State {
	attrs := map[string]any{}
	if deviceClass != "" {
		attrs[homeassistant.AttrDeviceClass] = deviceClass
	}
	return &homeassistant.State{State: v, Attributes: attrs}
}

func TestNew_InvalidPattern(t *testing.T) {
	cfg := denylist()
	cfg.ExcludeEntityPatterns = []string{"(unclosed"}
	if _, err := New(cfg, nil, nil); err == nil {
		t.Fatal("New with invalid pattern should fail")
	}
}

func TestEvaluate_Denylist(t *testing.T) {
	md := homeassistant.NewMetadata(
		[]homeassistant.EntityRegistryEntry{
			{EntityID: "sensor.array_temperature", DeviceID: "d1", Platform: "esphome"},
			{EntityID: "sensor.bridge_humidity", DeviceID: "d2", Platform: "mqtt"},
		},
		[]homeassistant.DeviceRegistryEntry{
			{ID: "d1", Manufacturer: "wesense"},
			{ID: "d2", Manufacturer: "Aqara"},
		},
		nil,
	)
	f := newFilter(t, denylist(), md)

	tests := []struct {
		name       string
		entityID   string
		st         *homeassistant.State
		want       bool
		wantReason string
	}{
		{"plain sensor", "sensor.living_room_temperature", state("21.5", "temperature"), true, "admitted"},
		{"mac pattern", "sensor.wesense_ab12cd34ef56_temp", state("21.5", "temperature"), false, "exclude pattern"},
		{"mac pattern uppercase", "sensor.node_AB12CD34EF56_humidity", state("40", ""), false, "exclude pattern"},
		{"explicit exclude", "sensor.noisy_temperature", state("20", ""), false, "explicitly excluded"},
		{"manufacturer", "sensor.array_temperature", state("20", ""), false, "manufacturer wesense"},
		{"integration", "sensor.bridge_humidity", state("50", ""), false, "integration mqtt"},
		{"domain", "light.kitchen", state("255", ""), false, "domain light"},
		{"bare domain name", "sensor", state("1", ""), false, "not included"},
		{"unknown", "sensor.office_co2", state(homeassistant.StateUnknown, ""), false, "invalid state"},
		{"unavailable", "sensor.office_co2", state(homeassistant.StateUnavailable, ""), false, "invalid state"},
		{"absent", "sensor.office_co2", state("", ""), false, "invalid state"},
		{"nil state", "sensor.office_co2", nil, false, "invalid state"},
		{"non numeric", "binary_sensor.door", state("on", ""), false, "non-numeric"},
		{"include bypasses domain", "weather.home_temperature", state("14", ""), true, "explicitly included"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := f.Evaluate(tt.entityID, tt.st)
			if d.Admit != tt.want {
				t.Errorf("Evaluate(%q) = %+v, want admit=%v", tt.entityID, d, tt.want)
			}
			if !strings.Contains(d.Reason, tt.wantReason) {
				t.Errorf("reason = %q, want it to contain %q", d.Reason, tt.wantReason)
			}
		})
	}
}

func TestEvaluate_IncludedButNonNumeric(t *testing.T) {
	f := newFilter(t, denylist(), nil)
	if f.Evaluate("weather.home_temperature", state("sunny", "")).Admit {
		t.Error("explicitly included non-numeric state should be rejected")
	}
	if f.Evaluate("weather.home_temperature", state(homeassistant.StateUnavailable, "")).Admit {
		t.Error("explicitly included unavailable state should be rejected")
	}
}

func TestEvaluate_ExcludePatternWinsOverEverything(t *testing.T) {
	cfg := denylist()
	cfg.IncludeDomains = nil
	f := newFilter(t, cfg, nil)

	ids := []string{
		"sensor.wesense_ab12cd34ef56_temp",
		"sensor.ab12cd34ef56",
		"climate.x_0123456789ab_y",
	}
	for _, id := range ids {
		for _, st := range []*homeassistant.State{state("21", "temperature"), state("1", ""), nil} {
			if f.ShouldIngest(id, st) {
				t.Errorf("ShouldIngest(%q) = true despite exclude pattern", id)
			}
		}
	}
}

func TestEvaluate_NoMetadataSkipsMetadataRules(t *testing.T) {
	f := newFilter(t, denylist(), nil)
	if !f.Evaluate("sensor.array_temperature", state("20", "")).Admit {
		t.Error("without metadata the manufacturer rule cannot apply")
	}
}

func TestEvaluate_DeviceClassInclusion(t *testing.T) {
	cfg := denylist()
	cfg.IncludeDeviceClasses = []string{"Temperature", "humidity"}
	f := newFilter(t, cfg, nil)

	if !f.Evaluate("sensor.a", state("20", "TEMPERATURE")).Admit {
		t.Error("device class match should be case-insensitive")
	}
	if f.Evaluate("sensor.b", state("20", "")).Admit {
		t.Error("missing device class should be rejected when classes are configured")
	}
	if f.Evaluate("sensor.c", state("20", "power")).Admit {
		t.Error("unlisted device class should be rejected")
	}
}

func TestEvaluate_Allowlist(t *testing.T) {
	cfg := config.FilterConfig{
		Mode:                  config.FilterAllowlist,
		IncludeEntities:       []string{"sensor.outdoor_temperature", "sensor.energy_*", "*.garage_*_co2"},
		ExcludeEntityPatterns: []string{"outdoor"},
		IncludeDomains:        []string{"sensor"},
	}
	f := newFilter(t, cfg, nil)

	tests := []struct {
		id   string
		want bool
	}{
		{"sensor.outdoor_temperature", true},
		{"sensor.energy_meter", true},
		{"SENSOR.ENERGY_METER", true},
		{"sensor.energy_", true},
		{"sensor.my_energy_meter", false},
		{"xsensor.energy_meter", false},
		{"sensor.energyXmeter", false},
		{"air_quality.garage_east_co2", true},
		{"sensor.garage_east_co2_avg", false},
		{"sensor.indoor_temperature", false},
	}
	for _, tt := range tests {
		// Non-numeric state: allowlist skips state validation.
		if got := f.Evaluate(tt.id, state("unavailable", "")).Admit; got != tt.want {
			t.Errorf("allowlist Evaluate(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestShouldIngest_StickyCache(t *testing.T) {
	f := newFilter(t, denylist(), nil)

	if f.ShouldIngest("sensor.office_co2", state(homeassistant.StateUnavailable, "")) {
		t.Fatal("first call with unavailable state should reject")
	}
	if f.ShouldIngest("sensor.office_co2", state("612", "carbon_dioxide")) {
		t.Error("cached rejection should stick after the state becomes numeric")
	}

	if !f.ShouldIngest("sensor.den_temperature", state("20", "")) {
		t.Fatal("numeric state should admit")
	}
	if !f.ShouldIngest("sensor.den_temperature", state(homeassistant.StateUnknown, "")) {
		t.Error("cached admission should stick after the state becomes unknown")
	}

	s := f.Stats()
	if s != (Stats{Included: 1, Excluded: 1, Evaluated: 2}) {
		t.Errorf("Stats = %+v", s)
	}
}

func TestFindSuspicious(t *testing.T) {
	cfg := denylist()
	cfg.ExcludeEntityPatterns = []string{`^sensor\.meshtastic_`}
	f := newFilter(t, cfg, nil)

	states := []homeassistant.State{
		{EntityID: "sensor.wesense_ab12cd34ef56_temp", State: "21"},
		{EntityID: "sensor.meshtastic_node_battery", State: "90"},
		{EntityID: "sensor.esp32_kitchen_humidity", State: "45"},
		{EntityID: "sensor.esphome_power", State: "unavailable"},
		{EntityID: "sensor.living_room_temperature", State: "21"},
	}
	got := f.FindSuspicious(states)
	want := []string{"sensor.wesense_ab12cd34ef56_temp", "sensor.esp32_kitchen_humidity"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("FindSuspicious = %v, want %v", got, want)
	}
}

func TestLooksLikeLoop(t *testing.T) {
	tests := map[string]bool{
		"sensor.A1B2C3D4E5F6_temp":      true,
		"sensor.WeSense_office":         true,
		"sensor.ESP8266_garage":         true,
		"sensor.living_room_temp":       false,
		"sensor.abcdef12345_short_hex":  false,
		"sensor.meshtastic_relay_power": true,
	}
	for id, want := range tests {
		if got := LooksLikeLoop(id); got != want {
			t.Errorf("LooksLikeLoop(%q) = %v, want %v", id, got, want)
		}
	}
}
