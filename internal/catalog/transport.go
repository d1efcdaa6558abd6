package catalog

import "strings"

// Transport types reported on every reading.
const (
	TransportWiFi      = "WIFI"
	TransportZigbee    = "ZIGBEE"
	TransportZWave     = "ZWAVE"
	TransportBluetooth = "BLUETOOTH"
	TransportThread    = "THREAD"
	TransportUnknown   = "UNKNOWN"
)

var transports = []struct {
	transport string
	fragments []string
}{
	{TransportWiFi, []string{"shelly", "tuya", "wiz", "esphome", "tasmota", "sonoff"}},
	{TransportZigbee, []string{"zha", "zigbee", "deconz", "zigbee2mqtt"}},
	{TransportZWave, []string{"zwave", "ozw"}},
	{TransportBluetooth, []string{"bluetooth", "ble", "switchbot"}},
	{TransportThread, []string{"matter", "thread"}},
}

// Transport infers the radio transport from an integration (platform)
// name. Groups are checked in order and the first fragment found in
// the lowercased name wins.
func Transport(platform string) string {
	p := strings.ToLower(platform)
	if p == "" {
		return TransportUnknown
	}
	for _, t := range transports {
		for _, f := range t.fragments {
			if strings.Contains(p, f) {
				return t.transport
			}
		}
	}
	return TransportUnknown
}
