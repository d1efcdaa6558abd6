package filter

import (
	"regexp"
	"strings"

	"github.com/wesense-earth/wesense-ingester-homeassistant/internal/homeassistant"
)

// macPattern matches a bare 12-digit hex MAC, which sensor-array
// firmware embeds in its entity ids.
var macPattern = regexp.MustCompile(`(?i)[0-9a-f]{12}`)

// loopKeywords name firmware and products that publish back into the
// hub.
var loopKeywords = []string{"wesense", "meshtastic", "esp32", "esp8266", "esphome"}

// LooksLikeLoop reports whether an entity id carries a MAC or one of the
// loop-prone firmware keywords.
func LooksLikeLoop(entityID string) bool {
	if macPattern.MatchString(entityID) {
		return true
	}
	lower := strings.ToLower(entityID)
	for _, kw := range loopKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// FindSuspicious returns the ids of loop-prone entities in a snapshot
// that the filter would still admit. It goes through ShouldIngest, so
// the decisions are cached like any other.
func (f *Filter) FindSuspicious(states []homeassistant.State) []string {
	var out []string
	for i := range states {
		st := &states[i]
		if LooksLikeLoop(st.EntityID) && f.ShouldIngest(st.EntityID, st) {
			out = append(out, st.EntityID)
		}
	}
	return out
}
