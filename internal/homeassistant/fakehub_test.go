package homeassistant

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
)

// fakeHub is an httptest server speaking enough of the hub's REST and
// WebSocket APIs for client tests.
type fakeHub struct {
	t      *testing.T
	srv    *httptest.Server
	token  string
	states []State

	entities []EntityRegistryEntry
	devices  []DeviceRegistryEntry
	areas    []Area

	mu    sync.Mutex
	conns []*hubConn
	// subscribed is signalled once per subscribe_events request.
	subscribed chan struct{}
}

func newFakeHub(t *testing.T) *fakeHub {
	t.Helper()
	h := &fakeHub{t: t, token: "secret", subscribed: make(chan struct{}, 4)}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/", h.handleAPI)
	mux.HandleFunc("/api/states", h.handleStates)
	mux.HandleFunc("/api/config", h.handleConfig)
	mux.HandleFunc("/api/websocket", h.handleWS)
	h.srv = httptest.NewServer(mux)
	t.Cleanup(h.srv.Close)
	return h
}

func (h *fakeHub) authorized(w http.ResponseWriter, r *http.Request) bool {
	if r.Header.Get("Authorization") != "Bearer "+h.token {
		http.Error(w, "401: Unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func (h *fakeHub) handleAPI(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(w, r) {
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"message": "API running."})
}

func (h *fakeHub) handleStates(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(w, r) {
		return
	}
	json.NewEncoder(w).Encode(h.states)
}

func (h *fakeHub) handleConfig(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(w, r) {
		return
	}
	json.NewEncoder(w).Encode(HubConfig{
		LocationName: "Home",
		Latitude:     -41.2,
		Longitude:    174.7,
		Country:      "NZ",
		Version:      "2026.10.0",
	})
}

var upgrader = websocket.Upgrader{}

// hubConn serialises writes from the handler and test goroutines.
type hubConn struct {
	*websocket.Conn
	wmu sync.Mutex
}

func (c *hubConn) WriteJSON(v any) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.Conn.WriteJSON(v)
}

func (h *fakeHub) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &hubConn{Conn: ws}
	h.mu.Lock()
	h.conns = append(h.conns, conn)
	h.mu.Unlock()
	defer conn.Close()

	conn.WriteJSON(map[string]string{"type": "auth_required"})
	var auth map[string]string
	if err := conn.ReadJSON(&auth); err != nil {
		return
	}
	if auth["access_token"] != h.token {
		conn.WriteJSON(map[string]string{"type": "auth_invalid"})
		return
	}
	conn.WriteJSON(map[string]string{"type": "auth_ok"})

	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		id := msg["id"]
		var result any
		switch msg["type"] {
		case "subscribe_events":
			h.subscribed <- struct{}{}
		case "config/entity_registry/list":
			result = h.entities
		case "config/device_registry/list":
			result = h.devices
		case "config/area_registry/list":
			result = h.areas
		default:
			conn.WriteJSON(map[string]any{
				"id": id, "type": "result", "success": false,
				"error": map[string]string{"code": "unknown_command", "message": "Unknown command."},
			})
			continue
		}
		conn.WriteJSON(map[string]any{"id": id, "type": "result", "success": true, "result": result})
	}
}

// sendStateChanged pushes a state_changed event to every open socket.
func (h *fakeHub) sendStateChanged(data StateChangedData) {
	h.t.Helper()
	raw, _ := json.Marshal(data)
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.conns {
		c.WriteJSON(map[string]any{
			"id":    1,
			"type":  "event",
			"event": map[string]any{"event_type": EventStateChanged, "data": json.RawMessage(raw)},
		})
	}
}

// dropConnections closes every socket abruptly.
func (h *fakeHub) dropConnections() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.conns {
		c.UnderlyingConn().Close()
	}
	h.conns = nil
}
