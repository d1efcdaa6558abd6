package homeassistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// EventStateChanged is the only event type the ingester subscribes to.
const EventStateChanged = "state_changed"

// requestTimeout bounds each request/response exchange.
const requestTimeout = 30 * time.Second

// ErrAuthInvalid is returned by Connect when the hub rejects the token.
var ErrAuthInvalid = errors.New("websocket authentication failed")

// ErrClosed is returned for requests on a connection that has gone away.
var ErrClosed = errors.New("websocket connection closed")

// WSClient is one authenticated WebSocket session. A session is not
// reused after it drops; the caller dials a fresh one.
type WSClient struct {
	baseURL string
	token   string
	conn    *websocket.Conn
	writeMu sync.Mutex
	msgID   atomic.Int64

	pending   map[int64]chan wsResponse
	pendingMu sync.Mutex

	events chan Event

	closing     chan struct{}
	closingOnce sync.Once
	done        chan struct{}
	readErr     error

	logger *slog.Logger
}

// Event is a hub event received on a subscription.
type Event struct {
	Type      string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired string          `json:"time_fired"`
}

// StateChangedData is the payload of a state_changed event.
type StateChangedData struct {
	EntityID string `json:"entity_id"`
	OldState *State `json:"old_state"`
	NewState *State `json:"new_state"`
}

type wsMessage struct {
	ID      int64           `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success bool            `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Event   *Event          `json:"event,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wsResponse struct {
	Success bool
	Result  json.RawMessage
	Error   *wsError
}

// NewWSClient creates an unconnected WebSocket client.
func NewWSClient(baseURL, token string, logger *slog.Logger) *WSClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSClient{
		baseURL: baseURL,
		token:   token,
		pending: make(map[int64]chan wsResponse),
		events:  make(chan Event, 256),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
		logger:  logger,
	}
}

// WebSocketURL converts a hub base URL to its WebSocket endpoint.
func WebSocketURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/websocket"
	return u.String(), nil
}

// Connect dials the hub, completes the auth handshake and starts the
// read loop.
func (c *WSClient) Connect(ctx context.Context) error {
	wsURL, err := WebSocketURL(c.baseURL)
	if err != nil {
		return err
	}

	c.logger.Info("connecting to Home Assistant WebSocket", "url", wsURL)

	// Registry listings on large installs run to several megabytes.
	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
		ReadBufferSize:   1024 * 1024,
		WriteBufferSize:  64 * 1024,
	}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial websocket: %w", err)
	}
	conn.SetReadLimit(100 * 1024 * 1024)

	if err := c.authenticate(ctx, conn); err != nil {
		conn.Close()
		return err
	}
	c.conn = conn

	c.logger.Info("WebSocket authenticated")
	go c.readLoop()
	return nil
}

func (c *WSClient) authenticate(ctx context.Context, conn *websocket.Conn) error {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
		defer conn.SetReadDeadline(time.Time{})
	}

	var req wsMessage
	if err := conn.ReadJSON(&req); err != nil {
		return fmt.Errorf("read auth_required: %w", err)
	}
	if req.Type != "auth_required" {
		return fmt.Errorf("expected auth_required, got %s", req.Type)
	}

	if err := conn.WriteJSON(map[string]string{
		"type":         "auth",
		"access_token": c.token,
	}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	var resp wsMessage
	if err := conn.ReadJSON(&resp); err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}
	switch resp.Type {
	case "auth_ok":
		return nil
	case "auth_invalid":
		return ErrAuthInvalid
	default:
		return fmt.Errorf("unexpected auth response: %s", resp.Type)
	}
}

// Close closes the connection. The read loop exits and Done is closed.
func (c *WSClient) Close() error {
	c.closingOnce.Do(func() { close(c.closing) })
	if c.conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}

// Done is closed when the read loop exits.
func (c *WSClient) Done() <-chan struct{} {
	return c.done
}

// Err returns why the read loop exited, once Done is closed. A normal
// close returns nil.
func (c *WSClient) Err() error {
	select {
	case <-c.done:
		return c.readErr
	default:
		return nil
	}
}

// Events returns the channel of subscribed events. Events are never
// dropped: a slow consumer applies back-pressure to the socket.
func (c *WSClient) Events() <-chan Event {
	return c.events
}

// Subscribe subscribes to a hub event type.
func (c *WSClient) Subscribe(ctx context.Context, eventType string) error {
	if _, err := c.request(ctx, map[string]any{
		"type":       "subscribe_events",
		"event_type": eventType,
	}); err != nil {
		return fmt.Errorf("subscribe to %s: %w", eventType, err)
	}
	c.logger.Info("subscribed to events", "event_type", eventType)
	return nil
}

// EntityRegistryEntry is one entity registry record.
type EntityRegistryEntry struct {
	EntityID   string `json:"entity_id"`
	DeviceID   string `json:"device_id"`
	AreaID     string `json:"area_id"`
	Platform   string `json:"platform"`
	DisabledBy string `json:"disabled_by"`
	HiddenBy   string `json:"hidden_by"`
}

// DeviceRegistryEntry is one device registry record.
type DeviceRegistryEntry struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	AreaID       string `json:"area_id"`
}

// Area is one area registry record.
type Area struct {
	AreaID string `json:"area_id"`
	Name   string `json:"name"`
}

// GetEntityRegistry lists the entity registry.
func (c *WSClient) GetEntityRegistry(ctx context.Context) ([]EntityRegistryEntry, error) {
	var out []EntityRegistryEntry
	if err := c.list(ctx, "config/entity_registry/list", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetDeviceRegistry lists the device registry.
func (c *WSClient) GetDeviceRegistry(ctx context.Context) ([]DeviceRegistryEntry, error) {
	var out []DeviceRegistryEntry
	if err := c.list(ctx, "config/device_registry/list", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetAreaRegistry lists the area registry.
func (c *WSClient) GetAreaRegistry(ctx context.Context) ([]Area, error) {
	var out []Area
	if err := c.list(ctx, "config/area_registry/list", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *WSClient) list(ctx context.Context, msgType string, out any) error {
	raw, err := c.request(ctx, map[string]any{"type": msgType})
	if err != nil {
		return fmt.Errorf("%s: %w", msgType, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", msgType, err)
	}
	return nil
}

// request assigns the next message id, sends msg and waits for the
// matching result.
func (c *WSClient) request(ctx context.Context, msg map[string]any) (json.RawMessage, error) {
	if c.conn == nil {
		return nil, ErrClosed
	}
	id := c.msgID.Add(1)
	msg["id"] = id

	respCh := make(chan wsResponse, 1)
	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	err := c.conn.WriteJSON(msg)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		if !resp.Success {
			if resp.Error != nil {
				return nil, fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
			}
			return nil, errors.New("request failed")
		}
		return resp.Result, nil
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, errors.New("timeout waiting for response")
	}
}

func (c *WSClient) readLoop() {
	defer close(c.done)

	for {
		var msg wsMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("WebSocket closed")
				return
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			c.readErr = err
			c.logger.Warn("WebSocket read error, connection lost", "error", err)
			return
		}

		switch msg.Type {
		case "result":
			c.pendingMu.Lock()
			if ch, ok := c.pending[msg.ID]; ok {
				ch <- wsResponse{Success: msg.Success, Result: msg.Result, Error: msg.Error}
			}
			c.pendingMu.Unlock()

		case "event":
			if msg.Event == nil {
				continue
			}
			select {
			case c.events <- *msg.Event:
			case <-c.closing:
				return
			}

		case "pong":

		default:
			c.logger.Debug("unhandled WebSocket message type", "type", msg.Type)
		}
	}
}
