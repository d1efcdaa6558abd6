package ingester

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wesense-earth/wesense-ingester-homeassistant/internal/config"
	"github.com/wesense-earth/wesense-ingester-homeassistant/internal/connwatch"
	"github.com/wesense-earth/wesense-ingester-homeassistant/internal/homeassistant"
	"github.com/wesense-earth/wesense-ingester-homeassistant/internal/pipeline"
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastBackoff() connwatch.BackoffConfig {
	return connwatch.BackoffConfig{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

// waitFor polls cond until it holds or two seconds pass.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// fakeConn is an in-memory hub session.
type fakeConn struct {
	events     chan homeassistant.Event
	done       chan struct{}
	dropOnce   sync.Once
	readErr    error
	regErr     error
	subscribed atomic.Bool
	closed     atomic.Bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan homeassistant.Event, 16), done: make(chan struct{})}
}

func (c *fakeConn) Events() <-chan homeassistant.Event { return c.events }
func (c *fakeConn) Done() <-chan struct{}              { return c.done }

func (c *fakeConn) Err() error {
	select {
	case <-c.done:
		return c.readErr
	default:
		return nil
	}
}

func (c *fakeConn) Subscribe(_ context.Context, eventType string) error {
	if eventType != homeassistant.EventStateChanged {
		return errors.New("unexpected event type " + eventType)
	}
	c.subscribed.Store(true)
	return nil
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	c.drop(nil)
	return nil
}

func (c *fakeConn) drop(err error) {
	c.dropOnce.Do(func() {
		c.readErr = err
		close(c.done)
	})
}

func (c *fakeConn) GetEntityRegistry(context.Context) ([]homeassistant.EntityRegistryEntry, error) {
	if c.regErr != nil {
		return nil, c.regErr
	}
	return []homeassistant.EntityRegistryEntry{{EntityID: "sensor.hall_temperature", DeviceID: "d1"}}, nil
}

func (c *fakeConn) GetDeviceRegistry(context.Context) ([]homeassistant.DeviceRegistryEntry, error) {
	return []homeassistant.DeviceRegistryEntry{{ID: "d1", Manufacturer: "Aqara"}}, nil
}

func (c *fakeConn) GetAreaRegistry(context.Context) ([]homeassistant.Area, error) {
	return nil, nil
}

func (c *fakeConn) send(t *testing.T, entityID, value string) {
	t.Helper()
	data, err := json.Marshal(homeassistant.StateChangedData{
		EntityID: entityID,
		NewState: &homeassistant.State{EntityID: entityID, State: value},
	})
	if err != nil {
		t.Fatal(err)
	}
	c.events <- homeassistant.Event{Type: homeassistant.EventStateChanged, Data: data}
}

// scriptedDialer hands out conns in order, failing first `failures` times.
type scriptedDialer struct {
	mu       sync.Mutex
	conns    []*fakeConn
	failures int
	dials    atomic.Int32
}

func (d *scriptedDialer) Dial(context.Context) (Conn, error) {
	d.dials.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failures > 0 {
		d.failures--
		return nil, errors.New("connection refused")
	}
	if len(d.conns) == 0 {
		return nil, errors.New("no more conns")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

// recorder stands in for the pipeline.
type recorder struct {
	mu       sync.Mutex
	changes  []homeassistant.StateChange
	metadata []*homeassistant.Metadata
}

func (r *recorder) Handle(_ context.Context, ch homeassistant.StateChange) pipeline.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, ch)
	return pipeline.OutcomeProcessed
}

func (r *recorder) SetMetadata(md *homeassistant.Metadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metadata = append(r.metadata, md)
	return nil
}

func (r *recorder) Stats() pipeline.Stats { return pipeline.Stats{} }

func (r *recorder) counts() (changes, metadata int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.changes), len(r.metadata)
}

type staticStates struct {
	states []homeassistant.State
	err    error
	calls  atomic.Int32
}

func (s *staticStates) GetStates(context.Context) ([]homeassistant.State, error) {
	s.calls.Add(1)
	return s.states, s.err
}

func runHost(t *testing.T, cfg HostConfig) (*Host, func()) {
	t.Helper()
	cfg.Logger = quiet()
	if cfg.Backoff == (connwatch.BackoffConfig{}) {
		cfg.Backoff = fastBackoff()
	}
	h, err := NewHost(cfg)
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	return h, func() {
		t.Helper()
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run returned %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not return after cancel")
		}
	}
}

func TestHost_StreamDeliversAndReconnects(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	dialer := &scriptedDialer{conns: []*fakeConn{first, second}}
	rec := &recorder{}

	h, stop := runHost(t, HostConfig{
		Mode:     config.ModeWebSocket,
		Dial:     dialer.Dial,
		Pipeline: rec,
	})

	waitFor(t, "first session", func() bool { return h.Connected() && first.subscribed.Load() })
	first.send(t, "sensor.hall_temperature", "20.5")
	first.send(t, "sensor.hall_humidity", "48")
	waitFor(t, "two changes", func() bool { n, _ := rec.counts(); return n == 2 })

	rec.mu.Lock()
	if rec.changes[0].EntityID != "sensor.hall_temperature" || rec.changes[1].EntityID != "sensor.hall_humidity" {
		t.Errorf("changes out of order: %s, %s", rec.changes[0].EntityID, rec.changes[1].EntityID)
	}
	if rec.metadata[0] == nil {
		t.Error("metadata from the registries should be applied")
	} else if info := rec.metadata[0].Lookup("sensor.hall_temperature"); info.Manufacturer != "Aqara" {
		t.Errorf("metadata lookup = %+v", info)
	}
	rec.mu.Unlock()

	first.drop(errors.New("connection reset by peer"))
	waitFor(t, "reconnect", func() bool { return h.Connections() == 2 && second.subscribed.Load() })
	if !first.closed.Load() {
		t.Error("dropped session should be closed")
	}
	if _, md := rec.counts(); md != 2 {
		t.Errorf("metadata applied %d times, want once per connection", md)
	}

	second.send(t, "sensor.hall_temperature", "21")
	waitFor(t, "event on second session", func() bool { n, _ := rec.counts(); return n == 3 })

	stop()
	if h.Connected() {
		t.Error("Connected() = true after shutdown")
	}
}

func TestHost_RetriesFailedDials(t *testing.T) {
	conn := newFakeConn()
	dialer := &scriptedDialer{conns: []*fakeConn{conn}, failures: 3}
	h, stop := runHost(t, HostConfig{
		Mode:     config.ModeWebSocket,
		Dial:     dialer.Dial,
		Pipeline: &recorder{},
	})
	defer stop()

	waitFor(t, "connected after failures", h.Connected)
	if got := dialer.dials.Load(); got != 4 {
		t.Errorf("dials = %d, want 4", got)
	}
}

func TestHost_RegistryFailureLeavesMetadataAbsent(t *testing.T) {
	conn := newFakeConn()
	conn.regErr = errors.New("unknown command")
	rec := &recorder{}
	h, stop := runHost(t, HostConfig{
		Mode:     config.ModeWebSocket,
		Dial:     (&scriptedDialer{conns: []*fakeConn{conn}}).Dial,
		Pipeline: rec,
	})
	defer stop()

	waitFor(t, "connected", h.Connected)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.metadata) != 1 || rec.metadata[0] != nil {
		t.Errorf("metadata = %v, want a single nil snapshot", rec.metadata)
	}
}

func TestHost_SafetyCheckRunsOnce(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	states := &staticStates{states: []homeassistant.State{
		{EntityID: "sensor.wesense_ab12cd34ef56_temperature", State: "20"},
		{EntityID: "sensor.hall_temperature", State: "20"},
	}}
	var checked [][]homeassistant.State
	var mu sync.Mutex

	h, stop := runHost(t, HostConfig{
		Mode:     config.ModeWebSocket,
		Dial:     (&scriptedDialer{conns: []*fakeConn{first, second}}).Dial,
		States:   states,
		Pipeline: &recorder{},
		Suspicious: func(s []homeassistant.State) []string {
			mu.Lock()
			defer mu.Unlock()
			checked = append(checked, s)
			return []string{s[0].EntityID}
		},
	})
	defer stop()

	waitFor(t, "first session", h.Connected)
	first.drop(errors.New("reset"))
	waitFor(t, "second session", func() bool { return h.Connections() == 2 })

	mu.Lock()
	defer mu.Unlock()
	if len(checked) != 1 || len(checked[0]) != 2 {
		t.Errorf("safety check ran %d times, want once over the full snapshot", len(checked))
	}
}

func TestHost_Polling(t *testing.T) {
	states := &staticStates{states: []homeassistant.State{
		{EntityID: "sensor.hall_temperature", State: "20.5"},
		{EntityID: "sensor.hall_humidity", State: "48"},
	}}
	registry := newFakeConn()
	rec := &recorder{}

	_, stop := runHost(t, HostConfig{
		Mode:         config.ModePolling,
		PollInterval: time.Hour,
		Dial:         (&scriptedDialer{conns: []*fakeConn{registry}}).Dial,
		States:       states,
		Pipeline:     rec,
	})

	waitFor(t, "first poll", func() bool { n, _ := rec.counts(); return n == 2 })
	stop()

	if !registry.closed.Load() {
		t.Error("registry session should be closed after loading metadata")
	}
	if registry.subscribed.Load() {
		t.Error("polling mode must not subscribe to events")
	}
	if _, md := rec.counts(); md != 1 {
		t.Errorf("metadata applied %d times, want 1", md)
	}
}

func TestHost_PollingWithoutRegistry(t *testing.T) {
	states := &staticStates{states: []homeassistant.State{{EntityID: "sensor.a_temperature", State: "1"}}}
	rec := &recorder{}
	_, stop := runHost(t, HostConfig{
		Mode:         config.ModePolling,
		PollInterval: time.Hour,
		Dial:         (&scriptedDialer{failures: 1}).Dial,
		States:       states,
		Pipeline:     rec,
	})
	waitFor(t, "poll despite registry failure", func() bool { n, _ := rec.counts(); return n == 1 })
	stop()
}

func TestNewHost_Validation(t *testing.T) {
	dial := (&scriptedDialer{}).Dial
	tests := []struct {
		name string
		cfg  HostConfig
	}{
		{"no pipeline", HostConfig{Mode: config.ModeWebSocket, Dial: dial}},
		{"websocket without dialer", HostConfig{Mode: config.ModeWebSocket, Pipeline: &recorder{}}},
		{"polling without states", HostConfig{Mode: config.ModePolling, Pipeline: &recorder{}}},
		{"unknown mode", HostConfig{Mode: "carrier-pigeon", Dial: dial, Pipeline: &recorder{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewHost(tt.cfg); err == nil {
				t.Error("NewHost should fail")
			}
		})
	}
}
