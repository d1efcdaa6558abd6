// Package ingester hosts the connection to Home Assistant: it keeps a
// WebSocket session (or a polling loop) alive, refreshes registry
// metadata on every connection and feeds state changes to the pipeline.
package ingester

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/wesense-earth/wesense-ingester-homeassistant/internal/config"
	"github.com/wesense-earth/wesense-ingester-homeassistant/internal/connwatch"
	"github.com/wesense-earth/wesense-ingester-homeassistant/internal/homeassistant"
	"github.com/wesense-earth/wesense-ingester-homeassistant/internal/pipeline"
)

// maxSuspiciousLogged caps the entity ids listed by the startup safety check.
const maxSuspiciousLogged = 10

// Conn is one hub event session. *homeassistant.WSClient satisfies it.
type Conn interface {
	homeassistant.EventSource
	homeassistant.RegistrySource
	Subscribe(ctx context.Context, eventType string) error
	Close() error
}

// Dialer opens a connected, authenticated session.
type Dialer func(ctx context.Context) (Conn, error)

// WSDialer dials fresh WebSocket sessions against baseURL.
func WSDialer(baseURL, token string, logger *slog.Logger) Dialer {
	return func(ctx context.Context) (Conn, error) {
		c := homeassistant.NewWSClient(baseURL, token, logger)
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Handler consumes state changes. *pipeline.Pipeline satisfies it.
type Handler interface {
	Handle(ctx context.Context, ch homeassistant.StateChange) pipeline.Outcome
	SetMetadata(md *homeassistant.Metadata) error
	Stats() pipeline.Stats
}

// HostConfig wires a Host.
type HostConfig struct {
	Mode         string // config.ModeWebSocket or config.ModePolling
	PollInterval time.Duration
	Dial         Dialer
	States       homeassistant.StateSource
	Pipeline     Handler
	Suspicious   func(states []homeassistant.State) []string
	Backoff      connwatch.BackoffConfig
	Logger       *slog.Logger
}

// Host runs the hub connection loop.
type Host struct {
	cfg    HostConfig
	logger *slog.Logger

	connected   atomic.Bool
	connections atomic.Uint64
	checked     atomic.Bool
}

// NewHost validates cfg and creates a host.
func NewHost(cfg HostConfig) (*Host, error) {
	if cfg.Pipeline == nil {
		return nil, errors.New("ingester: pipeline is required")
	}
	switch cfg.Mode {
	case config.ModeWebSocket:
		if cfg.Dial == nil {
			return nil, errors.New("ingester: websocket mode needs a dialer")
		}
	case config.ModePolling:
		if cfg.States == nil {
			return nil, errors.New("ingester: polling mode needs a state source")
		}
		if cfg.PollInterval <= 0 {
			cfg.PollInterval = time.Minute
		}
	default:
		return nil, fmt.Errorf("ingester: unknown mode %q", cfg.Mode)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Host{cfg: cfg, logger: cfg.Logger}, nil
}

// Connected reports whether a WebSocket session is currently live. In
// polling mode it is always false.
func (h *Host) Connected() bool {
	return h.connected.Load()
}

// Connections returns how many sessions have been established.
func (h *Host) Connections() uint64 {
	return h.connections.Load()
}

// Run blocks until ctx is cancelled. Connection failures are logged
// and retried; Run only returns once shutdown has begun.
func (h *Host) Run(ctx context.Context) error {
	if h.cfg.Mode == config.ModePolling {
		return h.runPolling(ctx)
	}
	return h.runStream(ctx)
}

func (h *Host) runStream(ctx context.Context) error {
	backoff := connwatch.NewBackoff(h.cfg.Backoff)
	for {
		err := h.session(ctx, backoff)
		if ctx.Err() != nil {
			return nil
		}
		delay := backoff.Next()
		h.logger.Warn("hub connection lost, reconnecting", "error", err, "retry_in", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// session runs one WebSocket connection until it drops.
func (h *Host) session(ctx context.Context, backoff *connwatch.Backoff) error {
	conn, err := h.cfg.Dial(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	if err := h.refreshMetadata(ctx, conn); err != nil {
		return err
	}
	if err := conn.Subscribe(ctx, homeassistant.EventStateChanged); err != nil {
		return err
	}

	h.connected.Store(true)
	defer h.connected.Store(false)
	h.connections.Add(1)
	backoff.Reset()

	h.safetyCheck(ctx)

	watcher := homeassistant.NewStateWatcher(conn, h.handle, h.logger)
	return watcher.Run(ctx)
}

// refreshMetadata loads the registries and swaps them into the
// pipeline. A registry failure leaves metadata absent rather than
// ending the session.
func (h *Host) refreshMetadata(ctx context.Context, src homeassistant.RegistrySource) error {
	md, err := homeassistant.LoadMetadata(ctx, src)
	if err != nil {
		h.logger.Warn("registry metadata unavailable, metadata rules disabled", "error", err)
		md = nil
	} else {
		entities, devices, areas := md.Counts()
		h.logger.Info("registry metadata loaded",
			"entities", entities,
			"devices", devices,
			"areas", areas,
		)
	}
	if err := h.cfg.Pipeline.SetMetadata(md); err != nil {
		return fmt.Errorf("apply metadata: %w", err)
	}
	return nil
}

func (h *Host) runPolling(ctx context.Context) error {
	// Polling has no event session, so registries are read once over a
	// short-lived WebSocket if one can be dialed.
	if h.cfg.Dial != nil {
		if conn, err := h.cfg.Dial(ctx); err != nil {
			h.logger.Warn("registry metadata unavailable in polling mode", "error", err)
		} else {
			err := h.refreshMetadata(ctx, conn)
			conn.Close()
			if err != nil {
				return err
			}
		}
	}

	h.safetyCheck(ctx)

	poller := homeassistant.NewPoller(h.cfg.States, h.cfg.PollInterval, h.handle, h.logger)
	if err := poller.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (h *Host) handle(ctx context.Context, ch homeassistant.StateChange) {
	outcome := h.cfg.Pipeline.Handle(ctx, ch)
	h.logger.Log(ctx, config.LevelTrace, "state change handled",
		"entity_id", ch.EntityID,
		"outcome", outcome.String(),
	)
}

// safetyCheck lists entities that look like another ingester's output
// but would still be admitted. It runs once per host.
func (h *Host) safetyCheck(ctx context.Context) {
	if h.cfg.Suspicious == nil || h.cfg.States == nil || h.checked.Swap(true) {
		return
	}
	states, err := h.cfg.States.GetStates(ctx)
	if err != nil {
		h.logger.Warn("startup safety check skipped", "error", err)
		return
	}

	found := h.cfg.Suspicious(states)
	if len(found) == 0 {
		h.logger.Info("startup safety check passed", "entities", len(states))
		return
	}

	shown := found
	if len(shown) > maxSuspiciousLogged {
		shown = shown[:maxSuspiciousLogged]
	}
	h.logger.Warn("entities that may be republished sensor data would be ingested; add them to exclude_entity_patterns",
		"count", len(found),
		"entities", shown,
	)
}
