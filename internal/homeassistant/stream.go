package homeassistant

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
)

// StateHandler receives state changes in arrival order.
type StateHandler func(ctx context.Context, change StateChange)

// EventSource is satisfied by *WSClient.
type EventSource interface {
	Events() <-chan Event
	Done() <-chan struct{}
	Err() error
}

// StateWatcher decodes state_changed events from an event source and
// hands them to a handler one at a time.
type StateWatcher struct {
	source  EventSource
	handler StateHandler
	logger  *slog.Logger
}

// NewStateWatcher creates a watcher over source.
func NewStateWatcher(source EventSource, handler StateHandler, logger *slog.Logger) *StateWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateWatcher{source: source, handler: handler, logger: logger}
}

// Run dispatches events until ctx is cancelled or the source's
// connection ends. It returns ctx.Err() on cancellation, the source's
// read error when the connection failed, or ErrClosed when the server
// closed it cleanly.
func (w *StateWatcher) Run(ctx context.Context) error {
	w.logger.Info("state watcher started")
	defer w.logger.Info("state watcher stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-w.source.Events():
			w.handleEvent(ctx, ev)
		case <-w.source.Done():
			// Drain what the read loop queued before it exited.
			for {
				select {
				case ev := <-w.source.Events():
					w.handleEvent(ctx, ev)
				default:
					if err := w.source.Err(); err != nil {
						return err
					}
					return ErrClosed
				}
			}
		}
	}
}

func (w *StateWatcher) handleEvent(ctx context.Context, ev Event) {
	if ev.Type != EventStateChanged {
		return
	}

	var data StateChangedData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		w.logger.Debug("failed to decode state_changed data", "error", err)
		return
	}
	if data.EntityID == "" {
		return
	}

	w.handler(ctx, StateChange{
		EntityID: data.EntityID,
		Old:      data.OldState,
		New:      data.NewState,
	})
}

// IsConnectionError reports whether err ended a watcher because the
// connection dropped rather than because the caller cancelled.
func IsConnectionError(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
