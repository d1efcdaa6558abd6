package homeassistant

import (
	"context"
	"log/slog"
	"reflect"
	"time"
)

// StateSource fetches a full state snapshot. *Client satisfies it.
type StateSource interface {
	GetStates(ctx context.Context) ([]State, error)
}

// maxPollErrorWait caps the wait after a failed poll.
const maxPollErrorWait = 10 * time.Second

// Poller fetches the state snapshot on an interval and dispatches every
// entity whose state record differs from the previous snapshot.
type Poller struct {
	source   StateSource
	interval time.Duration
	handler  StateHandler
	logger   *slog.Logger

	previous map[string]State
}

// NewPoller creates a poller.
func NewPoller(source StateSource, interval time.Duration, handler StateHandler, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		source:   source,
		interval: interval,
		handler:  handler,
		logger:   logger,
		previous: make(map[string]State),
	}
}

// Run polls until ctx is cancelled and returns ctx.Err().
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("polling started", "interval", p.interval)
	defer p.logger.Info("polling stopped")

	for {
		wait := p.interval
		if err := p.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Error("poll failed", "error", err)
			wait = min(p.interval, maxPollErrorWait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Poll fetches one snapshot and dispatches the changes.
func (p *Poller) Poll(ctx context.Context) error {
	states, err := p.source.GetStates(ctx)
	if err != nil {
		return err
	}

	changed := 0
	for i := range states {
		st := states[i]
		if st.EntityID == "" {
			continue
		}
		old, seen := p.previous[st.EntityID]
		if seen && reflect.DeepEqual(old, st) {
			continue
		}

		change := StateChange{EntityID: st.EntityID, New: &st}
		if seen {
			change.Old = &old
		}
		p.previous[st.EntityID] = st
		p.handler(ctx, change)
		changed++
	}

	p.logger.Debug("poll complete", "entities", len(states), "changed", changed)
	return nil
}
