// Package pipeline runs each hub state change through admission,
// transformation and the delivery guards, then hands surviving
// readings to the message bus and the database.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wesense-earth/wesense-ingester-homeassistant/internal/config"
	"github.com/wesense-earth/wesense-ingester-homeassistant/internal/filter"
	"github.com/wesense-earth/wesense-ingester-homeassistant/internal/homeassistant"
	"github.com/wesense-earth/wesense-ingester-homeassistant/internal/transform"
)

// FutureTolerance is how far ahead of the local clock a reading may be
// timestamped and still be accepted.
const FutureTolerance = 30 * time.Second

// Publisher delivers readings to the message bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, r transform.Reading) error
}

// Writer delivers readings to the database.
type Writer interface {
	Write(ctx context.Context, r transform.Reading) error
}

// Outcome is what happened to one state change.
type Outcome int

// Outcomes, in pipeline order.
const (
	OutcomeIgnored Outcome = iota
	OutcomeFiltered
	OutcomeTransformFailed
	OutcomeFutureRejected
	OutcomeLocationRejected
	OutcomeProcessed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIgnored:
		return "ignored"
	case OutcomeFiltered:
		return "filtered"
	case OutcomeTransformFailed:
		return "transform_failed"
	case OutcomeFutureRejected:
		return "future_rejected"
	case OutcomeLocationRejected:
		return "location_rejected"
	case OutcomeProcessed:
		return "processed"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Stats is a snapshot of the pipeline counters. Received counts every
// state change, including entity removals that carry no new state.
type Stats struct {
	Received         uint64
	Filtered         uint64
	TransformFailed  uint64
	FutureRejected   uint64
	LocationRejected uint64
	Processed        uint64
	PublishFailed    uint64
	WriteFailed      uint64
}

// Config wires a Pipeline. Publisher and Writer are required; use a
// discarding implementation to turn an output off.
type Config struct {
	Filters     config.FilterConfig
	Locator     transform.Locator
	NodeName    string
	TopicPrefix string
	Publisher   Publisher
	Writer      Writer

	// Registerer receives the Prometheus collectors. Nil disables them.
	Registerer prometheus.Registerer
	// Now overrides time.Now.
	Now    func() time.Time
	Logger *slog.Logger
}

// stage is the filter and transformer built against one metadata
// snapshot. It is replaced whole, never modified.
type stage struct {
	filter      *filter.Filter
	transformer *transform.Transformer
}

// Pipeline handles state changes. Handle is safe for concurrent use.
type Pipeline struct {
	cfg     Config
	stage   atomic.Pointer[stage]
	metrics *metrics
	now     func() time.Time
	logger  *slog.Logger

	received         atomic.Uint64
	filtered         atomic.Uint64
	transformFailed  atomic.Uint64
	futureRejected   atomic.Uint64
	locationRejected atomic.Uint64
	processed        atomic.Uint64
	publishFailed    atomic.Uint64
	writeFailed      atomic.Uint64
}

// New builds a pipeline with no registry metadata. It fails when the
// filter rules do not compile or the metrics cannot be registered.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Publisher == nil || cfg.Writer == nil {
		return nil, fmt.Errorf("pipeline needs both a publisher and a writer")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	m, err := newMetrics(cfg.Registerer)
	if err != nil {
		return nil, fmt.Errorf("register pipeline metrics: %w", err)
	}

	p := &Pipeline{
		cfg:     cfg,
		metrics: m,
		now:     cfg.Now,
		logger:  cfg.Logger,
	}
	if err := p.SetMetadata(nil); err != nil {
		return nil, err
	}
	return p, nil
}

// SetMetadata rebuilds the filter and transformer against a new
// registry snapshot and swaps them in. Admission decisions cached by
// the previous filter are discarded with it.
func (p *Pipeline) SetMetadata(md *homeassistant.Metadata) error {
	f, err := filter.New(p.cfg.Filters, md, p.logger)
	if err != nil {
		return err
	}
	t := transform.New(p.cfg.Locator, md, p.cfg.NodeName, p.logger, transform.WithClock(p.now))
	p.stage.Store(&stage{filter: f, transformer: t})
	return nil
}

// Filter returns the filter currently in use.
func (p *Pipeline) Filter() *filter.Filter {
	return p.stage.Load().filter
}

// Handle runs one state change through the pipeline. Per-event
// failures are counted and logged, never returned.
func (p *Pipeline) Handle(ctx context.Context, ch homeassistant.StateChange) Outcome {
	start := time.Now()
	o := p.handle(ctx, ch)
	p.metrics.outcome(o, time.Since(start).Seconds())
	return o
}

func (p *Pipeline) handle(ctx context.Context, ch homeassistant.StateChange) Outcome {
	p.received.Add(1)

	st := ch.New
	if st == nil {
		p.logger.Log(ctx, config.LevelTrace, "entity removed", "entity_id", ch.EntityID)
		return OutcomeIgnored
	}
	entityID := ch.EntityID
	if entityID == "" {
		entityID = st.EntityID
	}

	s := p.stage.Load()

	if !s.filter.ShouldIngest(entityID, st) {
		p.filtered.Add(1)
		p.logger.Log(ctx, config.LevelTrace, "entity filtered", "entity_id", entityID)
		return OutcomeFiltered
	}

	r, err := s.transformer.Transform(ctx, entityID, st)
	if err != nil {
		p.transformFailed.Add(1)
		p.logger.Debug("transform failed", "entity_id", entityID, "error", err)
		return OutcomeTransformFailed
	}

	now := p.now()
	ts := time.Unix(r.Timestamp, 0)
	if ts.Sub(now) > FutureTolerance {
		p.futureRejected.Add(1)
		p.logger.Warn("future timestamp rejected",
			"entity_id", entityID,
			"device_id", r.DeviceID,
			"timestamp", ts.UTC().Format(time.RFC3339),
			"ahead_by", humanize.RelTime(now, ts, "behind", "ahead"),
			"delta_s", int64(ts.Sub(now).Seconds()),
		)
		return OutcomeFutureRejected
	}

	if r.Latitude == 0 && r.Longitude == 0 {
		p.locationRejected.Add(1)
		p.logger.Debug("missing location (0, 0)", "entity_id", entityID)
		return OutcomeLocationRejected
	}

	p.processed.Add(1)
	p.deliver(ctx, r)

	m := r.Primary()
	p.logger.Debug("reading processed",
		"entity_id", entityID,
		"reading_type", m.ReadingType,
		"value", m.Value,
		"unit", m.Unit,
	)
	return OutcomeProcessed
}

// deliver sends r to both outputs. A failure in one does not stop the
// other.
func (p *Pipeline) deliver(ctx context.Context, r transform.Reading) {
	topic := transform.BuildTopic(p.cfg.TopicPrefix, r)
	if err := p.cfg.Publisher.Publish(ctx, topic, r); err != nil {
		p.publishFailed.Add(1)
		p.metrics.failure("mqtt")
		p.logger.Warn("publish failed", "topic", topic, "error", err)
	}
	if err := p.cfg.Writer.Write(ctx, r); err != nil {
		p.writeFailed.Add(1)
		p.metrics.failure("database")
		p.logger.Warn("database write failed", "device_id", r.DeviceID, "error", err)
	}
}

// Stats returns the current counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Received:         p.received.Load(),
		Filtered:         p.filtered.Load(),
		TransformFailed:  p.transformFailed.Load(),
		FutureRejected:   p.futureRejected.Load(),
		LocationRejected: p.locationRejected.Load(),
		Processed:        p.processed.Load(),
		PublishFailed:    p.publishFailed.Load(),
		WriteFailed:      p.writeFailed.Load(),
	}
}

// LogStats logs the counters and the filter's decision breakdown.
func (p *Pipeline) LogStats() {
	s := p.Stats()
	fs := p.Filter().Stats()
	p.logger.Info("pipeline statistics",
		"received", s.Received,
		"filtered", s.Filtered,
		"processed", s.Processed,
		"transform_failed", s.TransformFailed,
		"future_rejected", s.FutureRejected,
		"location_rejected", s.LocationRejected,
		"publish_failed", s.PublishFailed,
		"write_failed", s.WriteFailed,
		"filter_evaluated", fs.Evaluated,
		"filter_included", fs.Included,
		"filter_excluded", fs.Excluded,
	)
}
