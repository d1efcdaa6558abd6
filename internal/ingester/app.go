package ingester

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/wesense-earth/wesense-ingester-homeassistant/internal/api"
	"github.com/wesense-earth/wesense-ingester-homeassistant/internal/config"
	"github.com/wesense-earth/wesense-ingester-homeassistant/internal/connwatch"
	"github.com/wesense-earth/wesense-ingester-homeassistant/internal/homeassistant"
	"github.com/wesense-earth/wesense-ingester-homeassistant/internal/location"
	"github.com/wesense-earth/wesense-ingester-homeassistant/internal/mqtt"
	"github.com/wesense-earth/wesense-ingester-homeassistant/internal/pipeline"
	"github.com/wesense-earth/wesense-ingester-homeassistant/internal/warehouse"
)

// shutdownTimeout bounds the offline publish and the final flush.
const shutdownTimeout = 10 * time.Second

// App is a fully wired ingester.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	registry  *prometheus.Registry
	rest      *homeassistant.Client
	resolver  *location.Resolver
	publisher *mqtt.Publisher
	writer    warehouse.Writer
	pipeline  *pipeline.Pipeline
	host      *Host
	health    *connwatch.Manager
}

// Option customises New.
type Option func(*options)

type options struct {
	dial   Dialer
	writer warehouse.Writer
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(d Dialer) Option {
	return func(o *options) { o.dial = d }
}

// WithWriter replaces the database writer built from configuration.
func WithWriter(w warehouse.Writer) Option {
	return func(o *options) { o.writer = w }
}

// New builds every component from a validated configuration. It opens
// the database but does not connect to the hub or the broker.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		rest:     homeassistant.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger),
		health:   connwatch.NewManager(logger),
	}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var geocoder location.Geocoder
	if cfg.Geocoding.Provider == "nominatim" {
		geocoder = location.NewNominatim(cfg.Geocoding.URL, cfg.Geocoding.Timeout(), logger)
	}
	a.resolver = location.NewResolver(cfg.Location, geocoder, location.Options{
		Timeout:   cfg.Geocoding.Timeout(),
		CacheTTL:  cfg.Geocoding.TTL(),
		CacheSize: cfg.Geocoding.CacheSize,
		Precision: cfg.Geocoding.Precision,
	}, logger)

	instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
	if err != nil {
		a.resolver.Close()
		return nil, fmt.Errorf("instance id: %w", err)
	}
	a.publisher = mqtt.New(cfg.Output.MQTT, cfg.NodeName, instanceID, cfg.DryRun, logger)

	switch {
	case o.writer != nil:
		a.writer = o.writer
	case cfg.DryRun || cfg.DisableDatabase:
		a.writer = warehouse.NewDiscard(cfg.DryRun, logger)
	default:
		w, err := warehouse.Open(ctx, cfg.Database, logger)
		if err != nil {
			a.resolver.Close()
			return nil, err
		}
		a.writer = w
	}

	a.pipeline, err = pipeline.New(pipeline.Config{
		Filters:     cfg.Filters,
		Locator:     a.resolver,
		NodeName:    cfg.NodeName,
		TopicPrefix: cfg.Output.MQTT.TopicPrefix,
		Publisher:   a.publisher,
		Writer:      a.writer,
		Registerer:  a.registry,
		Logger:      logger,
	})
	if err != nil {
		a.closeEarly()
		return nil, err
	}

	dial := o.dial
	if dial == nil {
		dial = WSDialer(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
	}
	a.host, err = NewHost(HostConfig{
		Mode:         cfg.HomeAssistant.Mode,
		PollInterval: cfg.HomeAssistant.Polling.Interval(),
		Dial:         dial,
		States:       a.rest,
		Pipeline:     a.pipeline,
		Suspicious: func(states []homeassistant.State) []string {
			return a.pipeline.Filter().FindSuspicious(states)
		},
		Logger: logger,
	})
	if err != nil {
		a.closeEarly()
		return nil, err
	}
	return a, nil
}

func (a *App) closeEarly() {
	_ = a.writer.Close(context.Background())
	_ = a.resolver.Close()
}

// Pipeline returns the pipeline, for inspection.
func (a *App) Pipeline() *pipeline.Pipeline { return a.pipeline }

// Health returns the dependency health manager.
func (a *App) Health() *connwatch.Manager { return a.health }

// Run starts every component and blocks until ctx is cancelled, then
// shuts down in order: hub loop, broker, database, statistics.
func (a *App) Run(ctx context.Context) error {
	if err := a.publisher.Start(ctx); err != nil {
		a.closeEarly()
		return fmt.Errorf("start mqtt publisher: %w", err)
	}

	writerCtx, stopWriter := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.writer.Run(writerCtx)
	}()

	a.watch(ctx)

	var serverErr error
	if a.cfg.Metrics.Listen != "" {
		srv := api.NewServer(api.Config{
			Listen:   a.cfg.Metrics.Listen,
			Gatherer: a.registry,
			Health:   a.health,
			Stats:    a.pipeline,
			Logger:   a.logger,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Start(ctx); err != nil {
				a.logger.Error("metrics server failed", "error", err)
				serverErr = err
			}
		}()
	}

	a.logger.Info("ingester running",
		"mode", a.cfg.HomeAssistant.Mode,
		"node_name", a.cfg.NodeName,
		"dry_run", a.cfg.DryRun,
		"database", !a.cfg.DisableDatabase && !a.cfg.DryRun,
	)
	hostErr := a.host.Run(ctx)

	a.health.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.publisher.Stop(shutdownCtx); err != nil {
		a.logger.Warn("mqtt disconnect failed", "error", err)
	}
	stopWriter()
	wg.Wait()
	writeErr := a.writer.Close(shutdownCtx)
	_ = a.resolver.Close()

	a.pipeline.LogStats()
	a.logger.Info("ingester stopped",
		"mqtt_messages", a.publisher.MessageCount(),
		"database_rows", a.writer.Written(),
	)

	return errors.Join(hostErr, writeErr, serverErr)
}

// watch registers health probes for the hub, the broker and the database.
func (a *App) watch(ctx context.Context) {
	a.health.Watch(ctx, connwatch.WatcherConfig{Name: "homeassistant", Probe: a.rest.Ping})
	if !a.cfg.DryRun {
		a.health.Watch(ctx, connwatch.WatcherConfig{Name: "mqtt", Probe: a.publisher.AwaitConnection})
	}
	if p, ok := a.writer.(interface{ Ping(context.Context) error }); ok {
		a.health.Watch(ctx, connwatch.WatcherConfig{Name: "database", Probe: p.Ping})
	}
}
