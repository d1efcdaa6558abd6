package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/wesense-earth/wesense-ingester-homeassistant/internal/config"
	"github.com/wesense-earth/wesense-ingester-homeassistant/internal/transform"
)

// ErrNotStarted is returned by Publish before Start has connected.
var ErrNotStarted = errors.New("mqtt publisher not started")

// connectWait bounds how long Start waits for the first connection.
const connectWait = 30 * time.Second

// Publisher sends readings to the broker.
type Publisher struct {
	cfg        config.MQTTConfig
	nodeName   string
	instanceID string
	dryRun     bool
	logger     *slog.Logger

	cm    atomic.Pointer[autopaho.ConnectionManager]
	count atomic.Uint64
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to connect.
func New(cfg config.MQTTConfig, nodeName, instanceID string, dryRun bool, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		nodeName:   nodeName,
		instanceID: instanceID,
		dryRun:     dryRun,
		logger:     logger,
	}
}

// Start connects to the broker and waits up to 30 seconds for the
// first connection. A slow broker is not an error: autopaho keeps
// retrying in the background and Publish fails until it connects.
func (p *Publisher) Start(ctx context.Context) error {
	if p.dryRun {
		p.logger.Info("mqtt publisher in dry-run mode, not connecting")
		return nil
	}

	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := p.availabilityTopic()
	clientID := p.cfg.ClientID
	if clientID == "" {
		clientID = ClientID(p.instanceID)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       60,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", brokerURL.Redacted())
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm.Store(cm)

	connCtx, connCancel := context.WithTimeout(ctx, connectWait)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

// Publish sends one reading as JSON. The internal metadata block is
// never part of the payload.
func (p *Publisher) Publish(ctx context.Context, topic string, r transform.Reading) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal reading: %w", err)
	}

	if p.dryRun {
		p.count.Add(1)
		p.logger.Info("dry run: would publish", "topic", topic, "payload", string(payload))
		return nil
	}

	cm := p.cm.Load()
	if cm == nil {
		return ErrNotStarted
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
	}); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	p.count.Add(1)
	p.logger.Debug("published reading", "topic", topic)
	return nil
}

// Stop publishes "offline" and disconnects. ctx bounds both.
func (p *Publisher) Stop(ctx context.Context) error {
	defer func() {
		p.logger.Info("mqtt publisher stopped", "messages_published", p.count.Load())
	}()
	cm := p.cm.Load()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires. In dry-run mode it returns immediately.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	if p.dryRun {
		return nil
	}
	cm := p.cm.Load()
	if cm == nil {
		return ErrNotStarted
	}
	return cm.AwaitConnection(ctx)
}

// MessageCount returns how many readings have been published (or, in
// dry-run mode, would have been).
func (p *Publisher) MessageCount() uint64 {
	return p.count.Load()
}

// availabilityTopic is {prefix}/homeassistant/{node}/availability. The
// instance ID stands in for an unset node name.
func (p *Publisher) availabilityTopic() string {
	node := transform.Sanitize(p.nodeName)
	if node == "" {
		node = p.instanceID
	}
	prefix := strings.TrimRight(p.cfg.TopicPrefix, "/")
	return prefix + "/" + strings.ToLower(transform.DataSource) + "/" + node + "/availability"
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}
