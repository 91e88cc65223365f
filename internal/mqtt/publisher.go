package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/webpilot/internal/buildinfo"
	"github.com/nugget/webpilot/internal/config"
	"github.com/nugget/webpilot/internal/events"
)

// Event forwarding limits.
const (
	eventBuffer    = 256
	eventRateLimit = 200
	eventRateEvery = 10 * time.Second
)

// connection is the publishing half of an autopaho connection.
type connection interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Publisher mirrors bus events onto an MQTT broker.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	bus        *events.Bus
	logger     *slog.Logger
	limiter    *rateLimiter

	mu sync.Mutex
	cm *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start].
func New(cfg config.MQTTConfig, instanceID string, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mqtt")
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		bus:        bus,
		logger:     logger,
		limiter:    newRateLimiter(eventRateLimit, eventRateEvery, logger),
	}
}

// Start connects and forwards events until ctx is canceled, then
// publishes "offline" and disconnects.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
			p.publishInfo(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: ClientID(p.cfg.ClientID, p.instanceID),
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	// Subscribe before connecting so nothing published during the
	// handshake is lost beyond the buffer.
	ch := p.bus.Subscribe(eventBuffer)
	defer p.bus.Unsubscribe(ch)

	// The connection outlives ctx long enough to say goodbye.
	connLife, closeConn := context.WithCancel(context.WithoutCancel(ctx))
	defer closeConn()

	cm, err := autopaho.NewConnection(connLife, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	go p.limiter.run(ctx)
	p.forward(ctx, cm, ch)

	stopCtx, cancel := context.WithTimeout(connLife, 5*time.Second)
	defer cancel()
	return p.Stop(stopCtx)
}

// Stop publishes "offline" and disconnects. It is a no-op before Start
// and after a previous Stop.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.cm = nil
	p.mu.Unlock()

	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx ends.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()

	if cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return cm.AwaitConnection(ctx)
}

func (p *Publisher) availabilityTopic() string {
	return p.cfg.TopicPrefix + "/availability"
}

func (p *Publisher) infoTopic() string {
	return p.cfg.TopicPrefix + "/info"
}

// EventTopic is where an event is published.
func EventTopic(prefix string, e events.Event) string {
	return prefix + "/events/" + e.Source + "/" + e.Kind
}

// forward publishes events from ch until ctx is done or ch closes.
func (p *Publisher) forward(ctx context.Context, conn connection, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if !p.limiter.allow() {
				continue
			}
			p.publishEvent(ctx, conn, e)
		}
	}
}

func (p *Publisher) publishEvent(ctx context.Context, conn connection, e events.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("mqtt marshal event", "kind", e.Kind, "error", err)
		return
	}
	topic := EventTopic(p.cfg.TopicPrefix, e)
	if _, err := conn.Publish(ctx, &paho.Publish{Topic: topic, Payload: payload, QoS: 0}); err != nil {
		p.logger.Debug("mqtt event publish failed", "topic", topic, "error", err)
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, conn connection, status string) {
	if _, err := conn.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	p.logger.Info("mqtt availability published", "status", status)
}

func (p *Publisher) publishInfo(ctx context.Context, conn connection) {
	info := buildinfo.BuildInfo()
	info["instance_id"] = p.instanceID
	payload, err := json.Marshal(info)
	if err != nil {
		p.logger.Error("mqtt marshal info", "error", err)
		return
	}
	if _, err := conn.Publish(ctx, &paho.Publish{
		Topic:   p.infoTopic(),
		Payload: payload,
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt info publish failed", "error", err)
	}
}
