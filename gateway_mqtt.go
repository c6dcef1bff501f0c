package msghub

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// mqttOpTimeout bounds subscribe, publish, and disconnect round trips.
const mqttOpTimeout = 10 * time.Second

// MQTTBridgeGateway bridges the application's topic namespace to an MQTT
// broker. Localized topic filters map one-to-one onto MQTT filters (the
// wildcard grammar is the same), publishes are forwarded to the broker,
// and broker messages come back as received messages.
//
// The connection is managed by autopaho: it is established in the
// background after OnStart and re-established on loss, with all active
// filters re-subscribed on every (re-)connect.
type MQTTBridgeGateway struct {
	GatewayBase
	cfg MQTTConfig

	mu      sync.Mutex
	filters map[string]struct{}
	cm      *autopaho.ConnectionManager

	ctx    context.Context
	cancel context.CancelFunc
}

// NewMQTTBridgeGateway creates a bridge for the given broker settings.
func NewMQTTBridgeGateway(cfg MQTTConfig) *MQTTBridgeGateway {
	return &MQTTBridgeGateway{cfg: cfg, filters: make(map[string]struct{})}
}

func (g *MQTTBridgeGateway) OnStart(bundles map[string]Bundle) error {
	if g.cfg.Broker == "" {
		return ErrMissingBrokerURL
	}
	brokerURL, err := url.Parse(g.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker url: %w", err)
	}

	keepAlive := g.cfg.KeepAlive
	if keepAlive == 0 {
		keepAlive = 30
	}
	clientID := g.cfg.ClientID
	if clientID == "" {
		clientID = "msghub-" + g.ID()
	}

	logger := g.App().Logger()
	g.ctx, g.cancel = context.WithCancel(context.Background())

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       keepAlive,
		ConnectUsername: g.cfg.Username,
		ConnectPassword: []byte(g.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			logger.Info("MQTT bridge connected", "gateway", g.ID(), "broker", g.cfg.Broker)
			g.resubscribe(cm)
		},
		OnConnectError: func(err error) {
			logger.Warn("MQTT bridge connection error", "gateway", g.ID(), "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
		},
	}

	cm, err := autopaho.NewConnection(g.ctx, pahoCfg)
	if err != nil {
		g.cancel()
		return fmt.Errorf("mqtt connect: %w", err)
	}
	cm.AddOnPublishReceived(func(pr autopaho.PublishReceived) (bool, error) {
		if err := g.HandleReceived(NewMessage(pr.Packet.Topic, pr.Packet.Payload)); err != nil {
			logger.Warn("MQTT message dropped", "gateway", g.ID(), "topic", pr.Packet.Topic, "error", err)
		}
		return true, nil
	})

	g.mu.Lock()
	g.cm = cm
	g.mu.Unlock()
	return nil
}

// resubscribe re-establishes every active filter after a (re-)connect.
func (g *MQTTBridgeGateway) resubscribe(cm *autopaho.ConnectionManager) {
	g.mu.Lock()
	filters := make([]string, 0, len(g.filters))
	for f := range g.filters {
		filters = append(filters, f)
	}
	g.mu.Unlock()
	if len(filters) == 0 {
		return
	}

	subs := make([]paho.SubscribeOptions, 0, len(filters))
	for _, f := range filters {
		subs = append(subs, paho.SubscribeOptions{Topic: f, QoS: 0})
	}
	ctx, cancel := context.WithTimeout(g.ctx, mqttOpTimeout)
	defer cancel()
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: subs}); err != nil {
		g.App().Logger().Warn("MQTT resubscribe failed", "gateway", g.ID(), "error", err)
	}
}

func (g *MQTTBridgeGateway) OnAddTopicFilter(filter string) error {
	g.mu.Lock()
	g.filters[filter] = struct{}{}
	cm := g.cm
	g.mu.Unlock()
	if cm == nil {
		return nil
	}

	// Off the dispatch goroutine; a lost race with a reconnect is healed
	// by the OnConnectionUp resubscribe.
	go func() {
		ctx, cancel := context.WithTimeout(g.ctx, mqttOpTimeout)
		defer cancel()
		if err := cm.AwaitConnection(ctx); err != nil {
			return
		}
		if _, err := cm.Subscribe(ctx, &paho.Subscribe{
			Subscriptions: []paho.SubscribeOptions{{Topic: filter, QoS: 0}},
		}); err != nil {
			g.App().Logger().Warn("MQTT subscribe failed", "gateway", g.ID(), "filter", filter, "error", err)
		}
	}()
	return nil
}

func (g *MQTTBridgeGateway) OnRemoveTopicFilter(filter string) error {
	g.mu.Lock()
	delete(g.filters, filter)
	cm := g.cm
	g.mu.Unlock()
	if cm == nil {
		return nil
	}

	go func() {
		ctx, cancel := context.WithTimeout(g.ctx, mqttOpTimeout)
		defer cancel()
		if _, err := cm.Unsubscribe(ctx, &paho.Unsubscribe{Topics: []string{filter}}); err != nil {
			g.App().Logger().Warn("MQTT unsubscribe failed", "gateway", g.ID(), "filter", filter, "error", err)
		}
	}()
	return nil
}

func (g *MQTTBridgeGateway) OnPublish(msg *Message) error {
	g.mu.Lock()
	cm := g.cm
	g.mu.Unlock()
	if cm == nil {
		return ErrNotLaunched
	}

	go func() {
		ctx, cancel := context.WithTimeout(g.ctx, mqttOpTimeout)
		defer cancel()
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   msg.Topic(),
			Payload: msg.Payload(),
			QoS:     0,
		}); err != nil {
			g.App().Logger().Warn("MQTT publish failed", "gateway", g.ID(), "topic", msg.Topic(), "error", err)
		}
	}()
	return nil
}

func (g *MQTTBridgeGateway) OnStop() {
	g.mu.Lock()
	cm := g.cm
	g.cm = nil
	g.mu.Unlock()

	if cm != nil {
		ctx, cancel := context.WithTimeout(context.Background(), mqttOpTimeout)
		if err := cm.Disconnect(ctx); err != nil {
			g.App().Logger().Debug("MQTT disconnect", "gateway", g.ID(), "error", err)
		}
		cancel()
	}
	if g.cancel != nil {
		g.cancel()
	}
}

func (g *MQTTBridgeGateway) IsValidTopicName(topic string) bool {
	return IsValidTopicName(topic) && !ContainsWildcard(topic)
}
