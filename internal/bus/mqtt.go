package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-assistant/internal/config"
	"github.com/lexiqai/voice-assistant/internal/observability"
)

// MQTTBus is a Bus over an MQTT broker. Messages of one subscription are
// delivered in broker order on a single goroutine.
type MQTTBus struct {
	client mqtt.Client
	qos    byte
	logger zerolog.Logger

	mu   sync.Mutex
	subs map[string]Handler
}

// NewMQTTBus configures a client for cfg's broker. Call Connect before use.
func NewMQTTBus(cfg *config.Config, clientID string) *MQTTBus {
	if clientID == "" {
		clientID = cfg.MQTTClientID
	}
	if clientID == "" {
		clientID = "voice-" + uuid.NewString()[:8]
	}

	b := &MQTTBus{
		qos:    byte(cfg.MQTTQoS),
		logger: observability.WithComponent("mqtt").With().Str("client_id", clientID).Logger(),
		subs:   make(map[string]Handler),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBrokerURL()).
		SetClientID(clientID).
		SetKeepAlive(time.Duration(cfg.MQTTKeepAlive) * time.Second).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetOrderMatters(true).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			b.logger.Warn().Err(err).Msg("MQTT connection lost, reconnecting")
		})
	if cfg.MQTTUsername != "" {
		opts.SetUsername(cfg.MQTTUsername)
		opts.SetPassword(cfg.MQTTPassword)
	}

	b.client = mqtt.NewClient(opts)
	return b
}

// Connect performs one connection attempt
func (b *MQTTBus) Connect(ctx context.Context) error {
	if err := wait(ctx, b.client.Connect()); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	return nil
}

// onConnect restores subscriptions after the initial connect and every reconnect
func (b *MQTTBus) onConnect(c mqtt.Client) {
	b.mu.Lock()
	subs := make(map[string]Handler, len(b.subs))
	for topic, h := range b.subs {
		subs[topic] = h
	}
	b.mu.Unlock()

	for topic, h := range subs {
		token := c.Subscribe(topic, b.qos, b.deliver(h))
		if token.WaitTimeout(10*time.Second) && token.Error() != nil {
			b.logger.Error().Err(token.Error()).Str("topic", topic).Msg("Failed to restore subscription")
		}
	}
	b.logger.Info().Int("subscriptions", len(subs)).Msg("MQTT connected")
}

func (b *MQTTBus) deliver(h Handler) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		observability.BusMessage(msg.Topic(), "in")
		h(msg.Topic(), msg.Payload())
	}
}

func (b *MQTTBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := wait(ctx, b.client.Publish(topic, b.qos, false, payload)); err != nil {
		return publishError(topic, err)
	}
	observability.BusMessage(topic, "out")
	return nil
}

func (b *MQTTBus) Subscribe(ctx context.Context, topic string, h Handler) error {
	b.mu.Lock()
	b.subs[topic] = h
	b.mu.Unlock()

	if !b.client.IsConnectionOpen() {
		// Picked up by onConnect
		return nil
	}
	if err := wait(ctx, b.client.Subscribe(topic, b.qos, b.deliver(h))); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	b.logger.Debug().Str("topic", topic).Msg("Subscribed")
	return nil
}

func (b *MQTTBus) Connected() bool {
	return b.client.IsConnectionOpen()
}

func (b *MQTTBus) Close() error {
	b.client.Disconnect(250)
	return nil
}

func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
