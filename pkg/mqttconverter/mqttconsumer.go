package mqttconverter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/illmade-knight/go-edgegateway/pkg/intake"
	"github.com/illmade-knight/go-edgegateway/pkg/supervisor"
	"github.com/rs/zerolog"
)

// MqttConsumer is an intake source that subscribes to the configured topics
// and ingests every message it receives.
type MqttConsumer struct {
	pahoClient mqtt.Client
	mqttCfg    *MQTTClientConfig
	logger     zerolog.Logger

	mu      sync.RWMutex
	ingest  intake.IngestFunc
	started atomic.Bool
	stopped atomic.Bool
}

// NewMqttConsumer creates an MqttConsumer. When client is nil a Paho client is
// built from cfg; it does not connect until Start is called.
func NewMqttConsumer(client mqtt.Client, cfg *MQTTClientConfig, logger zerolog.Logger) (*MqttConsumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.TopicMappings) == 0 {
		return nil, fmt.Errorf("MQTT consumer needs at least one topic mapping")
	}
	c := &MqttConsumer{
		mqttCfg: cfg,
		logger:  logger.With().Str("component", "MqttConsumer").Logger(),
	}
	if client == nil {
		opts, err := newClientOptions(cfg)
		if err != nil {
			return nil, err
		}
		opts.SetOnConnectHandler(func(client mqtt.Client) {
			c.logger.Info().Str("broker", cfg.BrokerURL).Msg("Paho client connected to MQTT broker.")
			// The first subscription is made by Start, this handles reconnects.
			if c.started.Load() && !c.stopped.Load() {
				go func() {
					if err := c.subscribe(client); err != nil {
						c.logger.Error().Err(err).Msg("Failed to resubscribe after reconnect.")
					}
				}()
			}
		})
		opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			c.logger.Error().Err(err).Msg("Paho client lost MQTT connection.")
		})
		client = mqtt.NewClient(opts)
	}
	c.pahoClient = client
	return c, nil
}

func (c *MqttConsumer) Name() string { return "mqtt" }

// Start connects and subscribes to every mapped topic.
func (c *MqttConsumer) Start(_ context.Context, ingest intake.IngestFunc) error {
	c.mu.Lock()
	c.ingest = ingest
	c.mu.Unlock()

	c.logger.Info().Str("broker", c.mqttCfg.BrokerURL).Msg("Attempting to connect to MQTT broker...")
	if err := waitToken(c.pahoClient.Connect(), c.mqttCfg.ConnectTimeout, "connect"); err != nil {
		return err
	}
	if err := c.subscribe(c.pahoClient); err != nil {
		c.pahoClient.Disconnect(250)
		return err
	}
	c.started.Store(true)
	return nil
}

func (c *MqttConsumer) subscribe(client mqtt.Client) error {
	for _, m := range c.mqttCfg.TopicMappings {
		source := m.Source
		if source == "" {
			source = m.Topic
		}
		token := client.Subscribe(m.Topic, m.QoS, c.handleIncomingMessage(source))
		if err := waitToken(token, 5*time.Second, "subscribe "+m.Topic); err != nil {
			return err
		}
		c.logger.Info().Str("topic", m.Topic).Str("source", source).Msg("Successfully subscribed to MQTT topic.")
	}
	return nil
}

// Stop unsubscribes and disconnects. Messages arriving afterwards are ignored.
func (c *MqttConsumer) Stop(_ context.Context) error {
	if c.stopped.Swap(true) {
		return nil
	}
	c.logger.Info().Msg("Stopping MqttConsumer...")
	if c.pahoClient.IsConnected() {
		topics := make([]string, 0, len(c.mqttCfg.TopicMappings))
		for _, m := range c.mqttCfg.TopicMappings {
			topics = append(topics, m.Topic)
		}
		if err := waitToken(c.pahoClient.Unsubscribe(topics...), 2*time.Second, "unsubscribe"); err != nil {
			c.logger.Warn().Err(err).Strs("topics", topics).Msg("Failed to unsubscribe from MQTT topics.")
		}
		c.pahoClient.Disconnect(500)
		c.logger.Info().Msg("Paho MQTT client disconnected.")
	}

	// Wait out any handler that is mid-ingest.
	c.mu.Lock()
	c.ingest = nil
	c.mu.Unlock()
	c.logger.Info().Msg("MqttConsumer stopped.")
	return nil
}

// IsConnected returns the connection status of the underlying Paho client.
func (c *MqttConsumer) IsConnected() bool {
	return c.pahoClient.IsConnected()
}

// handleIncomingMessage ingests messages for one topic mapping. With QoS 1 the
// broker ack is sent by Paho once the handler returns.
func (c *MqttConsumer) handleIncomingMessage(source string) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				supervisor.Report(c.logger.With().Str("topic", msg.Topic()).Logger(), nil, "mqtt-handler", r)
			}
		}()
		c.mu.RLock()
		defer c.mu.RUnlock()
		if c.ingest == nil || c.stopped.Load() {
			return
		}

		payloadCopy := make([]byte, len(msg.Payload()))
		copy(payloadCopy, msg.Payload())
		metadata := map[string]string{
			"transport":  "mqtt",
			"mqtt_topic": msg.Topic(),
		}
		if err := c.ingest(source, payloadCopy, metadata); err != nil {
			c.logger.Warn().Err(err).Str("topic", msg.Topic()).Uint16("message_id", msg.MessageID()).Msg("MQTT reading not accepted.")
		}
	}
}
