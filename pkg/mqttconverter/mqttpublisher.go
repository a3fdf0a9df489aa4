package mqttconverter

import (
	"context"
	"fmt"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/illmade-knight/go-edgegateway/pkg/sender"
	"github.com/illmade-knight/go-edgegateway/pkg/types"
	"github.com/rs/zerolog"
)

// MqttPublisher is an outbound sender that publishes every record with QoS 1
// to "<HubName>/<Subject>".
type MqttPublisher struct {
	pahoClient mqtt.Client
	topic      string
	cfg        *MQTTClientConfig
	logger     zerolog.Logger
	connectMu  sync.Mutex
}

// ClientConfigFor derives the MQTT client settings of a publisher from the sender configuration.
func ClientConfigFor(cfg *sender.SenderConfig) *MQTTClientConfig {
	mqttCfg := DefaultMQTTClientConfig()
	mqttCfg.BrokerURL = cfg.Address
	mqttCfg.Username = cfg.Username
	mqttCfg.Password = cfg.Password
	mqttCfg.AllowPublicBroker = cfg.Username == ""
	if cfg.DeviceID != "" {
		mqttCfg.ClientIDPrefix = cfg.DeviceID + "-"
	}
	if cfg.ConnectTimeout > 0 {
		mqttCfg.ConnectTimeout = cfg.ConnectTimeout
	}
	return &mqttCfg
}

// NewMqttPublisher creates an MqttPublisher. When client is nil a Paho client is
// built from the sender configuration.
func NewMqttPublisher(client mqtt.Client, cfg *sender.SenderConfig, logger zerolog.Logger) (*MqttPublisher, error) {
	if cfg.HubName == "" {
		return nil, fmt.Errorf("MQTT publish topic prefix (hub name) is required")
	}
	mqttCfg := ClientConfigFor(cfg)
	if err := mqttCfg.Validate(); err != nil {
		return nil, err
	}
	p := &MqttPublisher{
		topic:  cfg.HubName + "/" + cfg.Subject,
		cfg:    mqttCfg,
		logger: logger.With().Str("component", "MqttPublisher").Str("prefix", cfg.LogPrefix).Logger(),
	}
	if client == nil {
		opts, err := newClientOptions(mqttCfg)
		if err != nil {
			return nil, err
		}
		opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			p.logger.Error().Err(err).Msg("Paho client lost MQTT connection.")
		})
		client = mqtt.NewClient(opts)
	}
	p.pahoClient = client
	return p, nil
}

// Open connects to the broker.
func (p *MqttPublisher) Open(_ context.Context) error {
	p.connectMu.Lock()
	defer p.connectMu.Unlock()
	if p.pahoClient.IsConnected() {
		return nil
	}
	if err := waitToken(p.pahoClient.Connect(), p.cfg.ConnectTimeout, "connect"); err != nil {
		return sender.Transient(err)
	}
	p.logger.Info().Str("broker", p.cfg.BrokerURL).Str("topic", p.topic).Msg("MQTT publisher connected.")
	return nil
}

func (p *MqttPublisher) Send(ctx context.Context, batch types.Batch) error {
	if !p.pahoClient.IsConnectionOpen() {
		if err := p.Open(ctx); err != nil {
			return err
		}
	}
	for _, rec := range batch {
		body, err := rec.Encode()
		if err != nil {
			return sender.Fatal(fmt.Errorf("encode record %s: %w", rec.ID, err))
		}
		token := p.pahoClient.Publish(p.topic, 1, false, body)
		select {
		case <-token.Done():
		case <-ctx.Done():
			return sender.Transient(fmt.Errorf("mqtt publish %s: %w", rec.ID, ctx.Err()))
		}
		if err := token.Error(); err != nil {
			return sender.Transient(fmt.Errorf("mqtt publish %s: %w", rec.ID, err))
		}
	}
	return nil
}

func (p *MqttPublisher) Close() error {
	if p.pahoClient.IsConnected() {
		p.logger.Info().Msg("Disconnecting MQTT publisher...")
		p.pahoClient.Disconnect(500)
	}
	return nil
}
