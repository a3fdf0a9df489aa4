package gateway

import (
	"context"
	"fmt"

	"github.com/illmade-knight/go-edgegateway/pkg/config"
	"github.com/illmade-knight/go-edgegateway/pkg/intake"
	"github.com/illmade-knight/go-edgegateway/pkg/mqttconverter"
	"github.com/illmade-knight/go-edgegateway/pkg/sender"
	"github.com/rs/zerolog"
)

// NewSender builds the outbound sender selected by cfg.Protocol.
func NewSender(ctx context.Context, cfg *sender.SenderConfig, logger zerolog.Logger) (sender.OutboundSender, error) {
	switch cfg.Protocol {
	case "", sender.ProtocolAMQP:
		return sender.NewAMQPSender(cfg, logger)
	case sender.ProtocolKafka:
		return sender.NewKafkaSender(cfg, logger)
	case sender.ProtocolRabbitMQ:
		return sender.NewRabbitMQSender(cfg, logger)
	case sender.ProtocolPubSub:
		return sender.DialPubSubSender(ctx, cfg, logger)
	case sender.ProtocolMQTT:
		return mqttconverter.NewMqttPublisher(nil, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown sender protocol %q", cfg.Protocol)
	}
}

// NewSources builds the intake sources enabled in cfg.
func NewSources(ctx context.Context, cfg config.IntakeConfig, logger zerolog.Logger) ([]intake.Source, error) {
	var sources []intake.Source
	if cfg.MQTTEnabled() {
		mqttCfg := cfg.MQTT
		consumer, err := mqttconverter.NewMqttConsumer(nil, &mqttCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("mqtt intake: %w", err)
		}
		sources = append(sources, consumer)
	}
	if cfg.RedisEnabled() {
		src, err := intake.NewRedisListSource(ctx, cfg.Redis, logger)
		if err != nil {
			return nil, fmt.Errorf("redis intake: %w", err)
		}
		sources = append(sources, src)
	}
	if cfg.PubSubEnabled() {
		src, err := intake.DialPubSubSource(ctx, cfg.PubSub, logger)
		if err != nil {
			return nil, fmt.Errorf("pubsub intake: %w", err)
		}
		sources = append(sources, src)
	}
	return sources, nil
}
