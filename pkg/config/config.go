package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/illmade-knight/go-edgegateway/pkg/intake"
	"github.com/illmade-knight/go-edgegateway/pkg/intakequeue"
	"github.com/illmade-knight/go-edgegateway/pkg/logging"
	"github.com/illmade-knight/go-edgegateway/pkg/messagepipeline"
	"github.com/illmade-knight/go-edgegateway/pkg/mqttconverter"
	"github.com/illmade-knight/go-edgegateway/pkg/sender"
	"github.com/illmade-knight/go-edgegateway/pkg/transform"
	"gopkg.in/yaml.v3"
)

// QueueConfig sizes the intake queue.
type QueueConfig struct {
	Capacity int `yaml:"capacity"`
	// Policy is "block" or "reject".
	Policy           string        `yaml:"policy"`
	AdmissionTimeout time.Duration `yaml:"admission_timeout"`
}

// IntakeConfig enables the optional intake sources. A source is enabled when
// its connection settings are present.
type IntakeConfig struct {
	MQTT   mqttconverter.MQTTClientConfig `yaml:"mqtt"`
	Redis  intake.RedisConfig             `yaml:"redis"`
	PubSub intake.PubSubConfig            `yaml:"pubsub"`
}

// MQTTEnabled reports whether an MQTT broker is configured.
func (c IntakeConfig) MQTTEnabled() bool { return c.MQTT.BrokerURL != "" }

// RedisEnabled reports whether a Redis list source is configured.
func (c IntakeConfig) RedisEnabled() bool { return c.Redis.Addr != "" && len(c.Redis.Keys) > 0 }

// PubSubEnabled reports whether a Pub/Sub subscription is configured.
func (c IntakeConfig) PubSubEnabled() bool { return c.PubSub.SubscriptionID != "" }

// Config is the complete gateway configuration.
type Config struct {
	logging.Config `yaml:",inline"`

	HTTPPort  string                               `yaml:"http_port"`
	Queue     QueueConfig                          `yaml:"queue"`
	Limits    transform.Limits                     `yaml:"limits"`
	Processor messagepipeline.BatchProcessorConfig `yaml:"processor"`
	Sender    sender.SenderConfig                  `yaml:"sender"`
	Intake    IntakeConfig                         `yaml:"intake"`
	// StopTimeout is the drain budget given to the batch processor on shutdown.
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

// Defaults returns a configuration that only lacks the sender endpoint.
func Defaults() *Config {
	return &Config{
		Config:   logging.Config{Level: "info", Format: "json"},
		HTTPPort: ":8080",
		Queue: QueueConfig{
			Capacity:         10000,
			Policy:           intakequeue.PolicyBlock.String(),
			AdmissionTimeout: 250 * time.Millisecond,
		},
		Limits: transform.DefaultLimits(),
		Processor: messagepipeline.BatchProcessorConfig{
			BatchSize:     100,
			FlushInterval: 1 * time.Second,
			SendTimeout:   2 * time.Second,
			Retry: messagepipeline.RetryConfig{
				MaxAttempts: 5,
				BaseDelay:   100 * time.Millisecond,
				MaxDelay:    1600 * time.Millisecond,
			},
		},
		Sender: sender.SenderConfig{
			Protocol:       sender.ProtocolAMQP,
			Subject:        "telemetry",
			ConnectTimeout: 10 * time.Second,
		},
		Intake: IntakeConfig{
			MQTT: mqttconverter.DefaultMQTTClientConfig(),
			Redis: intake.RedisConfig{
				PollTimeout: time.Second,
				RetryDelay:  500 * time.Millisecond,
			},
			PubSub: intake.PubSubConfig{
				MaxOutstandingMessages: 100,
				NumGoroutines:          1,
			},
		},
		StopTimeout: 5 * time.Second,
	}
}

// Load reads the YAML file at path over Defaults, applies GATEWAY_* environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Environment variables that override the file.
const (
	EnvLogLevel           = "GATEWAY_LOG_LEVEL"
	EnvLogFormat          = "GATEWAY_LOG_FORMAT"
	EnvHTTPPort           = "GATEWAY_HTTP_PORT"
	EnvQueueCapacity      = "GATEWAY_QUEUE_CAPACITY"
	EnvQueuePolicy        = "GATEWAY_QUEUE_POLICY"
	EnvBatchSize          = "GATEWAY_BATCH_SIZE"
	EnvFlushInterval      = "GATEWAY_FLUSH_INTERVAL"
	EnvSendTimeout        = "GATEWAY_SEND_TIMEOUT"
	EnvMaxAttempts        = "GATEWAY_RETRY_MAX_ATTEMPTS"
	EnvSenderProtocol     = "GATEWAY_SENDER_PROTOCOL"
	EnvSenderAddress      = "GATEWAY_SENDER_ADDRESS"
	EnvSenderHubName      = "GATEWAY_SENDER_HUB_NAME"
	EnvSenderUsername     = "GATEWAY_SENDER_USERNAME"
	EnvSenderPassword     = "GATEWAY_SENDER_PASSWORD"
	EnvSenderProjectID    = "GATEWAY_SENDER_PROJECT_ID"
	EnvDeviceID           = "GATEWAY_DEVICE_ID"
	EnvMQTTBrokerURL      = "GATEWAY_MQTT_BROKER_URL"
	EnvMQTTUsername       = "GATEWAY_MQTT_USERNAME"
	EnvMQTTPassword       = "GATEWAY_MQTT_PASSWORD"
	EnvRedisAddr          = "GATEWAY_REDIS_ADDR"
	EnvPubSubSubscription = "GATEWAY_PUBSUB_SUBSCRIPTION"
	EnvStopTimeout        = "GATEWAY_STOP_TIMEOUT"
	// EnvStopTimeoutMS is the stop timeout in milliseconds, for deployments that
	// still set it that way. GATEWAY_STOP_TIMEOUT wins when both are set.
	EnvStopTimeoutMS = "STOP_TIMEOUT_MS"
)

// ApplyEnv overrides fields from the environment. Unparseable values are errors.
func (c *Config) ApplyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str(EnvLogLevel, &c.Level)
	str(EnvLogFormat, &c.Format)
	str(EnvHTTPPort, &c.HTTPPort)
	integer(EnvQueueCapacity, &c.Queue.Capacity)
	str(EnvQueuePolicy, &c.Queue.Policy)
	integer(EnvBatchSize, &c.Processor.BatchSize)
	duration(EnvFlushInterval, &c.Processor.FlushInterval)
	duration(EnvSendTimeout, &c.Processor.SendTimeout)
	integer(EnvMaxAttempts, &c.Processor.Retry.MaxAttempts)
	str(EnvSenderProtocol, &c.Sender.Protocol)
	str(EnvSenderAddress, &c.Sender.Address)
	str(EnvSenderHubName, &c.Sender.HubName)
	str(EnvSenderUsername, &c.Sender.Username)
	str(EnvSenderPassword, &c.Sender.Password)
	str(EnvSenderProjectID, &c.Sender.ProjectID)
	str(EnvDeviceID, &c.Sender.DeviceID)
	str(EnvMQTTBrokerURL, &c.Intake.MQTT.BrokerURL)
	str(EnvMQTTUsername, &c.Intake.MQTT.Username)
	str(EnvMQTTPassword, &c.Intake.MQTT.Password)
	str(EnvRedisAddr, &c.Intake.Redis.Addr)
	str(EnvPubSubSubscription, &c.Intake.PubSub.SubscriptionID)

	var ms int
	integer(EnvStopTimeoutMS, &ms)
	if ms > 0 {
		c.StopTimeout = time.Duration(ms) * time.Millisecond
	}
	duration(EnvStopTimeout, &c.StopTimeout)

	return errors.Join(errs...)
}

// Validate reports every setting the gateway cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if _, err := intakequeue.ParseAdmissionPolicy(c.Queue.Policy); err != nil {
		errs = append(errs, err)
	}
	if c.Queue.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("queue.capacity must be positive"))
	}
	if f := strings.ToLower(c.Format); f != "" && f != "json" && f != "console" {
		errs = append(errs, fmt.Errorf("log_format must be json or console, got %q", c.Format))
	}
	if c.Limits.MaxPayloadSize > 0 && c.Limits.MaxPayloadSize < c.Limits.MinPayloadSize {
		errs = append(errs, fmt.Errorf("limits.max_payload_size is below limits.min_payload_size"))
	}
	if c.Processor.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("processor.batch_size must be positive"))
	}
	if c.StopTimeout <= 0 {
		errs = append(errs, fmt.Errorf("stop_timeout must be positive"))
	}

	switch c.Sender.Protocol {
	case sender.ProtocolPubSub:
		if c.Sender.ProjectID == "" {
			errs = append(errs, fmt.Errorf("sender.project_id is required for pubsub"))
		}
	case sender.ProtocolAMQP, sender.ProtocolKafka, sender.ProtocolRabbitMQ, sender.ProtocolMQTT:
		if c.Sender.Address == "" {
			errs = append(errs, fmt.Errorf("sender.address is required for %s", c.Sender.Protocol))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown sender.protocol %q", c.Sender.Protocol))
	}
	if c.Sender.HubName == "" {
		errs = append(errs, fmt.Errorf("sender.hub_name is required"))
	}

	if c.Intake.MQTTEnabled() {
		if err := c.Intake.MQTT.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("intake.mqtt: %w", err))
		}
		if len(c.Intake.MQTT.TopicMappings) == 0 {
			errs = append(errs, fmt.Errorf("intake.mqtt.topic_mappings must not be empty"))
		}
	}
	if c.Intake.PubSubEnabled() && c.Intake.PubSub.ProjectID == "" {
		errs = append(errs, fmt.Errorf("intake.pubsub.project_id is required"))
	}
	return errors.Join(errs...)
}

// AdmissionPolicy returns the parsed queue policy. Call it after Validate.
func (c *Config) AdmissionPolicy() intakequeue.AdmissionPolicy {
	p, _ := intakequeue.ParseAdmissionPolicy(c.Queue.Policy)
	return p
}
