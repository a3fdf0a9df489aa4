package sender

import (
	"context"
	"time"

	"github.com/illmade-knight/go-edgegateway/pkg/types"
)

// OutboundSender delivers batches of records to the cloud broker.
//
// Send must classify failures with Transient or Fatal (see SendError). Close
// releases the underlying connection; it is called once, after the batch
// processor has stopped, and never concurrently with Send.
type OutboundSender interface {
	Send(ctx context.Context, batch types.Batch) error
	Close() error
}

// Supported values for SenderConfig.Protocol.
const (
	ProtocolAMQP     = "amqp"
	ProtocolKafka    = "kafka"
	ProtocolRabbitMQ = "rabbitmq"
	ProtocolPubSub   = "pubsub"
	ProtocolMQTT     = "mqtt"
)

// SenderConfig identifies the broker endpoint and the device this gateway
// publishes as. It is loaded once and shared read-only.
type SenderConfig struct {
	// Protocol selects the sender implementation. Defaults to "amqp".
	Protocol string `yaml:"protocol"`
	// Address is the broker address: an amqps:// URL for Event Hubs, a comma
	// separated broker list for Kafka, a broker URL for MQTT and RabbitMQ.
	Address string `yaml:"address"`
	// HubName is the event hub, topic or queue the records are sent to.
	HubName string `yaml:"hub_name"`
	// Subject is stamped on every outbound message.
	Subject     string `yaml:"subject"`
	DeviceID    string `yaml:"device_id"`
	DisplayName string `yaml:"display_name"`

	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// ProjectID and CredentialsFile are used by the Pub/Sub sender only.
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// LogPrefix is attached to every log line written by the sender.
	LogPrefix string `yaml:"log_prefix"`
}
