package mqttconverter

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// TopicMapping routes an MQTT subscription to a gateway source name.
type TopicMapping struct {
	// Topic is the subscription filter and may contain + and # wildcards.
	Topic string `yaml:"topic"`
	// Source names the readings received on Topic. Defaults to Topic.
	Source string `yaml:"source"`
	QoS    byte   `yaml:"qos"`
}

// MQTTClientConfig holds the connection and security settings for a Paho MQTT client.
type MQTTClientConfig struct {
	// BrokerURL is the full URL of the MQTT broker, e.g. "tls://mqtt.example.com:8883".
	BrokerURL string `yaml:"broker_url"`
	// TopicMappings are the subscriptions of an MqttConsumer. Unused by the publisher.
	TopicMappings []TopicMapping `yaml:"topic_mappings"`
	// ClientIDPrefix gets a unique suffix, since most brokers require unique client ids.
	ClientIDPrefix string `yaml:"client_id_prefix"`
	// AllowPublicBroker permits connecting without a username and password.
	AllowPublicBroker bool   `yaml:"allow_public_broker"`
	Username          string `yaml:"username"`
	Password          string `yaml:"password"`

	KeepAlive        time.Duration `yaml:"keep_alive"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	ReconnectWaitMax time.Duration `yaml:"reconnect_wait_max"`

	CACertFile     string `yaml:"ca_cert_file"`
	ClientCertFile string `yaml:"client_cert_file"`
	ClientKeyFile  string `yaml:"client_key_file"`
	// InsecureSkipVerify skips TLS certificate verification. Not for production.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// DefaultMQTTClientConfig returns the operational defaults. BrokerURL and
// TopicMappings are left empty.
func DefaultMQTTClientConfig() MQTTClientConfig {
	return MQTTClientConfig{
		ClientIDPrefix:   "edge-gateway-",
		KeepAlive:        60 * time.Second,
		ConnectTimeout:   10 * time.Second,
		ReconnectWaitMax: 120 * time.Second,
	}
}

// Validate checks the settings a client cannot connect without.
func (c *MQTTClientConfig) Validate() error {
	if c.BrokerURL == "" {
		return fmt.Errorf("MQTT broker URL is required")
	}
	if c.Username == "" && !c.AllowPublicBroker {
		return fmt.Errorf("MQTT username is required unless allow_public_broker is set")
	}
	return nil
}

// newClientOptions assembles the Paho options shared by consumer and publisher.
func newClientOptions(cfg *MQTTClientConfig) (*mqtt.ClientOptions, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	uniqueSuffix := time.Now().UnixNano() % 1000000
	opts.SetClientID(fmt.Sprintf("%s%d", cfg.ClientIDPrefix, uniqueSuffix))
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(cfg.ReconnectWaitMax)
	opts.SetOrderMatters(false)

	if strings.HasPrefix(strings.ToLower(cfg.BrokerURL), "tls://") ||
		strings.HasPrefix(strings.ToLower(cfg.BrokerURL), "ssl://") {
		tlsConfig, err := newTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}
	return opts, nil
}

// newTLSConfig is a helper to create a tls.Config.
func newTLSConfig(cfg *MQTTClientConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.CACertFile != "" {
		caCert, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert file %s: %w", cfg.CACertFile, err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append CA cert from %s", cfg.CACertFile)
		}
		tlsConfig.RootCAs = caCertPool
	}
	if cfg.ClientCertFile != "" && cfg.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate/key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

// waitToken waits for token up to timeout and returns its error, or a timeout error.
func waitToken(token mqtt.Token, timeout time.Duration, op string) error {
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt %s timed out after %s", op, timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt %s: %w", op, err)
	}
	return nil
}
