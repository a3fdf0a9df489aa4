package mqttconverter_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/illmade-knight/go-edgegateway/pkg/mqttconverter"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mocks for Paho MQTT Client ---
type mockToken struct{ err error }

func (m *mockToken) Wait() bool                       { return true }
func (m *mockToken) WaitTimeout(_ time.Duration) bool { return true }
func (m *mockToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (m *mockToken) Error() error { return m.err }

type mockMqttMessage struct {
	topic     string
	payload   []byte
	messageID uint16
}

func (m *mockMqttMessage) Topic() string     { return m.topic }
func (m *mockMqttMessage) Payload() []byte   { return m.payload }
func (m *mockMqttMessage) MessageID() uint16 { return m.messageID }
func (m *mockMqttMessage) Duplicate() bool   { return false }
func (m *mockMqttMessage) Qos() byte         { return 1 }
func (m *mockMqttMessage) Retained() bool    { return false }
func (m *mockMqttMessage) Ack()              {}

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type mockMqttClient struct {
	mu               sync.Mutex
	isConnected      bool
	connectErr       error
	publishErr       error
	disconnectCalled bool
	handlers         map[string]mqtt.MessageHandler
	unsubscribed     []string
	published        []published
}

func (m *mockMqttClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isConnected
}
func (m *mockMqttClient) IsConnectionOpen() bool { return m.IsConnected() }
func (m *mockMqttClient) Connect() mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectErr != nil {
		return &mockToken{err: m.connectErr}
	}
	m.isConnected = true
	return &mockToken{}
}
func (m *mockMqttClient) Disconnect(_ uint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.isConnected = false
	m.disconnectCalled = true
}
func (m *mockMqttClient) Subscribe(topic string, _ byte, callback mqtt.MessageHandler) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handlers == nil {
		m.handlers = make(map[string]mqtt.MessageHandler)
	}
	m.handlers[topic] = callback
	return &mockToken{}
}
func (m *mockMqttClient) Unsubscribe(topics ...string) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsubscribed = append(m.unsubscribed, topics...)
	return &mockToken{}
}
func (m *mockMqttClient) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return &mockToken{err: m.publishErr}
	}
	m.published = append(m.published, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return &mockToken{}
}

// Stubs for unused methods to satisfy the interface.
func (m *mockMqttClient) SubscribeMultiple(_ map[string]byte, _ mqtt.MessageHandler) mqtt.Token {
	return &mockToken{}
}
func (m *mockMqttClient) AddRoute(_ string, _ mqtt.MessageHandler) {}
func (m *mockMqttClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

func (m *mockMqttClient) deliver(t *testing.T, filter string, msg mqtt.Message) {
	t.Helper()
	m.mu.Lock()
	h := m.handlers[filter]
	m.mu.Unlock()
	require.NotNil(t, h, "no handler subscribed for %s", filter)
	h(m, msg)
}

type ingested struct {
	source   string
	payload  string
	metadata map[string]string
}

// --- Test Cases ---

func newTestConsumerConfig() *mqttconverter.MQTTClientConfig {
	cfg := mqttconverter.DefaultMQTTClientConfig()
	cfg.BrokerURL = "tcp://localhost:1883"
	cfg.AllowPublicBroker = true
	cfg.ConnectTimeout = 2 * time.Second
	cfg.TopicMappings = []mqttconverter.TopicMapping{
		{Topic: "plant/+/temperature", Source: "temperature", QoS: 1},
		{Topic: "plant/+/pressure", QoS: 1},
	}
	return &cfg
}

func TestMqttConsumer_StartAndReceive(t *testing.T) {
	cfg := newTestConsumerConfig()
	mockClient := &mockMqttClient{}
	consumer, err := mqttconverter.NewMqttConsumer(mockClient, cfg, zerolog.Nop())
	require.NoError(t, err)

	var got []ingested
	ingest := func(source string, payload []byte, metadata map[string]string) error {
		got = append(got, ingested{source: source, payload: string(payload), metadata: metadata})
		return nil
	}
	require.NoError(t, consumer.Start(context.Background(), ingest))
	assert.True(t, consumer.IsConnected())

	mockClient.deliver(t, "plant/+/temperature", &mockMqttMessage{topic: "plant/7/temperature", payload: []byte(`{"c":21}`), messageID: 1})
	mockClient.deliver(t, "plant/+/pressure", &mockMqttMessage{topic: "plant/7/pressure", payload: []byte(`{"kpa":101}`), messageID: 2})

	require.Len(t, got, 2)
	assert.Equal(t, "temperature", got[0].source)
	assert.Equal(t, `{"c":21}`, got[0].payload)
	assert.Equal(t, "plant/7/temperature", got[0].metadata["mqtt_topic"])
	assert.Equal(t, "plant/+/pressure", got[1].source, "source defaults to the topic filter")
}

func TestMqttConsumer_ConnectFailure(t *testing.T) {
	mockClient := &mockMqttClient{connectErr: errors.New("not authorized")}
	consumer, err := mqttconverter.NewMqttConsumer(mockClient, newTestConsumerConfig(), zerolog.Nop())
	require.NoError(t, err)

	err = consumer.Start(context.Background(), func(string, []byte, map[string]string) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not authorized")
}

func TestMqttConsumer_Stop(t *testing.T) {
	cfg := newTestConsumerConfig()
	mockClient := &mockMqttClient{}
	consumer, err := mqttconverter.NewMqttConsumer(mockClient, cfg, zerolog.Nop())
	require.NoError(t, err)

	calls := 0
	require.NoError(t, consumer.Start(context.Background(), func(string, []byte, map[string]string) error {
		calls++
		return nil
	}))

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(stopCancel)
	require.NoError(t, consumer.Stop(stopCtx))
	require.NoError(t, consumer.Stop(stopCtx), "Stop is idempotent")

	assert.True(t, mockClient.disconnectCalled, "Disconnect should have been called on the client")
	assert.ElementsMatch(t, []string{"plant/+/temperature", "plant/+/pressure"}, mockClient.unsubscribed)

	// A late delivery after Stop is not ingested.
	mockClient.deliver(t, "plant/+/temperature", &mockMqttMessage{topic: "plant/1/temperature", payload: []byte(`{}`)})
	assert.Zero(t, calls)
}

func TestMqttConsumer_HandlerRecoversFromIngestPanic(t *testing.T) {
	mockClient := &mockMqttClient{}
	var logs bytes.Buffer
	consumer, err := mqttconverter.NewMqttConsumer(mockClient, newTestConsumerConfig(), zerolog.New(&logs))
	require.NoError(t, err)

	var got []string
	require.NoError(t, consumer.Start(context.Background(), func(_ string, payload []byte, _ map[string]string) error {
		if string(payload) == "boom" {
			panic("bad reading")
		}
		got = append(got, string(payload))
		return nil
	}))

	assert.NotPanics(t, func() {
		mockClient.deliver(t, "plant/+/temperature", &mockMqttMessage{topic: "plant/1/temperature", payload: []byte("boom")})
	})
	mockClient.deliver(t, "plant/+/temperature", &mockMqttMessage{topic: "plant/1/temperature", payload: []byte(`{"c":20}`)})

	assert.Equal(t, []string{`{"c":20}`}, got)
	assert.Contains(t, logs.String(), `"fault":"unobserved_background"`)
	assert.Contains(t, logs.String(), `"task":"mqtt-handler"`)
	assert.Contains(t, logs.String(), `"topic":"plant/1/temperature"`)
}

func TestNewMqttConsumer_Validation(t *testing.T) {
	cfg := newTestConsumerConfig()
	cfg.TopicMappings = nil
	_, err := mqttconverter.NewMqttConsumer(&mockMqttClient{}, cfg, zerolog.Nop())
	assert.Error(t, err)

	cfg = newTestConsumerConfig()
	cfg.AllowPublicBroker = false
	_, err = mqttconverter.NewMqttConsumer(&mockMqttClient{}, cfg, zerolog.Nop())
	assert.Error(t, err, "credentials are required unless the broker is explicitly public")
}
