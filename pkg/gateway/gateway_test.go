package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/illmade-knight/go-edgegateway/pkg/config"
	"github.com/illmade-knight/go-edgegateway/pkg/gateway"
	"github.com/illmade-knight/go-edgegateway/pkg/intake"
	"github.com/illmade-knight/go-edgegateway/pkg/messagepipeline"
	"github.com/illmade-knight/go-edgegateway/pkg/transform"
	"github.com/illmade-knight/go-edgegateway/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// eventLog records lifecycle calls across components so ordering can be asserted.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type recordingSender struct {
	log    *eventLog
	block  chan struct{}
	mu     sync.Mutex
	sent   []types.OutboundRecord
	closed bool
}

func (s *recordingSender) Open(context.Context) error {
	s.log.add("sender.open")
	return nil
}

func (s *recordingSender) Send(_ context.Context, batch types.Batch) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, batch...)
	return nil
}

func (s *recordingSender) Close() error {
	s.log.add("sender.close")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSender) records() []types.OutboundRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.OutboundRecord(nil), s.sent...)
}

type fakeSource struct {
	log    *eventLog
	ingest intake.IngestFunc
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Start(_ context.Context, ingest intake.IngestFunc) error {
	f.log.add("source.start")
	f.ingest = ingest
	return nil
}

func (f *fakeSource) Stop(context.Context) error {
	f.log.add("source.stop")
	return nil
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.HTTPPort = ":0"
	cfg.Queue.Capacity = 100
	cfg.Processor.BatchSize = 10
	cfg.Processor.FlushInterval = 50 * time.Millisecond
	cfg.Processor.SendTimeout = 100 * time.Millisecond
	cfg.Sender.Address = "amqps://test.servicebus.windows.net"
	cfg.Sender.HubName = "hub"
	cfg.Sender.DeviceID = "gw-01"
	cfg.StopTimeout = time.Second
	return cfg
}

func newTestGateway(t *testing.T, cfg *config.Config, s *recordingSender, sources ...intake.Source) *gateway.Gateway {
	t.Helper()
	g, err := gateway.New(context.Background(), cfg, zerolog.Nop(),
		gateway.WithSender(s),
		gateway.WithSources(sources...),
		gateway.WithRegistry(prometheus.NewRegistry()),
	)
	require.NoError(t, err)
	return g
}

func TestGateway_StartAndShutdownOrder(t *testing.T) {
	log := &eventLog{}
	s := &recordingSender{log: log}
	src := &fakeSource{log: log}
	g := newTestGateway(t, testConfig(), s, src)

	require.NoError(t, g.Start(context.Background()))
	assert.True(t, g.Ready())

	require.NoError(t, g.Shutdown(context.Background()))
	assert.False(t, g.Ready())
	assert.Equal(t, []string{"sender.open", "source.start", "source.stop", "sender.close"}, log.get())

	require.NoError(t, g.Shutdown(context.Background()), "a second shutdown is a no-op")
	assert.Len(t, log.get(), 4)
}

func TestGateway_IngestDelivers(t *testing.T) {
	s := &recordingSender{log: &eventLog{}}
	src := &fakeSource{log: &eventLog{}}
	g := newTestGateway(t, testConfig(), s, src)
	require.NoError(t, g.Start(context.Background()))
	t.Cleanup(func() { _ = g.Shutdown(context.Background()) })

	require.NoError(t, src.ingest("fake", []byte(`{"temp":21.5}`), map[string]string{"zone": "a"}))

	require.Eventually(t, func() bool { return len(s.records()) == 1 }, 2*time.Second, 10*time.Millisecond)
	rec := s.records()[0]
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "gw-01", rec.DeviceID)
	assert.Equal(t, "fake", rec.Source)
	assert.JSONEq(t, `{"temp":21.5}`, string(rec.Payload))
	assert.Equal(t, "a", rec.Metadata["zone"])
}

func TestGateway_HTTPIntake(t *testing.T) {
	s := &recordingSender{log: &eventLog{}}
	g := newTestGateway(t, testConfig(), s)
	require.NoError(t, g.Start(context.Background()))
	t.Cleanup(func() { _ = g.Shutdown(context.Background()) })

	url := "http://localhost" + g.HTTPPort() + intake.ReadingsPath
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewBufferString(`{"humidity":40}`))
	require.NoError(t, err)
	req.Header.Set("X-Source", "sensor-7")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	var body intake.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "accepted", body.Status)

	require.Eventually(t, func() bool { return len(s.records()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "sensor-7", s.records()[0].Source)

	ready, err := http.Get("http://localhost" + g.HTTPPort() + "/readyz")
	require.NoError(t, err)
	ready.Body.Close()
	assert.Equal(t, http.StatusOK, ready.StatusCode)
}

func TestGateway_ShutdownDrainsQueue(t *testing.T) {
	cfg := testConfig()
	cfg.Processor.FlushInterval = time.Hour
	s := &recordingSender{log: &eventLog{}}
	g := newTestGateway(t, cfg, s)
	require.NoError(t, g.Start(context.Background()))

	for i := 0; i < 25; i++ {
		require.NoError(t, g.Ingest("bulk", []byte(`{"n":1}`), nil))
	}
	require.NoError(t, g.Shutdown(context.Background()))
	assert.Len(t, s.records(), 25)
}

func TestGateway_ShutdownTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.StopTimeout = 100 * time.Millisecond
	release := make(chan struct{})
	s := &recordingSender{log: &eventLog{}, block: release}
	t.Cleanup(func() { close(release) })
	g := newTestGateway(t, cfg, s)
	require.NoError(t, g.Start(context.Background()))

	require.NoError(t, g.Ingest("slow", []byte(`{"n":1}`), nil))
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	err := g.Shutdown(context.Background())
	require.Error(t, err)
	var timeoutErr *messagepipeline.ShutdownTimeoutError
	assert.True(t, errors.As(err, &timeoutErr))
	assert.Less(t, time.Since(start), time.Second)
}

func TestGateway_IngestErrors(t *testing.T) {
	s := &recordingSender{log: &eventLog{}}
	g := newTestGateway(t, testConfig(), s)
	require.NoError(t, g.Start(context.Background()))

	err := g.Ingest("sensor", nil, nil)
	assert.True(t, transform.IsValidationError(err))

	require.NoError(t, g.Shutdown(context.Background()))
	assert.ErrorIs(t, g.Ingest("sensor", []byte(`{}`), nil), gateway.ErrQueueClosed)
}

func TestGateway_RejectsWhenFull(t *testing.T) {
	cfg := testConfig()
	cfg.Queue.Capacity = 1
	cfg.Queue.Policy = "reject"
	s := &recordingSender{log: &eventLog{}}
	g := newTestGateway(t, cfg, s)

	// Not started: nothing drains the queue.
	require.NoError(t, g.Ingest("sensor", []byte(`{}`), nil))
	assert.ErrorIs(t, g.Ingest("sensor", []byte(`{}`), nil), gateway.ErrAdmissionRejected)
}

func TestNewSender_UnknownProtocol(t *testing.T) {
	cfg := testConfig()
	cfg.Sender.Protocol = "smtp"
	_, err := gateway.NewSender(context.Background(), &cfg.Sender, zerolog.Nop())
	assert.Error(t, err)
}
