package messagepipeline_test

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/illmade-knight/go-edgegateway/pkg/intakequeue"
	"github.com/illmade-knight/go-edgegateway/pkg/messagepipeline"
	"github.com/illmade-knight/go-edgegateway/pkg/sender"
	"github.com/illmade-knight/go-edgegateway/pkg/transform"
	"github.com/illmade-knight/go-edgegateway/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// ====================================================================================
// This file contains mocks and helpers shared by the batch processor tests.
// ====================================================================================

// MockSender is a mock implementation of sender.OutboundSender.
type MockSender struct {
	mu       sync.Mutex
	SendFn   func(ctx context.Context, batch types.Batch) error
	batches  []types.Batch
	sendTime []time.Time
	calls    int
	closed   bool
}

func (m *MockSender) Send(ctx context.Context, batch types.Batch) error {
	m.mu.Lock()
	m.calls++
	copied := make(types.Batch, len(batch))
	copy(copied, batch)
	m.batches = append(m.batches, copied)
	m.sendTime = append(m.sendTime, time.Now())
	fn := m.SendFn
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, batch)
	}
	return nil
}

func (m *MockSender) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MockSender) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// GetBatches returns every batch passed to Send, including failed attempts.
func (m *MockSender) GetBatches() []types.Batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Batch, len(m.batches))
	copy(out, m.batches)
	return out
}

func (m *MockSender) GetSendTimes() []time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Time, len(m.sendTime))
	copy(out, m.sendTime)
	return out
}

// syncBuffer is a goroutine-safe log sink for asserting on log output.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

var testClock = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

func newTestQueue(t *testing.T, capacity int) *intakequeue.Queue {
	t.Helper()
	q, err := intakequeue.New(intakequeue.Config{Capacity: capacity, Policy: intakequeue.PolicyReject}, zerolog.Nop(), nil)
	require.NoError(t, err)
	return q
}

func newTestProcessor(
	t *testing.T,
	cfg messagepipeline.BatchProcessorConfig,
	q messagepipeline.ItemQueue,
	s sender.OutboundSender,
	logger zerolog.Logger,
) *messagepipeline.BatchProcessor {
	t.Helper()
	tr := transform.NewTransformer(&sender.SenderConfig{DeviceID: "gw-test", Subject: "reading"}, testClock)
	p, err := messagepipeline.NewBatchProcessor(cfg, q, tr.Func(), s, logger, nil)
	require.NoError(t, err)
	return p
}

func rawItem(id string) types.RawItem {
	return types.RawItem{ID: id, Source: "test", Payload: []byte(fmt.Sprintf(`{"id":%q}`, id))}
}

func recordIDs(batches []types.Batch) [][]string {
	out := make([][]string, len(batches))
	for i, b := range batches {
		out[i] = b.IDs()
	}
	return out
}
