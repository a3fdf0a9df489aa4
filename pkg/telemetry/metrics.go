package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "edgegateway"

// Metrics holds the Prometheus collectors shared by the gateway pipeline.
// All methods are safe to call on a nil *Metrics, which turns them into no-ops.
type Metrics struct {
	QueueDepth        prometheus.Gauge
	EnqueueAccepted   prometheus.Counter
	EnqueueRejected   *prometheus.CounterVec
	BatchesSent       prometheus.Counter
	BatchesDropped    *prometheus.CounterVec
	RecordsSent       prometheus.Counter
	SendRetries       prometheus.Counter
	ShutdownLostItems prometheus.Counter
	BackgroundFaults  prometheus.Counter
}

// NewMetrics creates the gateway collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "queue", Name: "depth",
			Help: "Number of raw items currently held in the intake queue.",
		}),
		EnqueueAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "accepted_total",
			Help: "Raw items admitted to the intake queue.",
		}),
		EnqueueRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "rejected_total",
			Help: "Raw items refused at admission, by reason.",
		}, []string{"reason"}),
		BatchesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sender", Name: "batches_sent_total",
			Help: "Batches delivered to the broker.",
		}),
		BatchesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sender", Name: "batches_dropped_total",
			Help: "Batches discarded after a fatal failure or retry exhaustion.",
		}, []string{"reason"}),
		RecordsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sender", Name: "records_sent_total",
			Help: "Records delivered to the broker.",
		}),
		SendRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sender", Name: "retries_total",
			Help: "Send attempts retried after a transient failure.",
		}),
		ShutdownLostItems: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "processor", Name: "shutdown_lost_items_total",
			Help: "Items still pending when a stop timeout elapsed.",
		}),
		BackgroundFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "processor", Name: "background_faults_total",
			Help: "Panics recovered from background goroutines.",
		}),
	}

	collectors := []prometheus.Collector{
		m.QueueDepth, m.EnqueueAccepted, m.EnqueueRejected, m.BatchesSent,
		m.BatchesDropped, m.RecordsSent, m.SendRetries, m.ShutdownLostItems, m.BackgroundFaults,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) Accepted() {
	if m == nil {
		return
	}
	m.EnqueueAccepted.Inc()
}

func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.EnqueueRejected.WithLabelValues(reason).Inc()
}

// Sent records a successfully delivered batch of n records.
func (m *Metrics) Sent(n int) {
	if m == nil {
		return
	}
	m.BatchesSent.Inc()
	m.RecordsSent.Add(float64(n))
}

func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.BatchesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) Retried() {
	if m == nil {
		return
	}
	m.SendRetries.Inc()
}

func (m *Metrics) Lost(n int) {
	if m == nil {
		return
	}
	m.ShutdownLostItems.Add(float64(n))
}

func (m *Metrics) Fault() {
	if m == nil {
		return
	}
	m.BackgroundFaults.Inc()
}
