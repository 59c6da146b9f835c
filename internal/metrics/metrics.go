// Package metrics exposes client engine counters to prometheus.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "asyncmqtt"

type Metrics struct {
	PacketsQueued   *prometheus.CounterVec
	PacketsReceived *prometheus.CounterVec
	BytesSent       prometheus.Counter
	BytesReceived   prometheus.Counter
	QueueDepth      prometheus.Gauge
	Disconnects     *prometheus.CounterVec
}

// New creates the collectors for one client and registers them with reg.
func New(reg prometheus.Registerer, clientID string) (*Metrics, error) {
	labels := prometheus.Labels{"client": clientID}
	m := &Metrics{
		PacketsQueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "packets_queued_total",
			Help: "Outbound packets queued, by type.", ConstLabels: labels,
		}, []string{"type"}),
		PacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "packets_received_total",
			Help: "Inbound packets decoded, by type.", ConstLabels: labels,
		}, []string{"type"}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_sent_total",
			Help: "Bytes handed to the transport.", ConstLabels: labels,
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_received_total",
			Help: "Bytes received from the transport.", ConstLabels: labels,
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_packets",
			Help: "Packets in the outbound queue.", ConstLabels: labels,
		}),
		Disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "disconnects_total",
			Help: "Disconnects, by reason.", ConstLabels: labels,
		}, []string{"reason"}),
	}

	for _, c := range []prometheus.Collector{
		m.PacketsQueued, m.PacketsReceived, m.BytesSent, m.BytesReceived, m.QueueDepth, m.Disconnects,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) Queued(packetType string) {
	if m != nil {
		m.PacketsQueued.WithLabelValues(packetType).Inc()
	}
}

func (m *Metrics) Received(packetType string) {
	if m != nil {
		m.PacketsReceived.WithLabelValues(packetType).Inc()
	}
}

func (m *Metrics) Sent(n int) {
	if m != nil && n > 0 {
		m.BytesSent.Add(float64(n))
	}
}

func (m *Metrics) Read(n int) {
	if m != nil && n > 0 {
		m.BytesReceived.Add(float64(n))
	}
}

func (m *Metrics) Depth(n int) {
	if m != nil {
		m.QueueDepth.Set(float64(n))
	}
}

func (m *Metrics) Disconnected(reason string) {
	if m != nil {
		m.Disconnects.WithLabelValues(reason).Inc()
	}
}
