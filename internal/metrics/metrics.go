// Package metrics exposes Prometheus collectors for the broker and
// the HTTP handler that serves them.
package metrics

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/process"
)

// Metrics bundles every collector the broker updates. A single
// instance is constructed at startup and threaded into the workers
// and coordinator that produce the numbers.
type Metrics struct {
	ConnectionsAccepted *prometheus.CounterVec
	ConnectionsActive   *prometheus.GaugeVec
	MessagesPublished   prometheus.Counter
	MessagesDelivered   prometheus.Counter
	AcksSent            prometheus.Counter
	FlushesTotal        *prometheus.CounterVec
	BroadcastDropped    prometheus.Counter

	ProcessRSSBytes   prometheus.Gauge
	ProcessCPUPercent prometheus.Gauge
	Goroutines        prometheus.Gauge
}

// New constructs and registers every collector against reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		ConnectionsAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pubsub_connections_accepted_total",
			Help: "Total connections accepted, by role.",
		}, []string{"role"}),

		ConnectionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pubsub_connections_active",
			Help: "Currently open connections, by role.",
		}, []string{"role"}),

		MessagesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pubsub_messages_published_total",
			Help: "PubMessage frames decoded on publisher connections.",
		}),

		MessagesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pubsub_messages_delivered_total",
			Help: "PubMessage deliveries written to subscriber connections.",
		}),

		AcksSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pubsub_acks_sent_total",
			Help: "AckMessage frames enqueued on publisher connections.",
		}),

		FlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pubsub_publish_stage_flushes_total",
			Help: "Publish-stage flushes, by trigger (threshold, timer or close).",
		}, []string{"trigger"}),

		BroadcastDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pubsub_broadcast_dropped_total",
			Help: "Broadcast blobs dropped because a receiver's inbox was full.",
		}),

		ProcessRSSBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pubsub_process_rss_bytes",
			Help: "Resident set size of the broker process.",
		}),
		ProcessCPUPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pubsub_process_cpu_percent",
			Help: "CPU usage percentage of the broker process.",
		}),
		Goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pubsub_goroutines",
			Help: "Number of live goroutines in the broker process.",
		}),
	}

	reg.MustRegister(
		m.ConnectionsAccepted,
		m.ConnectionsActive,
		m.MessagesPublished,
		m.MessagesDelivered,
		m.AcksSent,
		m.FlushesTotal,
		m.BroadcastDropped,
		m.ProcessRSSBytes,
		m.ProcessCPUPercent,
		m.Goroutines,
	)
	return m
}

// RunResourceSampler periodically refreshes the process-level gauges
// (RSS, CPU%, goroutine count) until ctx is cancelled. This is
// read-only observability, never an admission-control signal: nothing
// in the engine consults these gauges to reject or pause work, per
// the spec's exclusion of flow control beyond TCP backpressure.
func (m *Metrics) RunResourceSampler(ctx context.Context, interval time.Duration) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
				m.ProcessRSSBytes.Set(float64(mem.RSS))
			}
			if pct, err := proc.CPUPercent(); err == nil {
				m.ProcessCPUPercent.Set(pct)
			}
			m.Goroutines.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Handler returns the HTTP handler Prometheus scrapes.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
