// Package metrics exposes Prometheus counters and gauges for every
// component of the session fabric, plus a periodic sampler that feeds the
// system-resource gauges from SystemMetrics. Grounded on the teacher's
// own promauto-based Metrics type, re-pointed at this repo's components
// (broker, connection manager, hop service, terminals, WebSocket API)
// instead of the teacher's websocket/NATS trading traffic.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the process-wide collector, safe for concurrent use from
// every component via its own typed methods.
type Metrics struct {
	startTime time.Time

	// Connection manager (spec §4.B)
	connectionsTotal   prometheus.Counter
	connectionsActive  prometheus.Gauge
	connectionErrors   prometheus.Counter
	connectionDuration prometheus.Histogram

	// Message broker (spec §4.A)
	messagesPublished prometheus.Counter
	messagesDelivered prometheus.Counter
	activeSubs        prometheus.Gauge

	// WebSocket API (spec §4.E)
	wsFramesIn  prometheus.Counter
	wsFramesOut prometheus.Counter
	wsFrameSize prometheus.Histogram

	// Hop service (spec §4.F)
	hopSessionsActive prometheus.Gauge
	hopReconnects     prometheus.Counter
	hopErrors         prometheus.Counter

	// Terminals (spec §4.I, §4.J)
	localTerminalsActive  prometheus.Gauge
	remoteTerminalsActive prometheus.Gauge

	// Errors by component
	errorsByComponent *prometheus.CounterVec

	// System resources, sampled from SystemMetrics
	goroutines prometheus.Gauge
	memoryMB   prometheus.Gauge
	cpuPercent prometheus.Gauge
}

// New registers every metric with the default Prometheus registry and
// returns the collector.
func New() *Metrics {
	return &Metrics{
		startTime: time.Now(),

		connectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fabric_connections_total",
			Help: "Total connections accepted by the connection manager.",
		}),
		connectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fabric_connections_active",
			Help: "Currently active connections across all transports.",
		}),
		connectionErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fabric_connection_errors_total",
			Help: "Connection-level errors (auth failures, abrupt drops).",
		}),
		connectionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "fabric_connection_duration_seconds",
			Help:    "Lifetime of a connection from accept to disconnect.",
			Buckets: prometheus.DefBuckets,
		}),

		messagesPublished: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fabric_broker_messages_published_total",
			Help: "Messages published to the in-memory broker.",
		}),
		messagesDelivered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fabric_broker_messages_delivered_total",
			Help: "Messages delivered to matching subscribers.",
		}),
		activeSubs: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fabric_broker_subscriptions_active",
			Help: "Currently active broker subscriptions.",
		}),

		wsFramesIn: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fabric_ws_frames_received_total",
			Help: "Frames received from WebSocket clients.",
		}),
		wsFramesOut: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fabric_ws_frames_sent_total",
			Help: "Frames sent to WebSocket clients.",
		}),
		wsFrameSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "fabric_ws_frame_size_bytes",
			Help:    "Size of WebSocket frames in bytes.",
			Buckets: []float64{64, 256, 1024, 4096, 16384, 65536},
		}),

		hopSessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fabric_hop_sessions_active",
			Help: "Hop sessions currently connected.",
		}),
		hopReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fabric_hop_reconnects_total",
			Help: "Hop session reconnect attempts.",
		}),
		hopErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fabric_hop_errors_total",
			Help: "Hop session errors (SSH/SFTP failures).",
		}),

		localTerminalsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fabric_local_terminals_active",
			Help: "Local PTY-backed terminal sessions currently running.",
		}),
		remoteTerminalsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fabric_remote_terminals_active",
			Help: "Remote SSH-bridged terminal sessions currently running.",
		}),

		errorsByComponent: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_errors_total",
			Help: "Errors by originating component.",
		}, []string{"component"}),

		goroutines: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fabric_goroutines",
			Help: "Number of goroutines.",
		}),
		memoryMB: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fabric_memory_heap_mb",
			Help: "Heap memory in use, in megabytes.",
		}),
		cpuPercent: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fabric_cpu_percent",
			Help: "System-wide CPU usage percentage, smoothed.",
		}),
	}
}

func (m *Metrics) SetConnectionsActive(n int)                { m.connectionsActive.Set(float64(n)) }
func (m *Metrics) ConnectionOpened()                        { m.connectionsTotal.Inc(); m.connectionsActive.Inc() }
func (m *Metrics) ConnectionClosed(d time.Duration)          { m.connectionsActive.Dec(); m.connectionDuration.Observe(d.Seconds()) }
func (m *Metrics) ConnectionError()                          { m.connectionErrors.Inc(); m.errorsByComponent.WithLabelValues("connmgr").Inc() }

func (m *Metrics) MessagePublished(delivered int64) {
	m.messagesPublished.Inc()
	m.messagesDelivered.Add(float64(delivered))
}
func (m *Metrics) SetActiveSubscriptions(n int64) { m.activeSubs.Set(float64(n)) }

func (m *Metrics) WSFrameReceived(size int) { m.wsFramesIn.Inc(); m.wsFrameSize.Observe(float64(size)) }
func (m *Metrics) WSFrameSent(size int)     { m.wsFramesOut.Inc(); m.wsFrameSize.Observe(float64(size)) }

func (m *Metrics) SetHopSessionsActive(n int)    { m.hopSessionsActive.Set(float64(n)) }
func (m *Metrics) HopReconnect()                 { m.hopReconnects.Inc() }
func (m *Metrics) HopError() { m.hopErrors.Inc(); m.errorsByComponent.WithLabelValues("hop").Inc() }

func (m *Metrics) SetLocalTerminalsActive(n int)  { m.localTerminalsActive.Set(float64(n)) }
func (m *Metrics) SetRemoteTerminalsActive(n int) { m.remoteTerminalsActive.Set(float64(n)) }

func (m *Metrics) RecordError(component string) { m.errorsByComponent.WithLabelValues(component).Inc() }

func (m *Metrics) Uptime() time.Duration { return time.Since(m.startTime) }

// RunSampler periodically refreshes the system-resource gauges from sys
// until ctx is cancelled. Callers run this in its own goroutine.
func (m *Metrics) RunSampler(ctx context.Context, sys *SystemMetrics, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sys.Update()
			m.goroutines.Set(float64(sys.GetSystemInfo()["runtime"].(map[string]interface{})["goroutines"].(int)))
			m.memoryMB.Set(sys.GetMemoryMB())
			m.cpuPercent.Set(sys.GetCPUPercent())
		}
	}
}
