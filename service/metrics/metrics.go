package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pproom"

// Metrics 进程级指标；注册在独立的 Registry 上，测试可以各自 New
type Metrics struct {
	reg *prometheus.Registry

	Connections        prometheus.Gauge
	FramesReceived     *prometheus.CounterVec
	FramesDropped      *prometheus.CounterVec
	BroadcastDelivered prometheus.Counter
	BroadcastDropped   prometheus.Counter
	PersistEnqueued    prometheus.Counter
	PersistErrors      *prometheus.CounterVec
	Jobs               *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections",
			Help: "Authenticated WebSocket sessions.",
		}),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_received_total",
			Help: "Inbound frames by type.",
		}, []string{"type"}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_dropped_total",
			Help: "Inbound frames dropped by reason.",
		}, []string{"reason"}),
		BroadcastDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "broadcast_deliveries_total",
			Help: "Outbound frames queued to room members.",
		}),
		BroadcastDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "broadcast_drops_total",
			Help: "Outbound frames dropped for stalled or closed members.",
		}),
		PersistEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "persist_enqueued_total",
			Help: "Chat events handed to the durable queue.",
		}),
		PersistErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "persist_errors_total",
			Help: "Persistence dispatch failures by error code.",
		}, []string{"code"}),
		Jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_total",
			Help: "Queue job outcomes (completed, retry, failed).",
		}, []string{"result"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Connections, m.FramesReceived, m.FramesDropped,
		m.BroadcastDelivered, m.BroadcastDropped,
		m.PersistEnqueued, m.PersistErrors, m.Jobs,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) PersistError(code int) {
	m.PersistErrors.WithLabelValues(strconv.Itoa(code)).Inc()
}
