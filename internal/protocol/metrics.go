// internal/protocol/metrics.go
package protocol

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsObserver exports transport events as Prometheus metrics labelled
// by port. One instance is shared by every transport of a process.
type MetricsObserver struct {
	exchanges   *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	bytes       *prometheus.CounterVec
	retries     *prometheus.CounterVec
	failures    *prometheus.CounterVec
	connections *prometheus.GaugeVec
}

// NewMetricsObserver registers the transport metrics with registerer.
func NewMetricsObserver(registerer prometheus.Registerer) *MetricsObserver {
	factory := promauto.With(registerer)

	return &MetricsObserver{
		exchanges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "plateflo",
				Subsystem: "transport",
				Name:      "exchanges_total",
				Help:      "Total number of serial exchanges by response status",
			},
			[]string{"port", "status"},
		),
		latency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "plateflo",
				Subsystem: "transport",
				Name:      "exchange_duration_seconds",
				Help:      "Serial exchange duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"port"},
		),
		bytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "plateflo",
				Subsystem: "transport",
				Name:      "bytes_total",
				Help:      "Bytes moved over the serial line",
			},
			[]string{"port", "direction"},
		),
		retries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "plateflo",
				Subsystem: "transport",
				Name:      "retries_total",
				Help:      "Commands resent by the retry contract",
			},
			[]string{"port"},
		),
		failures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "plateflo",
				Subsystem: "transport",
				Name:      "failures_total",
				Help:      "Terminal transport failures by kind",
			},
			[]string{"port", "kind"},
		),
		connections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "plateflo",
				Subsystem: "transport",
				Name:      "open",
				Help:      "Whether the transport on a port is open",
			},
			[]string{"port"},
		),
	}
}

func (m *MetricsObserver) OnStateChange(port string, state ConnState, _ error) {
	if state == ConnStateOpen {
		m.connections.WithLabelValues(port).Set(1)
		return
	}
	m.connections.WithLabelValues(port).Set(0)
}

func (m *MetricsObserver) OnExchange(port string, req Request, resp *Response) {
	m.exchanges.WithLabelValues(port, resp.Status.String()).Inc()
	m.latency.WithLabelValues(port).Observe(resp.Duration.Seconds())
	m.bytes.WithLabelValues(port, "tx").Add(float64(len(req.Command)))
	m.bytes.WithLabelValues(port, "rx").Add(float64(len(resp.Payload)))
}

func (m *MetricsObserver) OnRetry(port string, _ Request, _ int, _ *Response) {
	m.retries.WithLabelValues(port).Inc()
}

func (m *MetricsObserver) OnConnectionLost(port string, _ error) {
	m.failures.WithLabelValues(port, "connection_lost").Inc()
}

func (m *MetricsObserver) OnStall(port string, _ Request, _ time.Duration) {
	m.failures.WithLabelValues(port, "stalled").Inc()
}

func (m *MetricsObserver) OnDesync(port string, _, _ []byte) {
	m.failures.WithLabelValues(port, "desynchronized").Inc()
}
