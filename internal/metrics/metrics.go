package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry creates the Prometheus registry with the standard collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler returns the scrape handler for reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// AppMetrics bundles the application series.
type AppMetrics struct {
	TransactionsTotal  *prometheus.CounterVec
	TransactionSeconds prometheus.Histogram
	FramesSent         prometheus.Counter
	FramesReceived     prometheus.Counter
	TransportReconnects prometheus.Counter
	TransportErrors    *prometheus.CounterVec
	PrintJobsTotal     *prometheus.CounterVec
	PrintRetriesTotal  prometheus.Counter
	QueueDepth         *prometheus.GaugeVec
	DiscoverySeconds   *prometheus.HistogramVec
	DevicesConnected   prometheus.Gauge
}

// NewAppMetrics registers the application series on reg.
func NewAppMetrics(reg *prometheus.Registry) *AppMetrics {
	m := &AppMetrics{
		TransactionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "periphd_transactions_total",
			Help: "Terminal transactions by final status.",
		}, []string{"status"}),
		TransactionSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "periphd_transaction_duration_seconds",
			Help:    "Wall time of one terminal transaction.",
			Buckets: []float64{1, 2, 5, 10, 20, 40, 60, 90, 120},
		}),
		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "periphd_frames_sent_total",
			Help: "Protocol frames written to transports.",
		}),
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "periphd_frames_received_total",
			Help: "Protocol frames read from transports.",
		}),
		TransportReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "periphd_transport_reconnects_total",
			Help: "Automatic reconnect attempts.",
		}),
		TransportErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "periphd_transport_errors_total",
			Help: "Transport errors by code.",
		}, []string{"code"}),
		PrintJobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "periphd_print_jobs_total",
			Help: "Print jobs by terminal status.",
		}, []string{"status"}),
		PrintRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "periphd_print_retries_total",
			Help: "Print job retry attempts.",
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "periphd_print_queue_depth",
			Help: "Jobs in the print queue by status.",
		}, []string{"status"}),
		DiscoverySeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "periphd_discovery_duration_seconds",
			Help:    "Duration of one discovery pass per medium.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20},
		}, []string{"medium"}),
		DevicesConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "periphd_devices_connected",
			Help: "Peripherals with an established transport.",
		}),
	}
	reg.MustRegister(
		m.TransactionsTotal, m.TransactionSeconds,
		m.FramesSent, m.FramesReceived,
		m.TransportReconnects, m.TransportErrors,
		m.PrintJobsTotal, m.PrintRetriesTotal, m.QueueDepth,
		m.DiscoverySeconds, m.DevicesConnected,
	)
	return m
}
