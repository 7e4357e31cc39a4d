package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the platform counters exposed on /metrics. Everything hangs
// off a private registry so tests can run multiple instances.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	CheckoutsTotal       *prometheus.CounterVec
	RefundsTotal         *prometheus.CounterVec
	ReservationsReleased prometheus.Counter
	DischargesTotal      *prometheus.CounterVec
	StockMovementsTotal  *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{registry: registry}

	m.HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vetstore",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	m.HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vetstore",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"method", "path"},
	)

	m.CheckoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vetstore",
			Name:      "checkouts_total",
			Help:      "Total number of checkout attempts",
		},
		[]string{"status"},
	)

	m.RefundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vetstore",
			Name:      "refunds_total",
			Help:      "Total number of refund attempts",
		},
		[]string{"status"},
	)

	m.ReservationsReleased = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vetstore",
			Name:      "reservations_released_total",
			Help:      "Total number of reservations released by the expiry sweep",
		},
	)

	m.DischargesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vetstore",
			Name:      "discharges_total",
			Help:      "Total number of hospitalization discharge saga runs",
		},
		[]string{"status"},
	)

	m.StockMovementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vetstore",
			Name:      "stock_movements_total",
			Help:      "Total number of journaled stock movements",
		},
		[]string{"type"},
	)

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.CheckoutsTotal,
		m.RefundsTotal,
		m.ReservationsReleased,
		m.DischargesTotal,
		m.StockMovementsTotal,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method string, path string, status int, elapsed time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}
