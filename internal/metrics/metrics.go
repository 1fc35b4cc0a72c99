package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors on a private registry so several instances
// can coexist in tests. A nil *Metrics is a valid no-op recorder.
type Metrics struct {
	registry *prometheus.Registry

	salesRegistered *prometheus.CounterVec
	saleAttempts    prometheus.Histogram
	saleConflicts   prometheus.Counter
	backfillLines   *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		salesRegistered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "localventas_sales_registered_total",
				Help: "Sale registrations by payment method and outcome",
			},
			[]string{"payment_method", "outcome"},
		),
		saleAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "localventas_sale_attempts",
			Help:    "Atomic unit attempts needed per registered sale",
			Buckets: []float64{1, 2, 3, 5, 8},
		}),
		saleConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "localventas_sale_conflicts_total",
			Help: "Atomic units aborted by a concurrent write",
		}),
		backfillLines: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "localventas_backfill_lines_total",
				Help: "Sale lines processed by the transaction id backfill",
			},
			[]string{"result"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "localventas_http_requests_total",
				Help: "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "localventas_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"path"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.salesRegistered,
		m.saleAttempts,
		m.saleConflicts,
		m.backfillLines,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

func (m *Metrics) SaleRegistered(paymentMethod string, outcome string, attempts int) {
	if m == nil {
		return
	}
	m.salesRegistered.WithLabelValues(paymentMethod, outcome).Inc()
	if attempts > 0 {
		m.saleAttempts.Observe(float64(attempts))
	}
}

func (m *Metrics) SaleConflict() {
	if m == nil {
		return
	}
	m.saleConflicts.Inc()
}

func (m *Metrics) BackfillLines(result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.backfillLines.WithLabelValues(result).Add(float64(n))
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "undefined"
		}
		m.httpRequests.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	}
}
