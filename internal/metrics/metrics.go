package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const metricPrefix = "ferrepos_"

const (
	ResultSuccess = "success"
	ResultError   = "error"
)

var (
	registerOnce sync.Once

	salesTotal           *prometheus.CounterVec
	saleLatency          *prometheus.HistogramVec
	shiftTransitions     *prometheus.CounterVec
	approvalAttempts     *prometheus.CounterVec
	integrityAlerts      *prometheus.CounterVec
	stockAdjustments     *prometheus.CounterVec
	shiftVarianceAbs     prometheus.Histogram
	invoiceNumberRetries prometheus.Counter
	httpRequests         *prometheus.CounterVec
	httpLatency          *prometheus.HistogramVec
)

// Init registers the collectors with the default registry. Safe to call more
// than once; recorders are no-ops until Init runs.
func Init() {
	registerOnce.Do(func() {
		salesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "sales_total",
				Help: "Recorded sales by payment method and result",
			},
			[]string{"payment_method", "result"},
		)
		saleLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "sale_record_latency_seconds",
				Help:    "Sale recording latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		shiftTransitions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "shift_transitions_total",
				Help: "Shift state transitions",
			},
			[]string{"transition"},
		)
		approvalAttempts = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "approval_attempts_total",
				Help: "Dual-custody approval attempts by result",
			},
			[]string{"result"},
		)
		integrityAlerts = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "integrity_alerts_total",
				Help: "Integrity alerts raised by kind",
			},
			[]string{"kind"},
		)
		stockAdjustments = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "stock_adjustments_total",
				Help: "Stock mutations by movement kind",
			},
			[]string{"kind"},
		)
		shiftVarianceAbs = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "shift_variance_abs",
				Help:    "Absolute closing variance in minor currency units",
				Buckets: []float64{0, 100, 500, 1000, 5000, 10000, 50000, 100000},
			},
		)
		invoiceNumberRetries = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "invoice_number_retries_total",
				Help: "Invoice numbers regenerated after a collision",
			},
		)

		httpRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "http_requests_total",
				Help: "HTTP requests by route and status class",
			},
			[]string{"route", "status"},
		)
		httpLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		)

		prometheus.MustRegister(
			salesTotal,
			saleLatency,
			shiftTransitions,
			approvalAttempts,
			integrityAlerts,
			stockAdjustments,
			shiftVarianceAbs,
			invoiceNumberRetries,
			httpRequests,
			httpLatency,
		)
	})
}

// ObserveSale records a sale attempt.
func ObserveSale(paymentMethod string, result string, seconds float64) {
	if salesTotal == nil {
		return
	}
	salesTotal.WithLabelValues(paymentMethod, result).Inc()
	saleLatency.WithLabelValues(result).Observe(seconds)
}

func IncShiftTransition(transition string) {
	if shiftTransitions == nil {
		return
	}
	shiftTransitions.WithLabelValues(transition).Inc()
}

func IncApprovalAttempt(result string) {
	if approvalAttempts == nil {
		return
	}
	approvalAttempts.WithLabelValues(result).Inc()
}

func IncIntegrityAlert(kind string) {
	if integrityAlerts == nil {
		return
	}
	integrityAlerts.WithLabelValues(kind).Inc()
}

func IncStockAdjustment(kind string) {
	if stockAdjustments == nil {
		return
	}
	stockAdjustments.WithLabelValues(kind).Inc()
}

func ObserveVariance(abs int64) {
	if shiftVarianceAbs == nil {
		return
	}
	shiftVarianceAbs.Observe(float64(abs))
}

func IncInvoiceRetry() {
	if invoiceNumberRetries == nil {
		return
	}
	invoiceNumberRetries.Inc()
}

// ObserveHTTPRequest records one request. route is the mux pattern, never the
// raw path, to keep label cardinality bounded.
func ObserveHTTPRequest(route string, status int, seconds float64) {
	if httpRequests == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	httpRequests.WithLabelValues(route, statusClass(status)).Inc()
	httpLatency.WithLabelValues(route).Observe(seconds)
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
