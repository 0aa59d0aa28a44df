// Package metrics exposes Prometheus collectors for the harvester.
package metrics

import (
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/JakeFAU/contract-harvester/internal/harvest"
)

var (
	itemsTotal                 *prometheus.CounterVec
	captchaAttemptsTotal       *prometheus.CounterVec
	phaseDurationSeconds       *prometheus.HistogramVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	pendingRecords             *prometheus.GaugeVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		itemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_items_total",
				Help: "Queue attempts, labeled by phase and outcome.",
			},
			[]string{"phase", "outcome"},
		)

		captchaAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_captcha_attempts_total",
				Help: "CAPTCHA gate attempts, labeled by stage and result.",
			},
			[]string{"stage", "result"},
		)

		phaseDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_phase_duration_seconds",
				Help:    "Wall time of each phase run.",
				Buckets: []float64{10, 30, 60, 300, 900, 1800, 3600, 7200},
			},
			[]string{"phase"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_rate_limit_delay_seconds",
				Help:    "Histogram of navigation rate limit waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		pendingRecords = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "harvester_pending_records",
				Help: "Stored records still waiting, labeled by state.",
			},
			[]string{"state"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeHost extracts a lowercase hostname, or "unknown".
func SanitizeHost(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// ObserveItem counts one queue attempt. Its signature matches queue.ObserverFunc.
func ObserveItem(phase string, outcome harvest.Outcome) {
	itemsTotal.WithLabelValues(phase, outcome.Kind.String()).Inc()
}

// ObserveCaptcha counts one gate attempt. Its signature matches captcha.ObserverFunc.
func ObserveCaptcha(stage, result string) {
	captchaAttemptsTotal.WithLabelValues(stage, result).Inc()
}

// ObservePhase records how long a phase ran.
func ObservePhase(phase string, d time.Duration) {
	phaseDurationSeconds.WithLabelValues(phase).Observe(d.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, d time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(SanitizeHost(host)).Observe(d.Seconds())
}

// SetPending publishes store progress.
func SetPending(c harvest.Counts) {
	pendingRecords.WithLabelValues("total").Set(float64(c.Total))
	pendingRecords.WithLabelValues("incomplete").Set(float64(c.Incomplete))
	pendingRecords.WithLabelValues("unenriched").Set(float64(c.Unenriched))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, d time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(d.Seconds())
}
