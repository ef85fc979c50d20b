// Package metrics exposes Prometheus collectors for the harvester service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	attemptsTotal              *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	tasksTotal                 *prometheus.CounterVec
	recordsWrittenTotal        *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	proxyHealth                *prometheus.GaugeVec
	proxyState                 *prometheus.GaugeVec
	proxyCooldownsTotal        *prometheus.CounterVec
	domainLimit                *prometheus.GaugeVec
	domainInFlight             *prometheus.GaugeVec
	domainAdjustmentsTotal     *prometheus.CounterVec
	slotWaitSeconds            *prometheus.HistogramVec

	once sync.Once
)

var proxyStates = []string{"active", "cooling", "banned"}

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		attemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_attempts_total",
				Help: "Fetch attempts, labeled by domain and classified outcome.",
			},
			[]string{"domain", "outcome"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_fetch_bytes_total",
				Help: "Total number of response bytes fetched, labeled by domain.",
			},
			[]string{"domain"},
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

		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_tasks_total",
				Help: "Task deliveries settled, labeled by disposition.",
			},
			[]string{"disposition"},
		)

		recordsWrittenTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_records_written_total",
				Help: "Record upserts, labeled by domain and write result.",
			},
			[]string{"domain", "result"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_active_workers",
				Help: "Number of workers currently processing a task.",
			},
		)

		proxyHealth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "harvester_proxy_health",
				Help: "Current health score of each proxy.",
			},
			[]string{"proxy"},
		)

		proxyState = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "harvester_proxy_state",
				Help: "1 for the current state of each proxy, 0 otherwise.",
			},
			[]string{"proxy", "state"},
		)

		proxyCooldownsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_proxy_cooldowns_total",
				Help: "Times a proxy was moved to cooling or banned.",
			},
			[]string{"proxy"},
		)

		domainLimit = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "harvester_domain_concurrency_limit",
				Help: "Current adaptive concurrency limit per domain.",
			},
			[]string{"domain"},
		)

		domainInFlight = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "harvester_domain_in_flight",
				Help: "Requests currently holding a rate slot per domain.",
			},
			[]string{"domain"},
		)

		domainAdjustmentsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_domain_limit_adjustments_total",
				Help: "Adaptive limit changes, labeled by domain and direction.",
			},
			[]string{"domain", "direction"},
		)

		slotWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_slot_wait_seconds",
				Help:    "Histogram of rate slot wait durations.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAttempt counts one classified fetch attempt.
func ObserveAttempt(domain, outcome string, bytesFetched int) {
	Init()
	site := SanitizeSite(domain)
	attemptsTotal.WithLabelValues(site, outcome).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(site).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveTask counts a settled task delivery.
func ObserveTask(disposition string) {
	Init()
	tasksTotal.WithLabelValues(disposition).Inc()
}

// ObserveRecordWrite counts an upsert by result.
func ObserveRecordWrite(domain, result string) {
	Init()
	recordsWrittenTotal.WithLabelValues(SanitizeSite(domain), result).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// SetProxy publishes a proxy's health and state.
func SetProxy(address, state string, health int) {
	Init()
	proxyHealth.WithLabelValues(address).Set(float64(health))
	for _, s := range proxyStates {
		v := 0.0
		if s == state {
			v = 1
		}
		proxyState.WithLabelValues(address, s).Set(v)
	}
}

// ObserveProxyCooldown counts a proxy leaving the active state.
func ObserveProxyCooldown(address string) {
	Init()
	proxyCooldownsTotal.WithLabelValues(address).Inc()
}

// SetDomainLimit publishes a domain's current concurrency limit.
func SetDomainLimit(domain string, limit int) {
	Init()
	domainLimit.WithLabelValues(domain).Set(float64(limit))
}

// SetDomainInFlight publishes a domain's in-flight count.
func SetDomainInFlight(domain string, inFlight int) {
	Init()
	domainInFlight.WithLabelValues(domain).Set(float64(inFlight))
}

// ObserveLimitAdjustment counts an adaptive limit change.
func ObserveLimitAdjustment(domain, direction string) {
	Init()
	domainAdjustmentsTotal.WithLabelValues(domain, direction).Inc()
}

// ObserveSlotWait records the duration of a rate slot wait.
func ObserveSlotWait(domain string, duration time.Duration) {
	Init()
	slotWaitSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
