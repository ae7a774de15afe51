// Package metrics exposes Prometheus collectors for the harvester.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	attemptsTotal       *prometheus.CounterVec
	unitsTotal          *prometheus.CounterVec
	fingerprintPoolSize *prometheus.GaugeVec
	proxyPoolSize       prometheus.Gauge
	inflightWorkers     prometheus.Gauge

	once sync.Once
)

// Init initializes the collectors. Safe to call multiple times.
func Init() {
	once.Do(func() {
		attemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_attempts_total",
				Help: "HTTP attempts, labeled by stage and classified outcome.",
			},
			[]string{"stage", "outcome"},
		)
		unitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_units_total",
				Help: "Units of work finished, labeled by stage and terminal ledger.",
			},
			[]string{"stage", "terminal"},
		)
		fingerprintPoolSize = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "harvest_fingerprint_pool_size",
				Help: "Fingerprint pool sizes by state (active, blacklisted).",
			},
			[]string{"state"},
		)
		proxyPoolSize = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvest_proxy_pool_size",
				Help: "Number of configured proxies.",
			},
		)
		inflightWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvest_inflight_workers",
				Help: "Workers currently processing a unit.",
			},
		)
	})
}

// ObserveAttempt counts one classified HTTP attempt.
func ObserveAttempt(stage, outcome string) {
	if attemptsTotal != nil {
		attemptsTotal.WithLabelValues(stage, outcome).Inc()
	}
}

// ObserveUnit counts one finished unit by terminal category.
func ObserveUnit(stage, terminal string) {
	if unitsTotal != nil {
		unitsTotal.WithLabelValues(stage, terminal).Inc()
	}
}

// SetPoolSizes publishes the current identity pool sizes.
func SetPoolSizes(active, blacklisted, proxies int) {
	if fingerprintPoolSize != nil {
		fingerprintPoolSize.WithLabelValues("active").Set(float64(active))
		fingerprintPoolSize.WithLabelValues("blacklisted").Set(float64(blacklisted))
	}
	if proxyPoolSize != nil {
		proxyPoolSize.Set(float64(proxies))
	}
}

// WorkerStarted marks a worker busy.
func WorkerStarted() {
	if inflightWorkers != nil {
		inflightWorkers.Inc()
	}
}

// WorkerFinished marks a worker idle.
func WorkerFinished() {
	if inflightWorkers != nil {
		inflightWorkers.Dec()
	}
}
