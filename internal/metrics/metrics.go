// Package metrics exposes Prometheus collectors for the extraction pipeline.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	linksDiscoveredTotal *prometheus.CounterVec
	itemsTotal           *prometheus.CounterVec
	detectionsTotal      prometheus.Counter
	restartsTotal        prometheus.Counter
	termsTotal           *prometheus.CounterVec
	activeWorkers        prometheus.Gauge

	once sync.Once
)

// Init registers the collectors. Safe to call multiple times.
func Init() {
	once.Do(func() {
		linksDiscoveredTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mapextract_links_discovered_total",
				Help: "Total listing links streamed out of discovery, labeled by term.",
			},
			[]string{"term"},
		)

		itemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mapextract_items_total",
				Help: "Total work items resolved, labeled by outcome status.",
			},
			[]string{"status"},
		)

		detectionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mapextract_detections_total",
				Help: "Total positive automation-challenge detections.",
			},
		)

		restartsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mapextract_browser_restarts_total",
				Help: "Total full extraction-browser relaunches.",
			},
		)

		termsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mapextract_terms_total",
				Help: "Terms finished, labeled by result (persisted/failed).",
			},
			[]string{"result"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "mapextract_active_workers",
				Help: "Workers currently draining the queue.",
			},
		)
	})
}

// Handler returns an http.Handler for embedding hosts that expose /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveLinks adds discovered-link counts for a term.
func ObserveLinks(term string, n int) {
	if linksDiscoveredTotal == nil || n <= 0 {
		return
	}
	linksDiscoveredTotal.WithLabelValues(term).Add(float64(n))
}

// ObserveItem counts one resolved work item by outcome status.
func ObserveItem(status string) {
	if itemsTotal == nil {
		return
	}
	itemsTotal.WithLabelValues(status).Inc()
}

// ObserveDetection counts one positive detection.
func ObserveDetection() {
	if detectionsTotal == nil {
		return
	}
	detectionsTotal.Inc()
}

// ObserveRestart counts one browser relaunch.
func ObserveRestart() {
	if restartsTotal == nil {
		return
	}
	restartsTotal.Inc()
}

// ObserveTerm counts one finished term by result.
func ObserveTerm(result string) {
	if termsTotal == nil {
		return
	}
	termsTotal.WithLabelValues(result).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	if activeWorkers == nil {
		return
	}
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	if activeWorkers == nil {
		return
	}
	activeWorkers.Dec()
}
