package metrics

/*
sspac — PAC generator for GFWList-style rule lists
Copyright (C) 2025  Pepijn van der Stap <rxtls@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"context"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry           = prometheus.NewRegistry()
	defaultRegisterer  = promauto.With(registry)
	metricsInitialized sync.Once
	metricsEnabled     atomic.Bool
	metricsServer      *http.Server
)

// Metrics contains all the Prometheus metrics for the application
type Metrics struct {
	// Rule processing metrics
	RulesParsedTotal   *prometheus.CounterVec
	RuleAnomaliesTotal *prometheus.CounterVec
	Domains            *prometheus.GaugeVec

	// Source metrics
	FetchDuration    *prometheus.HistogramVec
	FetchErrorsTotal *prometheus.CounterVec
	FetchBytes       *prometheus.GaugeVec

	// Generation metrics
	GenerationDuration  *prometheus.HistogramVec
	GenerationsTotal    *prometheus.CounterVec
	PacBytes            prometheus.Gauge
	LastGeneratedUnix   prometheus.Gauge
	WatcherTriggers     *prometheus.CounterVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// Global instance of metrics
var globalMetrics *Metrics
var metricsOnce sync.Once

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = newMetrics()
	})
	return globalMetrics
}

// EnableMetrics enables metrics collection
func EnableMetrics() {
	metricsEnabled.Store(true)
}

// IsMetricsEnabled returns whether metrics collection is enabled
func IsMetricsEnabled() bool {
	return metricsEnabled.Load()
}

// newMetrics creates and registers all metrics
func newMetrics() *Metrics {
	buckets := []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}

	m := &Metrics{
		RulesParsedTotal: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sspac_rules_parsed_total",
				Help: "Total number of rule lines parsed",
			},
			[]string{"list"},
		),
		RuleAnomaliesTotal: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sspac_rule_anomalies_total",
				Help: "Total number of rule lines that produced no domain",
			},
			[]string{"list"},
		),
		Domains: defaultRegisterer.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sspac_domains",
				Help: "Number of domains in the current policy",
			},
			[]string{"list", "route"},
		),

		FetchDuration: defaultRegisterer.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sspac_fetch_duration_seconds",
				Help:    "Time spent loading rule sources",
				Buckets: buckets,
			},
			[]string{"origin"},
		),
		FetchErrorsTotal: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sspac_fetch_errors_total",
				Help: "Total number of failed rule source loads",
			},
			[]string{"origin", "error_type"},
		),
		FetchBytes: defaultRegisterer.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sspac_fetch_bytes",
				Help: "Size of the last loaded rule source in bytes",
			},
			[]string{"origin"},
		),

		GenerationDuration: defaultRegisterer.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sspac_generation_duration_seconds",
				Help:    "Time spent generating a PAC document, including source loading",
				Buckets: buckets,
			},
			[]string{"trigger"},
		),
		GenerationsTotal: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sspac_generations_total",
				Help: "Total number of generation runs by outcome",
			},
			[]string{"trigger", "outcome"},
		),
		PacBytes: defaultRegisterer.NewGauge(
			prometheus.GaugeOpts{
				Name: "sspac_pac_bytes",
				Help: "Size of the current PAC script in bytes",
			},
		),
		LastGeneratedUnix: defaultRegisterer.NewGauge(
			prometheus.GaugeOpts{
				Name: "sspac_last_generated_timestamp_seconds",
				Help: "Unix time of the last successful generation",
			},
		),
		WatcherTriggers: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sspac_watcher_triggers_total",
				Help: "User rule changes seen by the watcher",
			},
			[]string{"action"},
		),
		HTTPRequestsTotal: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sspac_http_requests_total",
				Help: "Total number of HTTP requests served",
			},
			[]string{"route", "code"},
		),
		HTTPRequestDuration: defaultRegisterer.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sspac_http_request_duration_seconds",
				Help:    "Time spent serving HTTP requests",
				Buckets: buckets,
			},
			[]string{"route"},
		),
	}

	return m
}

// Handler returns the HTTP handler exposing the sspac registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// StartMetricsServer starts an HTTP server to expose Prometheus metrics
func StartMetricsServer(addr string) error {
	if !IsMetricsEnabled() || addr == "" {
		return nil
	}

	// Only start once
	metricsInitialized.Do(func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", Handler())

		metricsServer = &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			log.Printf("Starting metrics server on %s", addr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	})

	return nil
}

// ShutdownMetricsServer gracefully shuts down the metrics server
func ShutdownMetricsServer(ctx context.Context) error {
	if metricsServer != nil {
		log.Println("Shutting down metrics server...")
		return metricsServer.Shutdown(ctx)
	}
	return nil
}

// MeasureDuration is a helper to measure the duration of a function
func MeasureDuration(histogram *prometheus.HistogramVec, labels prometheus.Labels) func() {
	if !IsMetricsEnabled() {
		return func() {}
	}

	start := time.Now()
	return func() {
		duration := time.Since(start)
		histogram.With(labels).Observe(duration.Seconds())
	}
}

// RecordRules records the outcome of building one rule list.
func (m *Metrics) RecordRules(list string, rules, anomalies, direct, proxy int) {
	if !IsMetricsEnabled() {
		return
	}
	m.RulesParsedTotal.WithLabelValues(list).Add(float64(rules))
	m.RuleAnomaliesTotal.WithLabelValues(list).Add(float64(anomalies))
	m.Domains.WithLabelValues(list, "direct").Set(float64(direct))
	m.Domains.WithLabelValues(list, "proxy").Set(float64(proxy))
}

// RecordGeneration records a finished generation run.
func (m *Metrics) RecordGeneration(trigger, outcome string, pacBytes int, at time.Time) {
	if !IsMetricsEnabled() {
		return
	}
	m.GenerationsTotal.WithLabelValues(trigger, outcome).Inc()
	if pacBytes > 0 {
		m.PacBytes.Set(float64(pacBytes))
		m.LastGeneratedUnix.Set(float64(at.Unix()))
	}
}

// RecordFetch records a rule source load.
func (m *Metrics) RecordFetch(origin string, bytes int, err error, errorType string) {
	if !IsMetricsEnabled() {
		return
	}
	if err != nil {
		m.FetchErrorsTotal.WithLabelValues(origin, errorType).Inc()
		return
	}
	m.FetchBytes.WithLabelValues(origin).Set(float64(bytes))
}
