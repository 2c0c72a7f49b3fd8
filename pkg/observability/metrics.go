// Copyright 2025 Atelier Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package observability exposes Prometheus metrics for generation runs.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds the Prometheus instruments for the generation service.
// All metrics are prefixed with "atelier_".
type Metrics struct {
	// Run lifecycle
	RunsTotal   *prometheus.CounterVec // outcome: complete | failed | busy
	RunDuration prometheus.Histogram
	ActiveRuns  prometheus.Gauge

	// Review loop
	IterationsTotal prometheus.Counter
	IssuesTotal     *prometheus.CounterVec // severity: error | warning | info

	// Stream discipline
	KeepalivesTotal prometheus.Counter
	EventsTotal     *prometheus.CounterVec // type: wire event discriminator
}

// NewMetrics creates and registers the service metrics. sync.Once keeps
// repeated construction from panicking on duplicate registration.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			RunsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "atelier_runs_total",
					Help: "Total number of generation runs by outcome",
				},
				[]string{"outcome"},
			),

			RunDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "atelier_run_duration_seconds",
					Help:    "Wall-clock duration of generation runs",
					Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~4m
				},
			),

			ActiveRuns: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "atelier_active_runs",
					Help: "Number of generation runs currently streaming",
				},
			),

			IterationsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "atelier_review_iterations_total",
					Help: "Total number of review iterations across all runs",
				},
			),

			IssuesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "atelier_validation_issues_total",
					Help: "Total number of validation issues found by severity",
				},
				[]string{"severity"},
			),

			KeepalivesTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "atelier_keepalives_total",
					Help: "Total number of keepalive frames injected into streams",
				},
			),

			EventsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "atelier_wire_events_total",
					Help: "Total number of wire events sent by type",
				},
				[]string{"type"},
			),
		}
	})

	return globalMetrics
}

// RecordRun records a finished run with its outcome and duration.
func (m *Metrics) RecordRun(outcome string, duration time.Duration) {
	m.RunsTotal.WithLabelValues(outcome).Inc()
	m.RunDuration.Observe(duration.Seconds())
}

// RecordEvent counts one wire event by discriminator.
func (m *Metrics) RecordEvent(eventType string) {
	m.EventsTotal.WithLabelValues(eventType).Inc()
}

// RecordKeepalive counts one injected keepalive frame.
func (m *Metrics) RecordKeepalive() {
	m.KeepalivesTotal.Inc()
}

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
