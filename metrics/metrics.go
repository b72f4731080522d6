// Package metrics exposes Prometheus collectors shared by every worker.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the harvester.
type Metrics struct {
	Registry         *prometheus.Registry
	RecordsTotal     *prometheus.CounterVec
	ResolverTotal    *prometheus.CounterVec
	RetriesTotal     *prometheus.CounterVec
	ScreenshotsTotal *prometheus.CounterVec
	ScrollsTotal     *prometheus.CounterVec
	TasksTotal       *prometheus.CounterVec
	ErrorsTotal      *prometheus.CounterVec
	WorkerState      *prometheus.GaugeVec
	DriverDuration   *prometheus.HistogramVec
}

// States reported through the worker state gauge.
var States = []string{"stopped", "running", "paused", "finished", "failed"}

// New constructs and registers all metrics on a dedicated registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	records := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_records_total",
			Help: "Collected records by device and outcome (accepted, duplicate, invalid).",
		},
		[]string{"device", "outcome"},
	)
	resolver := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_resolver_total",
			Help: "Selector resolutions by step and outcome (hit, miss).",
		},
		[]string{"step", "outcome"},
	)
	retries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_resolver_retries_total",
			Help: "Selector retry rounds by step.",
		},
		[]string{"step"},
	)
	screenshots := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_screenshots_total",
			Help: "Failure screenshots captured per device.",
		},
		[]string{"device"},
	)
	scrolls := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_scrolls_total",
			Help: "Item list scrolls per device.",
		},
		[]string{"device"},
	)
	tasks := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_tasks_total",
			Help: "Finished tasks by device and outcome (completed, skipped).",
		},
		[]string{"device", "outcome"},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_errors_total",
			Help: "Worker errors by device and type.",
		},
		[]string{"device", "error_type"},
	)
	state := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harvester_worker_state",
			Help: "1 for the current run state of each device worker.",
		},
		[]string{"device", "state"},
	)
	driver := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harvester_driver_call_duration_seconds",
			Help:    "Latency of device driver calls.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	registry.MustRegister(records, resolver, retries, screenshots, scrolls, tasks, errorsTotal, state, driver)

	return &Metrics{
		Registry:         registry,
		RecordsTotal:     records,
		ResolverTotal:    resolver,
		RetriesTotal:     retries,
		ScreenshotsTotal: screenshots,
		ScrollsTotal:     scrolls,
		TasksTotal:       tasks,
		ErrorsTotal:      errorsTotal,
		WorkerState:      state,
		DriverDuration:   driver,
	}
}

// AddRecords adds n records with the given outcome.
func (m *Metrics) AddRecords(device, outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RecordsTotal.WithLabelValues(device, outcome).Add(float64(n))
}

// IncResolve counts a resolution outcome for step.
func (m *Metrics) IncResolve(step, outcome string) {
	if m == nil {
		return
	}
	m.ResolverTotal.WithLabelValues(step, outcome).Inc()
}

// IncRetries increments the retries counter for step.
func (m *Metrics) IncRetries(step string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(step).Inc()
}

// IncScreenshots increments the screenshot counter.
func (m *Metrics) IncScreenshots(device string) {
	if m == nil {
		return
	}
	m.ScreenshotsTotal.WithLabelValues(device).Inc()
}

// IncScrolls increments the scroll counter.
func (m *Metrics) IncScrolls(device string) {
	if m == nil {
		return
	}
	m.ScrollsTotal.WithLabelValues(device).Inc()
}

// IncTask counts a finished task.
func (m *Metrics) IncTask(device, outcome string) {
	if m == nil {
		return
	}
	m.TasksTotal.WithLabelValues(device, outcome).Inc()
}

// IncError increments the errors counter for a type label.
func (m *Metrics) IncError(device, errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(device, errorType).Inc()
}

// SetState marks state as the current one for device.
func (m *Metrics) SetState(device, state string) {
	if m == nil {
		return
	}
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		m.WorkerState.WithLabelValues(device, s).Set(v)
	}
}

// ObserveDriver records a driver call duration.
func (m *Metrics) ObserveDriver(method string, d time.Duration) {
	if m == nil {
		return
	}
	m.DriverDuration.WithLabelValues(method).Observe(d.Seconds())
}
