// Package metrics provides kernel metrics collection.
// It wraps Prometheus collectors to provide structured telemetry for service
// lifecycle, task execution, event delivery, commands and the worker pool.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is the interface kernel components report through.
type Recorder interface {
	RecordServiceStatus(service string, status int)
	RecordServiceLoad(service string, duration time.Duration, err error)
	RecordServiceUnload(service string, duration time.Duration, err error)
	RecordEngineStatus(status int)

	RecordTaskScheduled(taskType string)
	RecordTaskRun(taskType string, duration time.Duration, err error)
	RecordTaskPanic(taskType string)

	RecordEventTrigger(publisher, event string, err error)
	RecordEventDelivery(publisher, event string, duration time.Duration, err error)

	RecordCommand(service, command string, duration time.Duration, err error)

	RecordPool(running, free int)
}

// Collector provides kernel metrics collection.
type Collector struct {
	registry *prometheus.Registry

	// Lifecycle metrics
	serviceStatus  *prometheus.GaugeVec
	serviceLoad    *prometheus.HistogramVec
	serviceUnload  *prometheus.HistogramVec
	serviceFailure *prometheus.CounterVec
	engineStatus   prometheus.Gauge

	// Task metrics
	taskScheduled *prometheus.CounterVec
	taskRuns      *prometheus.CounterVec
	taskLatency   *prometheus.HistogramVec
	taskPanics    *prometheus.CounterVec

	// Event bus metrics
	eventTriggers   *prometheus.CounterVec
	eventDeliveries *prometheus.CounterVec
	deliveryLatency *prometheus.HistogramVec

	// Command metrics
	commandTotal   *prometheus.CounterVec
	commandLatency *prometheus.HistogramVec

	// Resource metrics
	poolRunning prometheus.Gauge
	poolFree    prometheus.Gauge
	uptime      prometheus.Gauge
	startTime   time.Time

	mu sync.RWMutex
}

// NewCollector creates a new kernel metrics collector.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "kernel"
	}

	c := &Collector{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
	}

	c.serviceStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "status",
			Help:      "Current status of service (0=loading, 1=running, 2=shutting_down, 3=died)",
		},
		[]string{"service"},
	)

	c.serviceLoad = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "load_duration_seconds",
			Help:      "Time taken to load and start a service",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		},
		[]string{"service", "result"},
	)

	c.serviceUnload = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "unload_duration_seconds",
			Help:      "Time taken to drain and unload a service",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"service", "result"},
	)

	c.serviceFailure = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "failures_total",
			Help:      "Total number of service load or unload failures",
		},
		[]string{"service", "phase"},
	)

	c.engineStatus = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "status",
			Help:      "Current engine status (0=starting, 1=running, 2=shutting_down, 3=died)",
		},
	)

	c.taskScheduled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "scheduled_total",
			Help:      "Total number of tasks scheduled",
		},
		[]string{"type"},
	)

	c.taskRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "runs_total",
			Help:      "Total number of task handler invocations",
		},
		[]string{"type", "result"},
	)

	c.taskLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "run_duration_seconds",
			Help:      "Task handler run time",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16), // 0.5ms to ~16s
		},
		[]string{"type"},
	)

	c.taskPanics = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "panics_total",
			Help:      "Total number of recovered task handler panics",
		},
		[]string{"type"},
	)

	c.eventTriggers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "triggers_total",
			Help:      "Total number of event triggers",
		},
		[]string{"publisher", "event", "result"},
	)

	c.eventDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "deliveries_total",
			Help:      "Total number of event deliveries to subscribers",
		},
		[]string{"publisher", "event", "result"},
	)

	c.deliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "delivery_duration_seconds",
			Help:      "Time taken by one subscriber handler",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"publisher", "event"},
	)

	c.commandTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "invocations_total",
			Help:      "Total number of command invocations",
		},
		[]string{"service", "command", "result"},
	)

	c.commandLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "duration_seconds",
			Help:      "Command handler run time",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"service", "command"},
	)

	c.poolRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "running_workers",
			Help:      "Workers currently executing a handler",
		},
	)

	c.poolFree = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "free_workers",
			Help:      "Idle worker capacity",
		},
	)

	c.uptime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Seconds since the collector was created",
		},
	)

	c.registry.MustRegister(
		c.serviceStatus,
		c.serviceLoad,
		c.serviceUnload,
		c.serviceFailure,
		c.engineStatus,
		c.taskScheduled,
		c.taskRuns,
		c.taskLatency,
		c.taskPanics,
		c.eventTriggers,
		c.eventDeliveries,
		c.deliveryLatency,
		c.commandTotal,
		c.commandLatency,
		c.poolRunning,
		c.poolFree,
		c.uptime,
	)

	return c
}

// Registry returns the Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns an HTTP handler exposing the registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordServiceStatus records the current status of a service.
func (c *Collector) RecordServiceStatus(service string, status int) {
	c.serviceStatus.WithLabelValues(service).Set(float64(status))
}

// RecordServiceLoad records service load latency.
func (c *Collector) RecordServiceLoad(service string, duration time.Duration, err error) {
	c.serviceLoad.WithLabelValues(service, result(err)).Observe(duration.Seconds())
	if err != nil {
		c.serviceFailure.WithLabelValues(service, "load").Inc()
	}
}

// RecordServiceUnload records service unload latency. The status series of
// the service is dropped once it is gone.
func (c *Collector) RecordServiceUnload(service string, duration time.Duration, err error) {
	c.serviceUnload.WithLabelValues(service, result(err)).Observe(duration.Seconds())
	if err != nil {
		c.serviceFailure.WithLabelValues(service, "unload").Inc()
		return
	}
	c.serviceStatus.DeleteLabelValues(service)
}

// RecordEngineStatus records the engine status.
func (c *Collector) RecordEngineStatus(status int) {
	c.engineStatus.Set(float64(status))
	c.UpdateUptime()
}

// RecordTaskScheduled counts a newly scheduled task.
func (c *Collector) RecordTaskScheduled(taskType string) {
	c.taskScheduled.WithLabelValues(taskType).Inc()
}

// RecordTaskRun records one task handler invocation.
func (c *Collector) RecordTaskRun(taskType string, duration time.Duration, err error) {
	c.taskRuns.WithLabelValues(taskType, result(err)).Inc()
	c.taskLatency.WithLabelValues(taskType).Observe(duration.Seconds())
}

// RecordTaskPanic counts a recovered task panic.
func (c *Collector) RecordTaskPanic(taskType string) {
	c.taskPanics.WithLabelValues(taskType).Inc()
}

// RecordEventTrigger records an event trigger attempt.
func (c *Collector) RecordEventTrigger(publisher, event string, err error) {
	c.eventTriggers.WithLabelValues(publisher, event, result(err)).Inc()
}

// RecordEventDelivery records one subscriber delivery.
func (c *Collector) RecordEventDelivery(publisher, event string, duration time.Duration, err error) {
	c.eventDeliveries.WithLabelValues(publisher, event, result(err)).Inc()
	c.deliveryLatency.WithLabelValues(publisher, event).Observe(duration.Seconds())
}

// RecordCommand records a command invocation.
func (c *Collector) RecordCommand(service, command string, duration time.Duration, err error) {
	c.commandTotal.WithLabelValues(service, command, result(err)).Inc()
	c.commandLatency.WithLabelValues(service, command).Observe(duration.Seconds())
}

// RecordPool records worker pool occupancy.
func (c *Collector) RecordPool(running, free int) {
	c.poolRunning.Set(float64(running))
	c.poolFree.Set(float64(free))
}

// UpdateUptime updates the uptime metric.
func (c *Collector) UpdateUptime() {
	c.mu.RLock()
	start := c.startTime
	c.mu.RUnlock()
	c.uptime.Set(time.Since(start).Seconds())
}

// Reset resets gauges and the uptime origin.
func (c *Collector) Reset() {
	c.serviceStatus.Reset()
	c.poolRunning.Set(0)
	c.poolFree.Set(0)
	c.mu.Lock()
	c.startTime = time.Now()
	c.mu.Unlock()
}

// NoOpCollector is a metrics collector that discards all metrics.
type NoOpCollector struct{}

// NewNoOpCollector creates a no-op metrics collector.
func NewNoOpCollector() *NoOpCollector {
	return &NoOpCollector{}
}

func (*NoOpCollector) RecordServiceStatus(service string, status int)                    {}
func (*NoOpCollector) RecordServiceLoad(service string, d time.Duration, err error)      {}
func (*NoOpCollector) RecordServiceUnload(service string, d time.Duration, err error)    {}
func (*NoOpCollector) RecordEngineStatus(status int)                                      {}
func (*NoOpCollector) RecordTaskScheduled(taskType string)                                {}
func (*NoOpCollector) RecordTaskRun(taskType string, d time.Duration, err error)          {}
func (*NoOpCollector) RecordTaskPanic(taskType string)                                    {}
func (*NoOpCollector) RecordEventTrigger(publisher, event string, err error)              {}
func (*NoOpCollector) RecordEventDelivery(publisher, event string, d time.Duration, err error) {
}
func (*NoOpCollector) RecordCommand(service, command string, d time.Duration, err error) {}
func (*NoOpCollector) RecordPool(running, free int)                                      {}

var (
	_ Recorder = (*Collector)(nil)
	_ Recorder = (*NoOpCollector)(nil)
)
