package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the core dispatcher/measurement telemetry: fence
// advancement, per-block dispatch counts, and per-measurement CPU time and
// health.
type Metrics struct {
	// Dispatcher metrics
	DispatcherStatus   *prometheus.GaugeVec
	FencesAdvancedTotal prometheus.Counter
	BlocksDispatched   *prometheus.CounterVec
	TagsDispatched     *prometheus.CounterVec

	// Source metrics
	SourceOverflowsTotal *prometheus.CounterVec
	SourceErrorsTotal    *prometheus.CounterVec

	// Measurement metrics
	MeasurementCPUSeconds *prometheus.CounterVec
	MeasurementTagsTotal  *prometheus.CounterVec
	MeasurementHealth     *prometheus.GaugeVec
}

// NewMetrics creates a new Metrics instance with all core dispatcher metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		DispatcherStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "tagstream",
				Subsystem: "dispatcher",
				Name:      "status",
				Help:      "Dispatcher status (0=stopped, 1=starting, 2=running, 3=stopping, 4=failed)",
			},
			[]string{"run_id"},
		),

		FencesAdvancedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "tagstream",
				Subsystem: "dispatcher",
				Name:      "fences_advanced_total",
				Help:      "Total number of fence advances processed by the dispatcher",
			},
		),

		BlocksDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tagstream",
				Subsystem: "dispatcher",
				Name:      "blocks_dispatched_total",
				Help:      "Total number of tag blocks dispatched to measurements",
			},
			[]string{"source"},
		),

		TagsDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tagstream",
				Subsystem: "dispatcher",
				Name:      "tags_dispatched_total",
				Help:      "Total number of tags dispatched, by tag type",
			},
			[]string{"tag_type"},
		),

		SourceOverflowsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tagstream",
				Subsystem: "source",
				Name:      "overflows_total",
				Help:      "Total number of overflow brackets observed from a source",
			},
			[]string{"source"},
		),

		SourceErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tagstream",
				Subsystem: "source",
				Name:      "errors_total",
				Help:      "Total number of terminal/transient source errors",
			},
			[]string{"source", "class"},
		),

		MeasurementCPUSeconds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tagstream",
				Subsystem: "measurement",
				Name:      "cpu_seconds_total",
				Help:      "Cumulative CPU time spent in a measurement's next_impl",
			},
			[]string{"measurement", "type"},
		),

		MeasurementTagsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tagstream",
				Subsystem: "measurement",
				Name:      "tags_processed_total",
				Help:      "Total number of tags a measurement has observed",
			},
			[]string{"measurement", "type"},
		),

		MeasurementHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "tagstream",
				Subsystem: "measurement",
				Name:      "health",
				Help:      "Measurement health status (0=unhealthy, 1=healthy)",
			},
			[]string{"measurement"},
		),
	}
}

// RecordDispatcherStatus updates the dispatcher status gauge for a run.
func (c *Metrics) RecordDispatcherStatus(runID string, status int) {
	c.DispatcherStatus.WithLabelValues(runID).Set(float64(status))
}

// RecordFenceAdvanced increments the fence-advance counter.
func (c *Metrics) RecordFenceAdvanced() {
	c.FencesAdvancedTotal.Inc()
}

// RecordBlockDispatched increments the dispatched-block counter for a source.
func (c *Metrics) RecordBlockDispatched(source string) {
	c.BlocksDispatched.WithLabelValues(source).Inc()
}

// RecordTagsDispatched adds n to the dispatched-tag counter for a tag type.
func (c *Metrics) RecordTagsDispatched(tagType string, n int) {
	c.TagsDispatched.WithLabelValues(tagType).Add(float64(n))
}

// RecordSourceOverflow increments the overflow counter for a source.
func (c *Metrics) RecordSourceOverflow(source string) {
	c.SourceOverflowsTotal.WithLabelValues(source).Inc()
}

// RecordSourceError increments the source error counter, classified by error class.
func (c *Metrics) RecordSourceError(source, class string) {
	c.SourceErrorsTotal.WithLabelValues(source, class).Inc()
}

// RecordMeasurementCPU adds elapsed CPU time for a measurement's next_impl call.
func (c *Metrics) RecordMeasurementCPU(measurement, measurementType string, d time.Duration) {
	c.MeasurementCPUSeconds.WithLabelValues(measurement, measurementType).Add(d.Seconds())
}

// RecordMeasurementTags adds n to a measurement's processed-tag counter.
func (c *Metrics) RecordMeasurementTags(measurement, measurementType string, n int) {
	c.MeasurementTagsTotal.WithLabelValues(measurement, measurementType).Add(float64(n))
}

// RecordMeasurementHealth updates a measurement's health gauge.
func (c *Metrics) RecordMeasurementHealth(measurement string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	c.MeasurementHealth.WithLabelValues(measurement).Set(value)
}
