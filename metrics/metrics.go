// Package metrics holds the prometheus metrics reported by the mapping loop.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Step labels used with StepDuration.
const (
	StepSurround = "surround"
	StepMatch    = "match"
	StepInsert   = "insert"
	StepWhole    = "whole"
)

// Map labels used with MapVoxels and MapPoints.
const (
	MapCorner = "corner"
	MapSurf   = "surf"
)

// Registry holds all metrics of one mapping session. Each Registry owns its own
// prometheus registry so that several sessions, or tests, never collide.
type Registry struct {
	registry *prometheus.Registry

	FramesReceived        prometheus.Counter
	FramesProcessed       prometheus.Counter
	FramesDropped         prometheus.Counter
	FramesDegraded        prometheus.Counter
	AlignmentsUnconverged prometheus.Counter
	QueueDepth            prometheus.Gauge

	StepDuration *prometheus.HistogramVec
	MapVoxels    *prometheus.GaugeVec
	MapPoints    *prometheus.GaugeVec
}

// NewRegistry creates a registry with all metrics initialized.
func NewRegistry() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}
	r.initFrameMetrics()
	r.initMapMetrics()
	return r
}

func (r *Registry) initFrameMetrics() {
	r.FramesReceived = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "loam_frames_received_total",
			Help: "Odometry results handed to the mapping loop",
		},
	)

	r.FramesProcessed = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "loam_frames_processed_total",
			Help: "Odometry results fully processed by the mapping loop",
		},
	)

	r.FramesDropped = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "loam_frames_dropped_total",
			Help: "Odometry results discarded to keep up in real-time mode",
		},
	)

	r.FramesDegraded = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "loam_frames_degraded_total",
			Help: "Frames whose submap was too sparse to run alignment",
		},
	)

	r.AlignmentsUnconverged = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "loam_alignments_unconverged_total",
			Help: "Alignments that reported no convergence",
		},
	)

	r.QueueDepth = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "loam_queue_depth",
			Help: "Odometry results waiting for the mapping loop",
		},
	)

	r.StepDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loam_step_duration_seconds",
			Help:    "Duration of the mapping loop steps",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"step"},
	)
}

func (r *Registry) initMapMetrics() {
	r.MapVoxels = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loam_map_voxels",
			Help: "Non-empty voxels per feature map",
		},
		[]string{"map"},
	)

	r.MapPoints = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loam_map_points",
			Help: "Points stored per feature map",
		},
		[]string{"map"},
	)
}

// ObserveStep records the duration of one mapping step.
func (r *Registry) ObserveStep(step string, d time.Duration) {
	r.StepDuration.WithLabelValues(step).Observe(d.Seconds())
}

// SetMapSize records the size of one feature map.
func (r *Registry) SetMapSize(name string, voxels, points int) {
	r.MapVoxels.WithLabelValues(name).Set(float64(voxels))
	r.MapPoints.WithLabelValues(name).Set(float64(points))
}

// GetPrometheusRegistry returns the underlying prometheus registry.
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
