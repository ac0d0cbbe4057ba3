// Package metrics defines the Prometheus collectors of the narration service.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "narration"

// Label values.
const (
	ResultHit        = "hit"
	ResultMiss       = "miss"
	ResultSuccess    = "success"
	ResultError      = "error"
	SegmentProduced  = "produced"
	SegmentSkipped   = "failed"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusEnqueued   = "enqueued"
	StatusNotStarted = "not_started"
)

// Metrics holds every collector. Fields are safe for concurrent use.
type Metrics struct {
	CacheRequests   *prometheus.CounterVec
	CacheEvictions  prometheus.Counter
	CacheResident   prometheus.Gauge
	ModelLoad       *prometheus.HistogramVec
	Jobs            *prometheus.CounterVec
	JobDuration     *prometheus.HistogramVec
	Segments        *prometheus.CounterVec
	SegmentDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with registerer.
func New(registerer prometheus.Registerer) (*Metrics, error) {
	met := &Metrics{
		CacheRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "voice_cache_requests_total",
				Help:      "Voice cache acquire calls by result (hit, miss).",
			},
			[]string{"result"},
		),
		CacheEvictions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "voice_cache_evictions_total",
				Help:      "Voice models evicted from the cache.",
			},
		),
		CacheResident: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "voice_cache_resident",
				Help:      "Voice models currently resident in the cache.",
			},
		),
		ModelLoad: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "voice_model_load_seconds",
				Help:      "Time spent loading voice models from disk.",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"result"},
		),
		Jobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_total",
				Help:      "Jobs by final status and failure classification.",
			},
			[]string{"status", "failure"},
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Wall time of a pipeline run by engine.",
				Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"engine"},
		),
		Segments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "segments_total",
				Help:      "Synthesized segments by result (produced, failed).",
			},
			[]string{"result"},
		),
		SegmentDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "segment_synthesis_seconds",
				Help:      "Time spent synthesizing one segment by engine.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"engine"},
		),
	}

	collectors := []prometheus.Collector{
		met.CacheRequests, met.CacheEvictions, met.CacheResident, met.ModelLoad,
		met.Jobs, met.JobDuration, met.Segments, met.SegmentDuration,
	}

	for _, collector := range collectors {
		err := registerer.Register(collector)
		if err != nil {
			return nil, err
		}
	}

	return met, nil
}

// CacheRequest counts one acquire with result hit or miss.
func (m *Metrics) CacheRequest(result string) {
	if m == nil {
		return
	}

	m.CacheRequests.WithLabelValues(result).Inc()
}

// CacheEvicted counts one eviction.
func (m *Metrics) CacheEvicted() {
	if m == nil {
		return
	}

	m.CacheEvictions.Inc()
}

// SetResident sets the resident model gauge.
func (m *Metrics) SetResident(count int) {
	if m == nil {
		return
	}

	m.CacheResident.Set(float64(count))
}

// ObserveLoad records a model load.
func (m *Metrics) ObserveLoad(started time.Time, err error) {
	if m == nil {
		return
	}

	m.ModelLoad.WithLabelValues(resultOf(err)).Observe(time.Since(started).Seconds())
}

// JobFinished counts a finished job and records its duration.
func (m *Metrics) JobFinished(engine, status, failure string, started time.Time) {
	if m == nil {
		return
	}

	m.Jobs.WithLabelValues(status, failure).Inc()

	if engine != "" {
		m.JobDuration.WithLabelValues(engine).Observe(time.Since(started).Seconds())
	}
}

// SegmentFinished counts a segment and records its synthesis time.
func (m *Metrics) SegmentFinished(engine string, err error, started time.Time) {
	if m == nil {
		return
	}

	result := SegmentProduced
	if err != nil {
		result = SegmentSkipped
	}

	m.Segments.WithLabelValues(result).Inc()
	m.SegmentDuration.WithLabelValues(engine).Observe(time.Since(started).Seconds())
}

func resultOf(err error) string {
	if err != nil {
		return ResultError
	}

	return ResultSuccess
}
