package metrics_test

import (
	"errors"
	"testing"
	"time"

	"github.com/book-expert/narration-service/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	t.Parallel()

	met, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)

	met.CacheRequest(metrics.ResultHit)
	met.CacheRequest(metrics.ResultHit)
	met.CacheRequest(metrics.ResultMiss)
	met.CacheEvicted()
	met.SetResident(3)
	met.ObserveLoad(time.Now(), errors.New("corrupt"))
	met.SegmentFinished("primary", nil, time.Now())
	met.SegmentFinished("primary", errors.New("boom"), time.Now())
	met.JobFinished("primary", metrics.StatusCompleted, "", time.Now())

	assert.InDelta(t, 2, testutil.ToFloat64(met.CacheRequests.WithLabelValues(metrics.ResultHit)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(met.CacheRequests.WithLabelValues(metrics.ResultMiss)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(met.CacheEvictions), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(met.CacheResident), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(met.Segments.WithLabelValues(metrics.SegmentSkipped)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(met.Jobs.WithLabelValues(metrics.StatusCompleted, "")), 0)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	t.Parallel()

	var met *metrics.Metrics

	assert.NotPanics(t, func() {
		met.CacheRequest(metrics.ResultHit)
		met.CacheEvicted()
		met.SetResident(1)
		met.ObserveLoad(time.Now(), nil)
		met.JobFinished("primary", metrics.StatusFailed, "internal", time.Now())
		met.SegmentFinished("primary", nil, time.Now())
	})
}

func TestMetrics_DoubleRegistrationFails(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()

	_, err := metrics.New(registry)
	require.NoError(t, err)

	_, err = metrics.New(registry)
	require.Error(t, err)
}
