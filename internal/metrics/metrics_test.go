package metrics

import (
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestNewTimer_StartsNear(t *testing.T) {
	timer := NewTimer()
	require.NotNil(t, timer)
	require.Less(t, time.Since(timer.start), time.Second)
}

func TestTimer_DurationIsMonotonic(t *testing.T) {
	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)
	first := timer.Duration()
	time.Sleep(10 * time.Millisecond)
	second := timer.Duration()
	require.Greater(t, second, first)
}

func TestTimer_ObserveDurationRecordsToHistogram(t *testing.T) {
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "test_taskorch_duration_seconds",
		Help: "test histogram",
	})
	timer := NewTimer()
	time.Sleep(5 * time.Millisecond)
	timer.ObserveDuration(histogram)

	var metric dto.Metric
	require.NoError(t, histogram.Write(&metric))
	require.EqualValues(t, 1, metric.GetHistogram().GetSampleCount())
}

func TestTimer_ObserveDurationVecRecordsWithLabels(t *testing.T) {
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "test_taskorch_duration_vec_seconds",
		Help: "test histogram vec",
	}, []string{"op"})
	timer := NewTimer()
	timer.ObserveDurationVec(vec, "acquire")

	observer, err := vec.GetMetricWithLabelValues("acquire")
	require.NoError(t, err)
	var metric dto.Metric
	require.NoError(t, observer.(prometheus.Metric).Write(&metric))
	require.EqualValues(t, 1, metric.GetHistogram().GetSampleCount())
}
