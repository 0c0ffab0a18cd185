package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getCounterVecValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, vec.WithLabelValues(labels...).Write(m))
	return m.GetCounter().GetValue()
}

func TestRecordDecision_NormalizesLabels(t *testing.T) {
	before := getCounterVecValue(t, decisionTotal, "unknown", "x", "other", "true")
	RecordDecision("sideways", "x", "Not-A-Format", true)
	assert.Equal(t, before+1, getCounterVecValue(t, decisionTotal, "unknown", "x", "other", "true"))

	before = getCounterVecValue(t, decisionTotal, "transcode", "rule_applies", "mp3", "false")
	RecordDecision("transcode", "rule_applies", "mp3", false)
	assert.Equal(t, before+1, getCounterVecValue(t, decisionTotal, "transcode", "rule_applies", "mp3", "false"))
}

func TestTransferCounters(t *testing.T) {
	before := getCounterVecValue(t, transferBytes, "hls")
	AddTransferBytes("hls", 100)
	AddTransferBytes("hls", 0)
	assert.Equal(t, before+100, getCounterVecValue(t, transferBytes, "hls"))

	before = getCounterVecValue(t, transferOutcomes, "unknown")
	IncTransferOutcome("exploded")
	assert.Equal(t, before+1, getCounterVecValue(t, transferOutcomes, "unknown"))

	before = getCounterVecValue(t, streamRequests, "GET", "4xx")
	IncStreamRequest("GET", 404)
	assert.Equal(t, before+1, getCounterVecValue(t, streamRequests, "GET", "4xx"))
}

func TestActiveTransfersGauge(t *testing.T) {
	SetActiveTransfers(3)
	m := &dto.Metric{}
	require.NoError(t, activeTransfers.Write(m))
	assert.InDelta(t, 3.0, m.GetGauge().GetValue(), 0)
}
