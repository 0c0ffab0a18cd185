package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeTransfers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "jpstream_active_transfers",
		Help: "Number of transfers currently registered in the transfer tracker",
	})

	transferBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jpstream_transfer_bytes_total",
		Help: "Bytes written to clients by delivery path",
	}, []string{"path"})

	transferOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jpstream_transfer_outcomes_total",
		Help: "Finished transfers by outcome",
	}, []string{"outcome"})

	streamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jpstream_stream_requests_total",
		Help: "Stream requests by HTTP method and response status class",
	}, []string{"method", "status"})
)

// SetActiveTransfers sets the tracker size gauge.
func SetActiveTransfers(n int) {
	activeTransfers.Set(float64(n))
}

// AddTransferBytes counts bytes written for a delivery path (pass_through, transcode, downsample, hls).
func AddTransferBytes(path string, n int) {
	if n <= 0 {
		return
	}
	transferBytes.WithLabelValues(normalizePathLabel(path)).Add(float64(n))
}

// IncTransferOutcome records how a transfer ended.
func IncTransferOutcome(outcome string) {
	transferOutcomes.WithLabelValues(normalizeOutcomeLabel(outcome)).Inc()
}

// IncStreamRequest records a stream request by method and status class.
func IncStreamRequest(method string, status int) {
	streamRequests.WithLabelValues(method, statusClass(status)).Inc()
}

func normalizePathLabel(path string) string {
	switch path {
	case "pass_through", "transcode", "downsample", "hls":
		return path
	default:
		return "unknown"
	}
}

func normalizeOutcomeLabel(outcome string) string {
	switch outcome {
	case "completed", "client_gone", "terminated", "pipeline_error":
		return outcome
	default:
		return "unknown"
	}
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
