package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	procStarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jpstream_transcoder_starts_total",
		Help: "Transcoder process start attempts by result",
	}, []string{"result"})

	procTerminate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jpstream_proc_terminate_total",
		Help: "Signals sent to transcoder process groups by signal and result",
	}, []string{"signal", "result"})

	procWait = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jpstream_proc_wait_total",
		Help: "Transcoder process exits observed during termination",
	}, []string{"result"})

	transcoderSpeed = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "jpstream_transcoder_speed_ratio",
		Help:    "Encoding speed relative to realtime as reported by ffmpeg progress lines",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 50, 100},
	})

	startupLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "jpstream_transcoder_first_byte_seconds",
		Help:    "Time from spawning a transcoder chain to its first output byte",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	})
)

// IncProcStart records a process start (result: ok, failed, timeout).
func IncProcStart(result string) {
	procStarts.WithLabelValues(result).Inc()
}

// IncProcTerminate records a termination signal.
func IncProcTerminate(signal, result string) {
	procTerminate.WithLabelValues(signal, result).Inc()
}

// IncProcWait records the exit observed while terminating.
func IncProcWait(result string) {
	procWait.WithLabelValues(result).Inc()
}

// ObserveTranscoderSpeed records an ffmpeg speed sample.
func ObserveTranscoderSpeed(speed float64) {
	if speed > 0 {
		transcoderSpeed.Observe(speed)
	}
}

// ObserveFirstByte records transcoder startup latency in seconds.
func ObserveFirstByte(seconds float64) {
	startupLatency.Observe(seconds)
}
