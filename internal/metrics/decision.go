package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var decisionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "jpstream_decision_total",
	Help: "Delivery decisions by path, reason and target format",
}, []string{"path", "reason", "target_format", "range_allowed"})

// RecordDecision records one parameter resolution outcome.
func RecordDecision(path, reason, targetFormat string, rangeAllowed bool) {
	ra := "false"
	if rangeAllowed {
		ra = "true"
	}
	decisionTotal.WithLabelValues(normalizePathLabel(path), reason, normalizeFormatLabel(targetFormat), ra).Inc()
}

// keeps label cardinality bounded when clients request arbitrary formats
func normalizeFormatLabel(format string) string {
	if len(format) == 0 || len(format) > 5 {
		return "other"
	}
	for _, c := range format {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return "other"
		}
	}
	return format
}
