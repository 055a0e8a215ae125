package fraud

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	detectionRunsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fraud_detection_runs_total",
			Help: "Total number of fraud detection runs",
		},
	)

	detectionRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fraud_detection_run_duration_seconds",
			Help:    "Duration of fraud detection runs in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	clustersEmitted = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fraud_clusters_emitted",
			Help: "Clusters emitted by the last detection run, by method",
		},
		[]string{"method"},
	)

	confirmedFraudGroups = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fraud_confirmed_groups",
			Help: "Confirmed fraud groups found by the last detection run",
		},
	)

	detectorErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fraud_detector_errors_total",
			Help: "Detector pass failures, by detector",
		},
		[]string{"detector"},
	)
)

func recordRunMetrics(report *DetectionReport, took time.Duration) {
	detectionRunsTotal.Inc()
	detectionRunDuration.Observe(took.Seconds())

	byMethod := map[DetectionMethod]int{DetectionSameIP: 0, DetectionSameDeviceVPN: 0}
	for _, c := range report.Clusters {
		byMethod[c.DetectionMethod]++
	}
	for method, count := range byMethod {
		clustersEmitted.WithLabelValues(string(method)).Set(float64(count))
	}

	confirmedFraudGroups.Set(float64(len(report.ConfirmedFraud)))

	for _, e := range report.Errors {
		detectorErrors.WithLabelValues(e.Detector).Inc()
	}
}
