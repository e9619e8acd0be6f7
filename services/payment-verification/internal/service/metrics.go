package service

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	verificationResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_verifications_total",
		Help: "Payment verification results",
	}, []string{"result"})

	verificationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "payment_verification_duration_seconds",
		Help:    "Time spent verifying a payment",
		Buckets: prometheus.DefBuckets,
	})

	batchItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_batch_items_total",
		Help: "Payments processed by batch verification",
	}, []string{"result"})

	sweepDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_sweep_deleted_total",
		Help: "Records removed by retention sweeps",
	}, []string{"kind"})
)

func observeVerification(result *VerificationResult) {
	label := "success"
	switch {
	case result.AlreadyVerified:
		label = "already_verified"
	case !result.Success:
		label = strings.ToLower(string(result.Code))
	}
	verificationResults.WithLabelValues(label).Inc()
	verificationDuration.Observe(result.ProcessingTime.Seconds())
}
