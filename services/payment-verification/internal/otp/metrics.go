package otp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeMatch     = "match"
	outcomeMismatch  = "mismatch"
	outcomeCooldown  = "cooldown"
	outcomeExhausted = "exhausted"
	outcomeNotFound  = "not_found"
	outcomeError     = "error"
)

var (
	otpGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "otp_generated_total",
		Help: "OTP codes issued",
	})

	otpAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "otp_verification_attempts_total",
		Help: "OTP verification attempts by outcome",
	}, []string{"outcome"})

	breachAlerts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "otp_breach_alerts_total",
		Help: "Security alerts raised for consecutive OTP failures",
	})

	otpSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "otp_swept_total",
		Help: "Expired OTP records deleted by the sweep",
	})
)
