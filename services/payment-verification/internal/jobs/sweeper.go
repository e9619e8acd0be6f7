// services/payment-verification/internal/jobs/sweeper.go
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var sweeperRuns = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "sweeper_runs_total",
		Help: "Retention sweeps by kind and result",
	},
	[]string{"kind", "result"},
)

type Kind string

const (
	KindOTPs     Kind = "otps"
	KindPayments Kind = "payments"
	KindAll      Kind = "all"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindOTPs, KindPayments, KindAll:
		return k, nil
	}
	return "", fmt.Errorf("unknown sweep kind %q", s)
}

// Cleaner is implemented by the verification service.
type Cleaner interface {
	CleanupExpiredOTPs(ctx context.Context) int64
	CleanupExpiredPayments(ctx context.Context) int64
}

// Locker grants a short lease so only one replica sweeps per interval.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

type Config struct {
	OTPInterval     time.Duration `mapstructure:"otp_interval"`
	PaymentInterval time.Duration `mapstructure:"payment_interval"`
	LockPrefix      string        `mapstructure:"lock_prefix"`
}

func DefaultConfig() Config {
	return Config{
		OTPInterval:     5 * time.Minute,
		PaymentInterval: 24 * time.Hour,
		LockPrefix:      "sweep:",
	}
}

// Report counts what a run removed. Skipped lists kinds another replica held.
type Report struct {
	OTPs     int64  `json:"otps"`
	Payments int64  `json:"payments"`
	Skipped  []Kind `json:"skipped,omitempty"`
}

type Sweeper struct {
	cleaner Cleaner
	locker  Locker
	cfg     Config
	logger  *zap.Logger
}

type Option func(*Sweeper)

func WithLocker(l Locker) Option {
	return func(s *Sweeper) { s.locker = l }
}

func NewSweeper(cleaner Cleaner, cfg Config, logger *zap.Logger, opts ...Option) *Sweeper {
	defaults := DefaultConfig()
	if cfg.OTPInterval <= 0 {
		cfg.OTPInterval = defaults.OTPInterval
	}
	if cfg.PaymentInterval <= 0 {
		cfg.PaymentInterval = defaults.PaymentInterval
	}
	if cfg.LockPrefix == "" {
		cfg.LockPrefix = defaults.LockPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sweeper{cleaner: cleaner, cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps on both intervals until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	otpTicker := time.NewTicker(s.cfg.OTPInterval)
	defer otpTicker.Stop()
	paymentTicker := time.NewTicker(s.cfg.PaymentInterval)
	defer paymentTicker.Stop()

	s.logger.Info("sweeper started",
		zap.Duration("otp_interval", s.cfg.OTPInterval),
		zap.Duration("payment_interval", s.cfg.PaymentInterval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-otpTicker.C:
			s.RunOnce(ctx, KindOTPs)
		case <-paymentTicker.C:
			s.RunOnce(ctx, KindPayments)
		}
	}
}

// RunOnce performs a single sweep of the given kind.
func (s *Sweeper) RunOnce(ctx context.Context, kind Kind) Report {
	var report Report
	if kind == KindOTPs || kind == KindAll {
		if s.acquire(ctx, KindOTPs, s.cfg.OTPInterval) {
			report.OTPs = s.cleaner.CleanupExpiredOTPs(ctx)
			sweeperRuns.WithLabelValues(string(KindOTPs), "completed").Inc()
		} else {
			report.Skipped = append(report.Skipped, KindOTPs)
		}
	}
	if kind == KindPayments || kind == KindAll {
		if s.acquire(ctx, KindPayments, s.cfg.PaymentInterval) {
			report.Payments = s.cleaner.CleanupExpiredPayments(ctx)
			sweeperRuns.WithLabelValues(string(KindPayments), "completed").Inc()
		} else {
			report.Skipped = append(report.Skipped, KindPayments)
		}
	}

	s.logger.Info("sweep finished",
		zap.String("kind", string(kind)),
		zap.Int64("otps_deleted", report.OTPs),
		zap.Int64("payments_deleted", report.Payments),
		zap.Int("skipped", len(report.Skipped)))
	return report
}

// acquire reports whether this process should sweep kind now. Lock errors
// fall through to sweeping since both sweeps are idempotent.
func (s *Sweeper) acquire(ctx context.Context, kind Kind, interval time.Duration) bool {
	if s.locker == nil {
		return true
	}
	ok, err := s.locker.TryLock(ctx, s.cfg.LockPrefix+string(kind), leaseTTL(interval))
	if err != nil {
		s.logger.Warn("sweep lease unavailable", zap.String("kind", string(kind)), zap.Error(err))
		return true
	}
	if !ok {
		sweeperRuns.WithLabelValues(string(kind), "skipped").Inc()
	}
	return ok
}

func leaseTTL(interval time.Duration) time.Duration {
	ttl := interval / 2
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}
