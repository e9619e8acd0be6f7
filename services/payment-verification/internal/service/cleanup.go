package service

import (
	"context"

	"go.uber.org/zap"
)

// CleanupExpiredPayments deletes unverified payments whose window closed more
// than the retention period ago. Failures are logged and reported as zero.
func (s *VerificationService) CleanupExpiredPayments(ctx context.Context) int64 {
	cutoff := s.now().Add(-s.retention)

	n, err := s.payments.DeleteExpiredUnverified(ctx, cutoff)
	if err != nil {
		s.log.Error("payment_cleanup_failed", zap.Time("cutoff", cutoff), zap.Error(err))
		return 0
	}

	if n > 0 {
		sweepDeleted.WithLabelValues("payments").Add(float64(n))
		if err := s.cache.Clear(ctx); err != nil {
			s.log.Error("cache_clear_failed", zap.Error(err))
		}
	}
	s.log.Payment("payment_cleanup_completed", zap.Int64("deleted", n), zap.Time("cutoff", cutoff))
	return n
}

// CleanupExpiredOTPs runs the OTP retention sweep with the same soft failure.
func (s *VerificationService) CleanupExpiredOTPs(ctx context.Context) int64 {
	n, err := s.otps.Sweep(ctx)
	if err != nil {
		return 0
	}
	sweepDeleted.WithLabelValues("otps").Add(float64(n))
	return n
}
