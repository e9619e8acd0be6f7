package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/Sivazam/pHLynk-sub002/services/payment-verification/internal/cache"
	"github.com/Sivazam/pHLynk-sub002/services/payment-verification/internal/models"
	"github.com/Sivazam/pHLynk-sub002/shared/pkg/errs"
)

// GetPaymentSummaryForRetailer lists the retailer's payments, newest first,
// with the status a reader should see now. The list is cached briefly.
func (s *VerificationService) GetPaymentSummaryForRetailer(ctx context.Context, retailerID string) ([]models.PaymentSummary, error) {
	if retailerID == "" {
		return nil, errs.New(errs.CodeInvalidArgument, "retailer id is required")
	}

	summary, err := cache.Fetch(ctx, s.cache, summaryKey(retailerID), summaryTTL, func(ctx context.Context) ([]models.PaymentSummary, error) {
		payments, err := s.payments.ListByRetailer(ctx, retailerID)
		if err != nil {
			return nil, err
		}

		now := s.now()
		rows := make([]models.PaymentSummary, 0, len(payments))
		for _, p := range payments {
			rows = append(rows, models.PaymentSummary{
				ID:             p.ID,
				Amount:         p.Amount,
				RetailerID:     p.RetailerID,
				LineWorkerName: p.LineWorkerName,
				IsVerified:     p.IsVerified,
				VerifiedAt:     p.VerifiedAt,
				CreatedAt:      p.CreatedAt,
				ExpiresAt:      p.ExpiresAt,
				Status:         p.DerivedStatus(now),
			})
		}
		return rows, nil
	})
	if err != nil {
		s.log.Error("payment_summary_failed", zap.String("retailer_id", retailerID), zap.Error(err))
		return nil, errs.Internal(err)
	}
	return summary, nil
}

// ActiveOTPsForRetailer lists the codes the retailer can hand to a line worker.
func (s *VerificationService) ActiveOTPsForRetailer(ctx context.Context, retailerID string) ([]models.ActiveOTP, error) {
	if retailerID == "" {
		return nil, errs.New(errs.CodeInvalidArgument, "retailer id is required")
	}
	return s.otps.ActiveForRetailer(ctx, retailerID)
}
