// services/payment-verification/internal/service/initiation.go
package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Sivazam/pHLynk-sub002/services/payment-verification/internal/models"
	"github.com/Sivazam/pHLynk-sub002/services/payment-verification/internal/otp"
	"github.com/Sivazam/pHLynk-sub002/services/payment-verification/internal/repository"
	"github.com/Sivazam/pHLynk-sub002/shared/pkg/errs"
)

type InitiateRequest struct {
	RetailerID     string          `json:"retailer_id"`
	Amount         decimal.Decimal `json:"amount"`
	WholesalerID   string          `json:"wholesaler_id"`
	LineWorkerID   string          `json:"line_worker_id"`
	LineWorkerName string          `json:"line_worker_name"`
}

// InitiateResult deliberately omits the code: the retailer reads it from
// their active OTP list and reads it out to the line worker.
type InitiateResult struct {
	Payment      *models.PaymentSnapshot `json:"payment"`
	OTPExpiresAt time.Time               `json:"otp_expires_at"`
}

// InitiatePayment records a collection and issues its OTP.
func (s *VerificationService) InitiatePayment(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	if req.RetailerID == "" {
		return nil, errs.New(errs.CodeInvalidArgument, "retailer id is required")
	}
	if !req.Amount.IsPositive() {
		return nil, errs.New(errs.CodeInvalidArgument, "amount must be positive")
	}

	retailer, err := s.activeRetailer(ctx, req.RetailerID)
	if err != nil {
		return nil, err
	}

	wholesalerID := req.WholesalerID
	if wholesalerID == "" {
		wholesalerID = retailer.WholesalerID
	}

	now := s.now()
	payment := &models.Payment{
		ID:             uuid.New().String(),
		Amount:         req.Amount,
		RetailerID:     retailer.ID,
		WholesalerID:   wholesalerID,
		LineWorkerID:   req.LineWorkerID,
		LineWorkerName: req.LineWorkerName,
		Status:         models.PaymentStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(s.window),
	}
	if err := s.payments.Create(ctx, payment); err != nil {
		s.log.Error("payment_create_failed", zap.String("retailer_id", retailer.ID), zap.Error(err))
		return nil, errs.Internal(err)
	}

	issued, err := s.issueOTP(ctx, payment, retailer, req.LineWorkerID)
	if err != nil {
		return nil, err
	}
	payment.Status = models.PaymentStatusOTPSent

	s.log.Payment("payment_initiated",
		zap.String("payment_id", payment.ID),
		zap.String("retailer_id", retailer.ID),
		zap.String("line_worker_id", req.LineWorkerID),
		zap.String("amount", payment.Amount.String()))

	return &InitiateResult{
		Payment:      payment.Snapshot(retailer.Name, payment.Status),
		OTPExpiresAt: issued.ExpiresAt,
	}, nil
}

// RequestOTP issues a fresh code for an open payment, for example after the
// previous one expired or ran out of attempts.
func (s *VerificationService) RequestOTP(ctx context.Context, paymentID, requestedBy string) (*InitiateResult, error) {
	payment, err := s.payments.GetByID(ctx, paymentID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, errs.NotFound("payment not found")
	}
	if err != nil {
		return nil, errs.Internal(err)
	}

	if payment.IsVerified {
		return nil, errs.New(errs.CodeFailedPrecondition, "payment is already verified")
	}
	now := s.now()
	if payment.Status == models.PaymentStatusExpired || payment.Expired(now) {
		if changed, err := s.payments.MarkExpired(ctx, payment.ID, now); err == nil && changed {
			s.invalidate(ctx, payment.ID, payment.RetailerID)
		}
		return nil, errs.New(errs.CodeExpired, "payment has expired")
	}

	retailer, err := s.activeRetailer(ctx, payment.RetailerID)
	if err != nil {
		return nil, err
	}

	issued, err := s.issueOTP(ctx, payment, retailer, requestedBy)
	if err != nil {
		return nil, err
	}
	return &InitiateResult{
		Payment:      payment.Snapshot(retailer.Name, models.PaymentStatusOTPSent),
		OTPExpiresAt: issued.ExpiresAt,
	}, nil
}

func (s *VerificationService) activeRetailer(ctx context.Context, id string) (*models.Retailer, error) {
	retailer, err := s.cachedRetailer(ctx, id)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && !retailer.Active()) {
		return nil, errs.New(errs.CodeFailedPrecondition, "retailer not found or inactive")
	}
	if err != nil {
		return nil, errs.Internal(err)
	}
	return retailer, nil
}

func (s *VerificationService) issueOTP(ctx context.Context, payment *models.Payment, retailer *models.Retailer, requestedBy string) (*otp.GenerateResult, error) {
	issued, err := s.otps.Generate(ctx, otp.GenerateRequest{
		PaymentID:      payment.ID,
		RetailerID:     retailer.ID,
		Phone:          retailer.Phone,
		RetailerName:   retailer.Name,
		Amount:         payment.Amount,
		LineWorkerName: payment.LineWorkerName,
		RequestedBy:    requestedBy,
		WholesalerID:   payment.WholesalerID,
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.payments.MarkOTPSent(ctx, payment.ID, s.now()); err != nil {
		s.log.Error("payment_status_update_failed", zap.String("payment_id", payment.ID), zap.Error(err))
		return nil, errs.Internal(err)
	}
	s.invalidate(ctx, payment.ID, payment.RetailerID)
	return issued, nil
}
