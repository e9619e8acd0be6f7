// services/payment-verification/internal/service/verification_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Sivazam/pHLynk-sub002/services/payment-verification/internal/cache"
	"github.com/Sivazam/pHLynk-sub002/services/payment-verification/internal/models"
	"github.com/Sivazam/pHLynk-sub002/services/payment-verification/internal/otp"
	"github.com/Sivazam/pHLynk-sub002/services/payment-verification/internal/repository"
	"github.com/Sivazam/pHLynk-sub002/shared/pkg/errs"
	"github.com/Sivazam/pHLynk-sub002/shared/pkg/logger"
)

const (
	paymentTTL  = 30 * time.Second
	retailerTTL = 60 * time.Second
	summaryTTL  = 15 * time.Second

	defaultBatchSize = 10
	defaultRetention = 7 * 24 * time.Hour
)

func paymentKey(id string) string         { return "payment:" + id }
func retailerKey(id string) string        { return "retailer:" + id }
func summaryKey(retailerID string) string { return "payments_summary:" + retailerID }

// Notifier is told about verified payments. It must not fail the caller.
type Notifier interface {
	PaymentConfirmed(ctx context.Context, payment *models.Payment, retailer *models.Retailer)
}

type Deps struct {
	Payments repository.PaymentRepository
	Tenants  repository.TenantRepository
	OTPs     *otp.Store
	Cache    *cache.Cache
	Notifier Notifier
	Logger   *logger.Secure
}

type VerificationService struct {
	payments  repository.PaymentRepository
	tenants   repository.TenantRepository
	otps      *otp.Store
	cache     *cache.Cache
	notifier  Notifier
	log       *logger.Secure
	now       func() time.Time
	batchSize int
	retention time.Duration
	window    time.Duration
}

type Option func(*VerificationService)

func WithClock(now func() time.Time) Option {
	return func(s *VerificationService) { s.now = now }
}

// WithBatchSize sets how many payments a batch verifies concurrently.
func WithBatchSize(n int) Option {
	return func(s *VerificationService) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithRetention sets how long unverified payments are kept after expiry.
func WithRetention(d time.Duration) Option {
	return func(s *VerificationService) { s.retention = d }
}

// WithPaymentWindow sets how long a new payment stays open for verification.
func WithPaymentWindow(d time.Duration) Option {
	return func(s *VerificationService) { s.window = d }
}

func NewVerificationService(deps Deps, opts ...Option) *VerificationService {
	s := &VerificationService{
		payments:  deps.Payments,
		tenants:   deps.Tenants,
		otps:      deps.OTPs,
		cache:     deps.Cache,
		notifier:  deps.Notifier,
		log:       deps.Logger,
		now:       time.Now,
		batchSize: defaultBatchSize,
		retention: defaultRetention,
	}
	if s.cache == nil {
		s.cache = cache.New()
	}
	if s.log == nil {
		s.log = logger.NewSecure(nil)
	}
	if s.otps != nil {
		s.window = s.otps.Policy().Validity
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type VerifyRequest struct {
	PaymentID  string `json:"payment_id"`
	RetailerID string `json:"retailer_id"`
	OTPCode    string `json:"otp_code,omitempty"`
	VerifiedBy string `json:"verified_by,omitempty"`
}

// VerificationResult is returned on every path; failures carry a code, a
// caller safe message and, where known, the last payment snapshot.
type VerificationResult struct {
	Success           bool                    `json:"success"`
	Code              errs.Code               `json:"code,omitempty"`
	Error             string                  `json:"error,omitempty"`
	Payment           *models.PaymentSnapshot `json:"payment,omitempty"`
	AlreadyVerified   bool                    `json:"already_verified,omitempty"`
	RetryAfterSeconds int                     `json:"retry_after_seconds,omitempty"`
	ProcessingTime    time.Duration           `json:"processing_time_ns"`
}

func failure(code errs.Code, message string, snapshot *models.PaymentSnapshot) *VerificationResult {
	return &VerificationResult{Code: code, Error: message, Payment: snapshot}
}

// VerifyPayment runs the verification checks in a fixed order: payment
// exists, it belongs to the retailer, the retailer is active, it is not
// already verified, it has not expired, and the OTP (when given) matches.
// Only then is the payment marked verified, with a conditional update so it
// happens at most once.
func (s *VerificationService) VerifyPayment(ctx context.Context, req VerifyRequest) (result *VerificationResult) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("verification_panic",
				zap.String("payment_id", req.PaymentID),
				zap.String("retailer_id", req.RetailerID),
				zap.Any("panic", r),
				zap.Stack("stack"))
			result = failure(errs.CodeInternal, "internal error", nil)
		}
		result.ProcessingTime = time.Since(started)
		observeVerification(result)
	}()

	return s.verify(ctx, req)
}

func (s *VerificationService) verify(ctx context.Context, req VerifyRequest) *VerificationResult {
	if req.PaymentID == "" || req.RetailerID == "" {
		return failure(errs.CodeInvalidArgument, "payment id and retailer id are required", nil)
	}

	var (
		payment    *models.Payment
		retailer   *models.Retailer
		code       *models.OTP
		otpMissing bool
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(guarded(func() error {
		p, err := s.cachedPayment(gctx, req.PaymentID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("fetch payment: %w", err)
		}
		payment = p
		return nil
	}))
	g.Go(guarded(func() error {
		r, err := s.cachedRetailer(gctx, req.RetailerID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("fetch retailer: %w", err)
		}
		retailer = r
		return nil
	}))
	if req.OTPCode != "" {
		g.Go(guarded(func() error {
			o, err := s.otps.Lookup(gctx, req.PaymentID)
			if errs.CodeOf(err) == errs.CodeNotFound {
				otpMissing = true
				return nil
			}
			if err != nil {
				return fmt.Errorf("fetch otp: %w", err)
			}
			code = o
			return nil
		}))
	}
	if err := g.Wait(); err != nil {
		s.log.Error("verification_lookup_failed",
			zap.String("payment_id", req.PaymentID),
			zap.String("retailer_id", req.RetailerID),
			zap.Error(err))
		return failure(errs.CodeInternal, "internal error", nil)
	}

	if payment == nil {
		s.log.Payment("verification_failed",
			zap.String("payment_id", req.PaymentID),
			zap.String("reason", "payment_not_found"))
		return failure(errs.CodeNotFound, "payment not found", nil)
	}

	if payment.RetailerID != req.RetailerID {
		s.log.Security("retailer_mismatch",
			zap.String("payment_id", req.PaymentID),
			zap.String("requested_retailer_id", req.RetailerID),
			zap.String("owner_retailer_id", payment.RetailerID),
			zap.String("verified_by", req.VerifiedBy))
		return failure(errs.CodePermissionDenied, "payment does not belong to this retailer", nil)
	}

	if retailer == nil || !retailer.Active() {
		s.log.Payment("verification_failed",
			zap.String("payment_id", req.PaymentID),
			zap.String("retailer_id", req.RetailerID),
			zap.String("reason", "retailer_unavailable"))
		return failure(errs.CodeFailedPrecondition, "retailer not found or inactive", nil)
	}

	if payment.IsVerified {
		s.log.Payment("payment_already_verified",
			zap.String("payment_id", payment.ID),
			zap.String("retailer_id", payment.RetailerID))
		return &VerificationResult{
			Success:         true,
			AlreadyVerified: true,
			Payment:         payment.Snapshot(retailer.Name, models.PaymentStatusVerified),
		}
	}

	now := s.now()
	if payment.Status == models.PaymentStatusExpired || payment.Expired(now) {
		return s.expire(ctx, payment, retailer, now)
	}

	if req.OTPCode != "" {
		failed := payment.Snapshot(retailer.Name, models.PaymentStatusFailed)
		if otpMissing || code == nil {
			s.log.Payment("verification_failed",
				zap.String("payment_id", payment.ID),
				zap.String("reason", "otp_not_found"))
			return failure(errs.CodeNotFound, "no active OTP found for this payment", failed)
		}

		// Rejections are already logged on the security channel by the OTP store.
		if _, err := s.otps.Verify(ctx, payment.ID, req.OTPCode, req.VerifiedBy); err != nil {
			res := failure(errs.CodeOf(err), errs.Message(err), failed)
			var e *errs.Error
			if errors.As(err, &e) {
				res.RetryAfterSeconds = e.RetryAfterSeconds()
			}
			return res
		}
	}

	res := s.commit(ctx, payment, retailer, req.VerifiedBy, now)
	if !res.Success && req.OTPCode != "" {
		// The code was consumed before the commit failed.
		res.Error = "failed to record verification, request a new OTP"
	}
	return res
}

// notifyConfirmed runs after the commit, so a failing notifier must not
// turn a persisted verification into an error for the caller.
func (s *VerificationService) notifyConfirmed(ctx context.Context, payment *models.Payment, retailer *models.Retailer) {
	if s.notifier == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("payment_notification_panic",
				zap.String("payment_id", payment.ID),
				zap.Any("panic", r))
		}
	}()
	s.notifier.PaymentConfirmed(ctx, payment, retailer)
}

// guarded turns a panic in a fetch goroutine into an error, since the
// recover in VerifyPayment only covers the calling goroutine.
func guarded(fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return fn()
	}
}

func (s *VerificationService) expire(ctx context.Context, payment *models.Payment, retailer *models.Retailer, now time.Time) *VerificationResult {
	changed, err := s.payments.MarkExpired(ctx, payment.ID, now)
	if err != nil {
		s.log.Error("payment_expire_failed", zap.String("payment_id", payment.ID), zap.Error(err))
		return failure(errs.CodeInternal, "internal error", nil)
	}
	if changed {
		s.invalidate(ctx, payment.ID, payment.RetailerID)
		s.log.Payment("payment_expired",
			zap.String("payment_id", payment.ID),
			zap.Time("expires_at", payment.ExpiresAt))
	}
	return failure(errs.CodeExpired, "payment has expired", payment.Snapshot(retailer.Name, models.PaymentStatusExpired))
}

func (s *VerificationService) commit(ctx context.Context, payment *models.Payment, retailer *models.Retailer, verifiedBy string, now time.Time) *VerificationResult {
	changed, err := s.payments.MarkVerified(ctx, payment.ID, now)
	if err != nil {
		s.log.Error("payment_commit_failed", zap.String("payment_id", payment.ID), zap.Error(err))
		return failure(errs.CodeInternal, "internal error", nil)
	}
	s.invalidate(ctx, payment.ID, payment.RetailerID)

	if !changed {
		current, err := s.payments.GetByID(ctx, payment.ID)
		if err != nil || !current.IsVerified {
			s.log.Error("payment_commit_lost",
				zap.String("payment_id", payment.ID),
				zap.Error(err))
			return failure(errs.CodeInternal, "internal error", nil)
		}
		s.log.Payment("payment_already_verified",
			zap.String("payment_id", payment.ID),
			zap.String("retailer_id", payment.RetailerID))
		return &VerificationResult{
			Success:         true,
			AlreadyVerified: true,
			Payment:         current.Snapshot(retailer.Name, models.PaymentStatusVerified),
		}
	}

	verified := *payment
	verified.IsVerified = true
	verified.VerifiedAt = &now
	verified.Status = models.PaymentStatusVerified
	verified.UpdatedAt = now

	s.log.Payment("payment_verified",
		zap.String("payment_id", payment.ID),
		zap.String("retailer_id", payment.RetailerID),
		zap.String("verified_by", verifiedBy),
		zap.String("amount", payment.Amount.String()))

	s.notifyConfirmed(ctx, &verified, retailer)

	return &VerificationResult{
		Success: true,
		Payment: verified.Snapshot(retailer.Name, models.PaymentStatusVerified),
	}
}

func (s *VerificationService) cachedPayment(ctx context.Context, id string) (*models.Payment, error) {
	return cache.Fetch(ctx, s.cache, paymentKey(id), paymentTTL, func(ctx context.Context) (*models.Payment, error) {
		return s.payments.GetByID(ctx, id)
	})
}

func (s *VerificationService) cachedRetailer(ctx context.Context, id string) (*models.Retailer, error) {
	return cache.Fetch(ctx, s.cache, retailerKey(id), retailerTTL, func(ctx context.Context) (*models.Retailer, error) {
		return s.tenants.GetRetailer(ctx, id)
	})
}

// invalidate drops every cached view derived from the payment.
func (s *VerificationService) invalidate(ctx context.Context, paymentID, retailerID string) {
	keys := []string{paymentKey(paymentID)}
	if retailerID != "" {
		keys = append(keys, retailerKey(retailerID), summaryKey(retailerID))
	}
	if err := s.cache.Invalidate(ctx, keys...); err != nil {
		s.log.Error("cache_invalidate_failed", zap.Strings("keys", keys), zap.Error(err))
	}
}
