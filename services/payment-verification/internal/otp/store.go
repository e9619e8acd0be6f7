// services/payment-verification/internal/otp/store.go
package otp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Sivazam/pHLynk-sub002/services/payment-verification/internal/models"
	"github.com/Sivazam/pHLynk-sub002/services/payment-verification/internal/repository"
	"github.com/Sivazam/pHLynk-sub002/shared/pkg/errs"
	"github.com/Sivazam/pHLynk-sub002/shared/pkg/logger"
)

// AlertDispatcher receives breach alerts. It must not block for long; the
// alert is sent after the failing attempt has been committed.
type AlertDispatcher interface {
	SecurityBreach(ctx context.Context, alert *models.SecurityAlert)
}

type Store struct {
	repo      repository.OTPRepository
	policy    Policy
	generator Generator
	alerts    AlertDispatcher
	log       *logger.Secure
	now       func() time.Time
}

type Option func(*Store)

func WithPolicy(p Policy) Option {
	return func(s *Store) { s.policy = p }
}

func WithGenerator(g Generator) Option {
	return func(s *Store) { s.generator = g }
}

func WithAlertDispatcher(d AlertDispatcher) Option {
	return func(s *Store) { s.alerts = d }
}

func WithSecureLogger(l *logger.Secure) Option {
	return func(s *Store) { s.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(repo repository.OTPRepository, opts ...Option) *Store {
	s := &Store{
		repo:      repo,
		policy:    DefaultPolicy(),
		generator: MarkerGenerator{},
		log:       logger.NewSecure(nil),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Policy() Policy { return s.policy }

// GenerateRequest carries the context copied onto a new OTP record.
type GenerateRequest struct {
	PaymentID      string
	RetailerID     string
	RetailerUserID string
	Phone          string
	RetailerName   string
	Amount         decimal.Decimal
	LineWorkerName string
	RequestedBy    string
	WholesalerID   string
}

type GenerateResult struct {
	PaymentID  string    `json:"payment_id"`
	RetailerID string    `json:"retailer_id"`
	Code       string    `json:"code"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// exhausted reports whether the code has used up its attempts and is still
// locked. Once the cooldown elapses the next submission starts a new round.
func (s *Store) exhausted(o *models.OTP, now time.Time) bool {
	if o.Attempts < s.policy.MaxAttempts {
		return false
	}
	cooldown := o.Security.CooldownUntil
	return cooldown == nil || now.Before(*cooldown)
}

// active is unused, unexpired and with attempts left.
func (s *Store) active(o *models.OTP, now time.Time) bool {
	return o.Live(now) && !s.exhausted(o, now)
}

// Generate creates a new code for the payment. It fails with ALREADY_EXISTS,
// carrying the remaining validity, while an active code exists. The security
// block of a replaced record is carried forward so breach detection spans
// regenerations.
func (s *Store) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	if req.PaymentID == "" || req.RetailerID == "" {
		return nil, errs.New(errs.CodeInvalidArgument, "payment id and retailer id are required")
	}

	code, err := s.generator.Generate()
	if err != nil {
		return nil, errs.Internal(fmt.Errorf("generate code: %w", err))
	}

	var (
		conflict *errs.Error
		created  *models.OTP
	)
	err = s.repo.Mutate(ctx, req.PaymentID, func(current *models.OTP) (*models.OTP, error) {
		now := s.now()
		conflict, created = nil, nil

		if current != nil && s.active(current, now) {
			remaining := current.ExpiresAt.Sub(now)
			conflict = &errs.Error{
				Code:       errs.CodeAlreadyExists,
				Message:    fmt.Sprintf("an active OTP already exists, valid for %d more seconds", ceilSeconds(remaining)),
				RetryAfter: remaining,
			}
			return nil, repository.ErrSkipWrite
		}

		next := &models.OTP{
			PaymentID:      req.PaymentID,
			Code:           code,
			RetailerID:     req.RetailerID,
			RetailerUserID: req.RetailerUserID,
			Phone:          req.Phone,
			RetailerName:   req.RetailerName,
			Amount:         req.Amount,
			LineWorkerName: req.LineWorkerName,
			RequestedBy:    req.RequestedBy,
			WholesalerID:   req.WholesalerID,
			CreatedAt:      now,
			ExpiresAt:      now.Add(s.policy.Validity),
		}
		if current != nil {
			next.Security.ConsecutiveFailures = current.Security.ConsecutiveFailures
			next.Security.BreachDetected = current.Security.BreachDetected
			next.Security.LastAttemptAt = current.Security.LastAttemptAt
		}
		created = next
		return next, nil
	})
	if err != nil {
		s.log.Error("otp_generate_failed", zap.String("payment_id", req.PaymentID), zap.Error(err))
		return nil, errs.Internal(err)
	}
	if conflict != nil {
		s.log.Payment("otp_generate_rejected",
			zap.String("payment_id", req.PaymentID),
			zap.Int("remaining_seconds", conflict.RetryAfterSeconds()))
		return nil, conflict
	}

	otpGenerated.Inc()
	s.log.Payment("otp_generated",
		zap.String("payment_id", req.PaymentID),
		zap.String("retailer_id", req.RetailerID),
		logger.Phone("phone", req.Phone),
		zap.String("requested_by", req.RequestedBy),
		zap.Time("expires_at", created.ExpiresAt))

	return &GenerateResult{
		PaymentID:  req.PaymentID,
		RetailerID: req.RetailerID,
		Code:       code,
		ExpiresAt:  created.ExpiresAt,
	}, nil
}

// Verify checks a submitted code. The whole check runs inside one atomic
// read-modify-write, so concurrent submissions are counted exactly and a code
// is consumed at most once. On success the record is deleted and its final
// state returned.
func (s *Store) Verify(ctx context.Context, paymentID, submitted, verifiedBy string) (*models.OTP, error) {
	var (
		outcome  string
		failure  *errs.Error
		consumed *models.OTP
		alert    *models.SecurityAlert
		failures int
	)

	err := s.repo.Mutate(ctx, paymentID, func(current *models.OTP) (*models.OTP, error) {
		now := s.now()
		outcome, failure, consumed, alert, failures = "", nil, nil, nil, 0

		if current == nil || !current.Live(now) {
			outcome = outcomeNotFound
			failure = errs.NotFound("no active OTP found for this payment")
			return nil, repository.ErrSkipWrite
		}

		sec := &current.Security
		if sec.CooldownUntil != nil {
			if now.Before(*sec.CooldownUntil) {
				remaining := sec.CooldownUntil.Sub(now)
				outcome = outcomeCooldown
				failure = &errs.Error{
					Code:       errs.CodeResourceExhausted,
					Message:    fmt.Sprintf("too many failed attempts, try again in %d seconds", ceilSeconds(remaining)),
					RetryAfter: remaining,
				}
				return nil, repository.ErrSkipWrite
			}
			current.Attempts = 0
			sec.CooldownUntil = nil
		}

		if current.Attempts >= s.policy.MaxAttempts {
			outcome = outcomeExhausted
			failure = errs.New(errs.CodeResourceExhausted, "too many failed attempts, request a new OTP")
			return nil, repository.ErrSkipWrite
		}

		attemptAt := now
		sec.LastAttemptAt = &attemptAt

		if !codesMatch(submitted, current.Code) {
			current.Attempts++
			sec.ConsecutiveFailures++
			failures = sec.ConsecutiveFailures
			outcome = outcomeMismatch

			remaining := s.policy.MaxAttempts - current.Attempts
			if remaining <= 0 {
				until := now.Add(s.policy.Cooldown)
				sec.CooldownUntil = &until
				failure = &errs.Error{
					Code:       errs.CodeInvalidArgument,
					Message:    fmt.Sprintf("invalid OTP, try again in %d seconds", ceilSeconds(s.policy.Cooldown)),
					RetryAfter: s.policy.Cooldown,
				}
			} else {
				failure = errs.Newf(errs.CodeInvalidArgument, "invalid OTP, %d attempts remaining", remaining)
			}

			if sec.ConsecutiveFailures >= s.policy.BreachThreshold && !sec.BreachDetected {
				sec.BreachDetected = true
				alert = &models.SecurityAlert{
					ID:                  uuid.New().String(),
					PaymentID:           paymentID,
					RetailerID:          current.RetailerID,
					RetailerName:        current.RetailerName,
					WholesalerID:        current.WholesalerID,
					RequestedBy:         current.RequestedBy,
					LineWorkerName:      current.LineWorkerName,
					ConsecutiveFailures: sec.ConsecutiveFailures,
					DetectedAt:          now,
				}
			}
			return current, nil
		}

		outcome = outcomeMatch
		usedAt := now
		current.IsUsed = true
		current.UsedAt = &usedAt
		current.VerifiedBy = verifiedBy
		consumed = current
		return nil, nil
	})
	if err != nil {
		s.log.Error("otp_verify_failed", zap.String("payment_id", paymentID), zap.Error(err))
		otpAttempts.WithLabelValues(outcomeError).Inc()
		return nil, errs.Internal(err)
	}

	otpAttempts.WithLabelValues(outcome).Inc()

	switch outcome {
	case outcomeMatch:
		s.log.Payment("otp_verified",
			zap.String("payment_id", paymentID),
			zap.String("verified_by", verifiedBy))
		return consumed, nil
	case outcomeMismatch:
		s.log.Security("otp_mismatch",
			zap.String("payment_id", paymentID),
			zap.String("verified_by", verifiedBy),
			zap.Int("consecutive_failures", failures))
	case outcomeCooldown, outcomeExhausted:
		s.log.Security("otp_attempt_blocked",
			zap.String("payment_id", paymentID),
			zap.String("reason", outcome),
			zap.Int("retry_after_seconds", failure.RetryAfterSeconds()))
	}

	if alert != nil {
		s.raiseAlert(ctx, alert)
	}
	return nil, failure
}

func (s *Store) raiseAlert(ctx context.Context, alert *models.SecurityAlert) {
	breachAlerts.Inc()
	s.log.Security("otp_breach_detected",
		zap.String("alert_id", alert.ID),
		zap.String("payment_id", alert.PaymentID),
		zap.String("retailer_id", alert.RetailerID),
		zap.String("wholesaler_id", alert.WholesalerID),
		zap.String("requested_by", alert.RequestedBy),
		zap.Int("consecutive_failures", alert.ConsecutiveFailures))

	if s.alerts != nil {
		s.alerts.SecurityBreach(ctx, alert)
	}
}

// Lookup returns the live OTP for the payment or NOT_FOUND.
func (s *Store) Lookup(ctx context.Context, paymentID string) (*models.OTP, error) {
	o, err := s.repo.Get(ctx, paymentID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, errs.NotFound("no active OTP found for this payment")
	}
	if err != nil {
		return nil, errs.Internal(err)
	}
	if !o.Live(s.now()) {
		return nil, errs.NotFound("no active OTP found for this payment")
	}
	return o, nil
}

// ActiveForRetailer lists the codes a retailer can still redeem, newest first.
func (s *Store) ActiveForRetailer(ctx context.Context, retailerID string) ([]models.ActiveOTP, error) {
	now := s.now()
	records, err := s.repo.ListActiveByRetailer(ctx, retailerID, now)
	if err != nil {
		return nil, errs.Internal(err)
	}

	active := make([]models.ActiveOTP, 0, len(records))
	for _, o := range records {
		if !s.active(o, now) {
			continue
		}
		active = append(active, models.ActiveOTP{
			PaymentID:      o.PaymentID,
			Code:           o.Code,
			Amount:         o.Amount,
			LineWorkerName: o.LineWorkerName,
			ExpiresAt:      o.ExpiresAt,
			CreatedAt:      o.CreatedAt,
		})
	}
	return active, nil
}

// Sweep deletes records that expired more than Retention ago, used or not.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.policy.Retention)
	n, err := s.repo.DeleteExpiredBefore(ctx, cutoff)
	if err != nil {
		s.log.Error("otp_sweep_failed", zap.Error(err))
		return 0, err
	}
	otpSwept.Add(float64(n))
	s.log.Payment("otp_sweep_completed", zap.Int64("deleted", n), zap.Time("cutoff", cutoff))
	return n, nil
}

func ceilSeconds(d time.Duration) int {
	return (&errs.Error{RetryAfter: d}).RetryAfterSeconds()
}
