package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Sivazam/pHLynk-sub002/services/payment-verification/internal/cache"
	"github.com/Sivazam/pHLynk-sub002/services/payment-verification/internal/models"
	"github.com/Sivazam/pHLynk-sub002/services/payment-verification/internal/otp"
	"github.com/Sivazam/pHLynk-sub002/services/payment-verification/internal/repository"
	"github.com/Sivazam/pHLynk-sub002/shared/pkg/errs"
	"github.com/Sivazam/pHLynk-sub002/shared/pkg/logger"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// faultyPayments wraps a real repository to count writes and inject faults.
type faultyPayments struct {
	repository.PaymentRepository
	panicOn     string
	failGet     error
	failDelete  error
	failMark    error
	panicOnMark bool
	expireMarks int32
}

func (f *faultyPayments) MarkVerified(ctx context.Context, id string, at time.Time) (bool, error) {
	if f.panicOnMark {
		panic("commit exploded")
	}
	if f.failMark != nil {
		return false, f.failMark
	}
	return f.PaymentRepository.MarkVerified(ctx, id, at)
}

func (f *faultyPayments) GetByID(ctx context.Context, id string) (*models.Payment, error) {
	if id == f.panicOn {
		panic("storage exploded")
	}
	if f.failGet != nil {
		return nil, f.failGet
	}
	return f.PaymentRepository.GetByID(ctx, id)
}

func (f *faultyPayments) MarkExpired(ctx context.Context, id string, at time.Time) (bool, error) {
	changed, err := f.PaymentRepository.MarkExpired(ctx, id, at)
	if changed {
		atomic.AddInt32(&f.expireMarks, 1)
	}
	return changed, err
}

func (f *faultyPayments) DeleteExpiredUnverified(ctx context.Context, cutoff time.Time) (int64, error) {
	if f.failDelete != nil {
		return 0, f.failDelete
	}
	return f.PaymentRepository.DeleteExpiredUnverified(ctx, cutoff)
}

type recordingNotifier struct {
	mu        sync.Mutex
	confirmed []string
	panics    bool
}

func (r *recordingNotifier) PaymentConfirmed(_ context.Context, payment *models.Payment, _ *models.Retailer) {
	if r.panics {
		panic("sms gateway exploded")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.confirmed = append(r.confirmed, payment.ID)
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.confirmed)
}

type fixture struct {
	svc      *VerificationService
	store    *repository.Store
	payments *faultyPayments
	otps     *otp.Store
	clock    *clock
	notifier *recordingNotifier
	logs     *observer.ObservedLogs
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store, err := repository.NewBoltStore(filepath.Join(t.TempDir(), "service.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	c := &clock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	core, logs := observer.New(zapcore.DebugLevel)
	secure := logger.NewSecure(zap.New(core))

	codes := []string{"1R2X", "3R4X", "5R6X", "7R8X"}
	next := 0
	var mu sync.Mutex
	otps := otp.NewStore(store.OTPs,
		otp.WithClock(c.Now),
		otp.WithSecureLogger(secure),
		otp.WithGenerator(otp.GeneratorFunc(func() (string, error) {
			mu.Lock()
			defer mu.Unlock()
			code := codes[next%len(codes)]
			next++
			return code, nil
		})),
	)

	payments := &faultyPayments{PaymentRepository: store.Payments}
	notifier := &recordingNotifier{}
	svc := NewVerificationService(Deps{
		Payments: payments,
		Tenants:  store.Tenants,
		OTPs:     otps,
		Cache:    cache.New(cache.WithClock(c.Now)),
		Notifier: notifier,
		Logger:   secure,
	}, append([]Option{WithClock(c.Now)}, opts...)...)

	ctx := context.Background()
	require.NoError(t, store.Tenants.SaveRetailer(ctx, &models.Retailer{ID: "r1", Name: "City Pharma", Phone: "+919876543210", WholesalerID: "w1"}))
	require.NoError(t, store.Tenants.SaveRetailer(ctx, &models.Retailer{ID: "r2", Name: "Town Medicals"}))

	return &fixture{svc: svc, store: store, payments: payments, otps: otps, clock: c, notifier: notifier, logs: logs}
}

func (f *fixture) addPayment(t *testing.T, id, retailerID string, expiresIn time.Duration) *models.Payment {
	t.Helper()
	now := f.clock.Now()
	p := &models.Payment{
		ID:             id,
		Amount:         decimal.NewFromInt(500),
		RetailerID:     retailerID,
		WholesalerID:   "w1",
		LineWorkerName: "Ravi",
		Status:         models.PaymentStatusOTPSent,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(expiresIn),
	}
	require.NoError(t, f.store.Payments.Create(context.Background(), p))
	return p
}

func (f *fixture) issueOTP(t *testing.T, paymentID string) string {
	t.Helper()
	res, err := f.otps.Generate(context.Background(), otp.GenerateRequest{
		PaymentID:    paymentID,
		RetailerID:   "r1",
		RetailerName: "City Pharma",
		Amount:       decimal.NewFromInt(500),
		WholesalerID: "w1",
	})
	require.NoError(t, err)
	return res.Code
}

func TestVerifyPaymentWithOTPScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addPayment(t, "p1", "r1", 5*time.Minute)
	code := f.issueOTP(t, "p1")
	require.Equal(t, "1R2X", code)

	res := f.svc.VerifyPayment(ctx, VerifyRequest{PaymentID: "p1", RetailerID: "r1", OTPCode: "0000", VerifiedBy: "u1"})
	assert.False(t, res.Success)
	assert.Equal(t, errs.CodeInvalidArgument, res.Code)
	require.NotNil(t, res.Payment)
	assert.Equal(t, models.PaymentStatusFailed, res.Payment.Status)
	assert.True(t, res.ProcessingTime > 0)

	stored, err := f.store.OTPs.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Attempts)

	persisted, err := f.store.Payments.GetByID(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, persisted.IsVerified, "OTP failures leave the payment untouched")
	assert.Equal(t, models.PaymentStatusOTPSent, persisted.Status)

	res = f.svc.VerifyPayment(ctx, VerifyRequest{PaymentID: "p1", RetailerID: "r1", OTPCode: "1R2X", VerifiedBy: "u1"})
	require.True(t, res.Success, res.Error)
	assert.False(t, res.AlreadyVerified)
	assert.Equal(t, models.PaymentStatusVerified, res.Payment.Status)
	assert.Equal(t, "City Pharma", res.Payment.RetailerName)
	assert.Equal(t, "Ravi", res.Payment.LineWorkerName)

	persisted, err = f.store.Payments.GetByID(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, persisted.IsVerified)
	assert.Equal(t, models.PaymentStatusVerified, persisted.Status)
	require.NotNil(t, persisted.VerifiedAt)

	_, err = f.store.OTPs.Get(ctx, "p1")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	active, err := f.svc.ActiveOTPsForRetailer(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, active)
	assert.Equal(t, 1, f.notifier.count())
}

func TestVerifyPaymentIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addPayment(t, "p1", "r1", 5*time.Minute)

	first := f.svc.VerifyPayment(ctx, VerifyRequest{PaymentID: "p1", RetailerID: "r1"})
	require.True(t, first.Success)
	require.NotNil(t, first.Payment.VerifiedAt)

	f.clock.Advance(time.Minute)
	second := f.svc.VerifyPayment(ctx, VerifyRequest{PaymentID: "p1", RetailerID: "r1"})
	require.True(t, second.Success)
	assert.True(t, second.AlreadyVerified)
	assert.Equal(t, models.PaymentStatusVerified, second.Payment.Status)
	assert.True(t, first.Payment.VerifiedAt.Equal(*second.Payment.VerifiedAt), "verifiedAt is not rewritten")

	f.clock.Advance(time.Hour)
	third := f.svc.VerifyPayment(ctx, VerifyRequest{PaymentID: "p1", RetailerID: "r1", OTPCode: "9999"})
	assert.True(t, third.AlreadyVerified, "verified wins over expiry and OTP checks")
	assert.Equal(t, 1, f.notifier.count())
}

func TestVerifyPaymentExpiryPrecedence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addPayment(t, "p1", "r1", 5*time.Minute)
	code := f.issueOTP(t, "p1")
	f.clock.Advance(6 * time.Minute)

	for i := 0; i < 3; i++ {
		res := f.svc.VerifyPayment(ctx, VerifyRequest{PaymentID: "p1", RetailerID: "r1", OTPCode: code})
		assert.False(t, res.Success)
		assert.Equal(t, errs.CodeExpired, res.Code)
		require.NotNil(t, res.Payment)
		assert.Equal(t, models.PaymentStatusExpired, res.Payment.Status)
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&f.payments.expireMarks), "expiry is persisted exactly once")
	persisted, err := f.store.Payments.GetByID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusExpired, persisted.Status)
	assert.False(t, persisted.IsVerified)
}

func TestVerifyPaymentRetailerMismatchIsSecurityEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addPayment(t, "p1", "r1", 5*time.Minute)
	code := f.issueOTP(t, "p1")
	f.logs.TakeAll()

	res := f.svc.VerifyPayment(ctx, VerifyRequest{PaymentID: "p1", RetailerID: "r2", OTPCode: code})
	assert.False(t, res.Success)
	assert.Equal(t, errs.CodePermissionDenied, res.Code)
	assert.Nil(t, res.Payment, "another retailer's payment is not disclosed")

	security := f.logs.FilterMessage("retailer_mismatch").All()
	require.Len(t, security, 1)
	assert.Equal(t, logger.ChannelSecurity, security[0].LoggerName)
	assert.Equal(t, zapcore.WarnLevel, security[0].Level)

	for _, entry := range f.logs.All() {
		if entry.LoggerName == logger.ChannelPayment {
			t.Errorf("unexpected payment channel entry %q", entry.Message)
		}
	}

	persisted, err := f.store.Payments.GetByID(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, persisted.IsVerified)
	stored, err := f.store.OTPs.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 0, stored.Attempts, "the code is not consumed or counted")
}

func TestVerifyPaymentValidationOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inactive := false
	require.NoError(t, f.store.Tenants.SaveRetailer(ctx, &models.Retailer{ID: "r3", Name: "Closed", IsActive: &inactive}))
	f.addPayment(t, "open", "r1", 5*time.Minute)
	f.addPayment(t, "inactive", "r3", -time.Minute)
	f.addPayment(t, "orphan", "ghost", 5*time.Minute)

	tests := []struct {
		name string
		req  VerifyRequest
		want errs.Code
	}{
		{name: "Missing payment id", req: VerifyRequest{RetailerID: "r1"}, want: errs.CodeInvalidArgument},
		{name: "Payment not found", req: VerifyRequest{PaymentID: "nope", RetailerID: "r1"}, want: errs.CodeNotFound},
		{name: "Mismatch before retailer checks", req: VerifyRequest{PaymentID: "inactive", RetailerID: "r1"}, want: errs.CodePermissionDenied},
		{name: "Inactive retailer before expiry", req: VerifyRequest{PaymentID: "inactive", RetailerID: "r3"}, want: errs.CodeFailedPrecondition},
		{name: "Unknown retailer", req: VerifyRequest{PaymentID: "orphan", RetailerID: "ghost"}, want: errs.CodeFailedPrecondition},
		{name: "OTP missing", req: VerifyRequest{PaymentID: "open", RetailerID: "r1", OTPCode: "1R2X"}, want: errs.CodeNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := f.svc.VerifyPayment(ctx, tt.req)
			assert.False(t, res.Success)
			assert.Equal(t, tt.want, res.Code)
			assert.NotEmpty(t, res.Error)
		})
	}
}

func TestVerifyPaymentReportsCooldown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addPayment(t, "p1", "r1", 6*time.Minute)
	code := f.issueOTP(t, "p1")

	for i := 0; i < 3; i++ {
		res := f.svc.VerifyPayment(ctx, VerifyRequest{PaymentID: "p1", RetailerID: "r1", OTPCode: "0000"})
		assert.Equal(t, errs.CodeInvalidArgument, res.Code)
	}

	f.clock.Advance(60 * time.Second)
	res := f.svc.VerifyPayment(ctx, VerifyRequest{PaymentID: "p1", RetailerID: "r1", OTPCode: code})
	assert.Equal(t, errs.CodeResourceExhausted, res.Code)
	assert.Equal(t, 60, res.RetryAfterSeconds)
	assert.Equal(t, models.PaymentStatusFailed, res.Payment.Status)
}

func TestVerifyPaymentConcurrentCallsCommitOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addPayment(t, "p1", "r1", 5*time.Minute)

	var (
		wg      sync.WaitGroup
		fresh   int32
		already int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := f.svc.VerifyPayment(ctx, VerifyRequest{PaymentID: "p1", RetailerID: "r1"})
			if !res.Success {
				return
			}
			if res.AlreadyVerified {
				atomic.AddInt32(&already, 1)
			} else {
				atomic.AddInt32(&fresh, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), fresh)
	assert.Equal(t, int32(15), already)
	assert.Equal(t, 1, f.notifier.count())
}

func TestVerifyPaymentConcurrentOTPSubmissionsCommitOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addPayment(t, "p1", "r1", 5*time.Minute)
	code := f.issueOTP(t, "p1")

	var (
		wg      sync.WaitGroup
		success int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := f.svc.VerifyPayment(ctx, VerifyRequest{PaymentID: "p1", RetailerID: "r1", OTPCode: code})
			if res.Success && !res.AlreadyVerified {
				atomic.AddInt32(&success, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), success)
	assert.Equal(t, 1, f.notifier.count())
}

func TestVerifyPaymentHidesBackendErrors(t *testing.T) {
	f := newFixture(t)
	f.payments.failGet = errors.New("pq: connection refused on 10.0.0.5")

	res := f.svc.VerifyPayment(context.Background(), VerifyRequest{PaymentID: "p1", RetailerID: "r1"})
	assert.False(t, res.Success)
	assert.Equal(t, errs.CodeInternal, res.Code)
	assert.Equal(t, "internal error", res.Error)
	assert.Len(t, f.logs.FilterMessage("verification_lookup_failed").All(), 1)
}

func TestVerifyPaymentRecoversPanics(t *testing.T) {
	t.Run("Fetch goroutine", func(t *testing.T) {
		f := newFixture(t)
		f.payments.panicOn = "boom"

		var res *VerificationResult
		require.NotPanics(t, func() {
			res = f.svc.VerifyPayment(context.Background(), VerifyRequest{PaymentID: "boom", RetailerID: "r1"})
		})
		assert.Equal(t, errs.CodeInternal, res.Code)
		assert.Equal(t, "internal error", res.Error)
		assert.Len(t, f.logs.FilterMessage("verification_lookup_failed").All(), 1)
	})

	t.Run("Caller goroutine", func(t *testing.T) {
		f := newFixture(t)
		f.addPayment(t, "p1", "r1", 5*time.Minute)
		f.payments.panicOnMark = true

		var res *VerificationResult
		require.NotPanics(t, func() {
			res = f.svc.VerifyPayment(context.Background(), VerifyRequest{PaymentID: "p1", RetailerID: "r1"})
		})
		assert.False(t, res.Success)
		assert.Equal(t, errs.CodeInternal, res.Code)
		assert.True(t, res.ProcessingTime > 0)
		assert.Len(t, f.logs.FilterMessage("verification_panic").All(), 1)
	})
}

func TestVerifyPaymentSurvivesNotifierPanic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addPayment(t, "p1", "r1", 5*time.Minute)
	code := f.issueOTP(t, "p1")
	f.notifier.panics = true

	var res *VerificationResult
	require.NotPanics(t, func() {
		res = f.svc.VerifyPayment(ctx, VerifyRequest{PaymentID: "p1", RetailerID: "r1", OTPCode: code})
	})
	require.True(t, res.Success, res.Error)
	assert.False(t, res.AlreadyVerified)
	assert.Equal(t, models.PaymentStatusVerified, res.Payment.Status)

	persisted, err := f.store.Payments.GetByID(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, persisted.IsVerified)

	assert.Len(t, f.logs.FilterMessage("payment_notification_panic").All(), 1)
	assert.Empty(t, f.logs.FilterMessage("verification_panic").All())
}

func TestVerifyPaymentCommitFailureAfterOTPConsumed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addPayment(t, "p1", "r1", 5*time.Minute)
	code := f.issueOTP(t, "p1")
	f.payments.failMark = errors.New("connection reset")

	res := f.svc.VerifyPayment(ctx, VerifyRequest{PaymentID: "p1", RetailerID: "r1", OTPCode: code})
	assert.False(t, res.Success)
	assert.Equal(t, errs.CodeInternal, res.Code)
	assert.Contains(t, res.Error, "request a new OTP")
	assert.NotContains(t, res.Error, "connection reset")

	f.payments.failMark = nil
	_, err := f.svc.RequestOTP(ctx, "p1", "lw1")
	require.NoError(t, err, "a fresh code can be issued for the unverified payment")

	active, err := f.svc.ActiveOTPsForRetailer(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	res = f.svc.VerifyPayment(ctx, VerifyRequest{PaymentID: "p1", RetailerID: "r1", OTPCode: active[0].Code})
	assert.True(t, res.Success, res.Error)
}

func TestVerifyPaymentServesCachedPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addPayment(t, "p1", "r1", 5*time.Minute)

	res := f.svc.VerifyPayment(ctx, VerifyRequest{PaymentID: "p1", RetailerID: "r1", OTPCode: "1R2X"})
	require.Equal(t, errs.CodeNotFound, res.Code)

	f.payments.failGet = errors.New("unreachable")
	res = f.svc.VerifyPayment(ctx, VerifyRequest{PaymentID: "p1", RetailerID: "r1", OTPCode: "1R2X"})
	assert.Equal(t, errs.CodeNotFound, res.Code, "payment read from cache within its ttl")

	f.clock.Advance(31 * time.Second)
	res = f.svc.VerifyPayment(ctx, VerifyRequest{PaymentID: "p1", RetailerID: "r1", OTPCode: "1R2X"})
	assert.Equal(t, errs.CodeInternal, res.Code)
}

// Each replica keeps its own in-process cache over the shared store.
func TestVerifyPaymentStaleReplicaCacheCommitsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addPayment(t, "p1", "r1", 5*time.Minute)

	other := &recordingNotifier{}
	replica := NewVerificationService(Deps{
		Payments: f.store.Payments,
		Tenants:  f.store.Tenants,
		OTPs:     f.otps,
		Cache:    cache.New(cache.WithClock(f.clock.Now)),
		Notifier: other,
		Logger:   logger.NewSecure(zap.NewNop()),
	}, WithClock(f.clock.Now))

	res := f.svc.VerifyPayment(ctx, VerifyRequest{PaymentID: "p1", RetailerID: "r1", OTPCode: "1R2X"})
	require.Equal(t, errs.CodeNotFound, res.Code)

	res = replica.VerifyPayment(ctx, VerifyRequest{PaymentID: "p1", RetailerID: "r1"})
	require.True(t, res.Success, res.Error)
	require.False(t, res.AlreadyVerified)

	tests := []struct {
		name    string
		advance time.Duration
	}{
		{"Within cache ttl", 0},
		{"After cache ttl", 31 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.clock.Advance(tt.advance)
			res := f.svc.VerifyPayment(ctx, VerifyRequest{PaymentID: "p1", RetailerID: "r1"})
			require.True(t, res.Success, res.Error)
			assert.True(t, res.AlreadyVerified)
			assert.Equal(t, models.PaymentStatusVerified, res.Payment.Status)
		})
	}
	assert.Equal(t, 1, other.count())
	assert.Zero(t, f.notifier.count())
}

func TestSummaryReflectsVerificationImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addPayment(t, "p1", "r1", 5*time.Minute)
	f.clock.Advance(time.Second)
	f.addPayment(t, "p2", "r1", time.Minute)

	rows, err := f.svc.GetPaymentSummaryForRetailer(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "p2", rows[0].ID)
	assert.Equal(t, models.PaymentStatusOTPSent, rows[1].Status)

	res := f.svc.VerifyPayment(ctx, VerifyRequest{PaymentID: "p1", RetailerID: "r1"})
	require.True(t, res.Success)

	rows, err = f.svc.GetPaymentSummaryForRetailer(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusVerified, rows[1].Status)
	assert.True(t, rows[1].IsVerified)

	f.clock.Advance(2 * time.Minute)
	rows, err = f.svc.GetPaymentSummaryForRetailer(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusExpired, rows[0].Status, "derived from the expiry once the cache entry ages out")

	_, err = f.svc.GetPaymentSummaryForRetailer(ctx, "")
	assert.Equal(t, errs.CodeInvalidArgument, errs.CodeOf(err))
}

func TestCleanupExpiredPayments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.clock.Advance(-8 * 24 * time.Hour)
	f.addPayment(t, "old", "r1", 7*time.Minute)
	f.clock.Advance(5 * 24 * time.Hour)
	f.addPayment(t, "recent", "r1", 7*time.Minute)
	f.clock.Advance(3 * 24 * time.Hour)

	assert.Equal(t, int64(1), f.svc.CleanupExpiredPayments(ctx))

	_, err := f.store.Payments.GetByID(ctx, "old")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	_, err = f.store.Payments.GetByID(ctx, "recent")
	assert.NoError(t, err)

	assert.Equal(t, int64(0), f.svc.CleanupExpiredPayments(ctx))
}

func TestCleanupExpiredPaymentsSoftFails(t *testing.T) {
	f := newFixture(t)
	f.payments.failDelete = errors.New("disk full")

	assert.Equal(t, int64(0), f.svc.CleanupExpiredPayments(context.Background()))
	assert.Len(t, f.logs.FilterMessage("payment_cleanup_failed").All(), 1)
}

func TestCleanupExpiredOTPs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addPayment(t, "p1", "r1", 5*time.Minute)
	f.issueOTP(t, "p1")

	f.clock.Advance(2 * time.Hour)
	assert.Equal(t, int64(1), f.svc.CleanupExpiredOTPs(ctx))
}

func TestInitiateAndVerify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.InitiatePayment(ctx, InitiateRequest{
		RetailerID:     "r1",
		Amount:         decimal.RequireFromString("1250.75"),
		LineWorkerID:   "lw1",
		LineWorkerName: "Ravi",
	})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusOTPSent, res.Payment.Status)
	assert.True(t, res.OTPExpiresAt.Equal(f.clock.Now().Add(7*time.Minute)))

	persisted, err := f.store.Payments.GetByID(ctx, res.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusOTPSent, persisted.Status)
	assert.Equal(t, "w1", persisted.WholesalerID, "inherited from the retailer")

	active, err := f.svc.ActiveOTPsForRetailer(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, res.Payment.ID, active[0].PaymentID)

	_, err = f.svc.RequestOTP(ctx, res.Payment.ID, "lw1")
	assert.Equal(t, errs.CodeAlreadyExists, errs.CodeOf(err))

	verified := f.svc.VerifyPayment(ctx, VerifyRequest{PaymentID: res.Payment.ID, RetailerID: "r1", OTPCode: active[0].Code})
	require.True(t, verified.Success, verified.Error)
	assert.True(t, verified.Payment.Amount.Equal(decimal.RequireFromString("1250.75")))

	_, err = f.svc.RequestOTP(ctx, res.Payment.ID, "lw1")
	assert.Equal(t, errs.CodeFailedPrecondition, errs.CodeOf(err))
}

func TestInitiatePaymentValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inactive := false
	require.NoError(t, f.store.Tenants.SaveRetailer(ctx, &models.Retailer{ID: "r3", Name: "Closed", IsActive: &inactive}))

	tests := []struct {
		name string
		req  InitiateRequest
		want errs.Code
	}{
		{name: "Missing retailer", req: InitiateRequest{Amount: decimal.NewFromInt(1)}, want: errs.CodeInvalidArgument},
		{name: "Zero amount", req: InitiateRequest{RetailerID: "r1"}, want: errs.CodeInvalidArgument},
		{name: "Negative amount", req: InitiateRequest{RetailerID: "r1", Amount: decimal.NewFromInt(-5)}, want: errs.CodeInvalidArgument},
		{name: "Unknown retailer", req: InitiateRequest{RetailerID: "ghost", Amount: decimal.NewFromInt(1)}, want: errs.CodeFailedPrecondition},
		{name: "Inactive retailer", req: InitiateRequest{RetailerID: "r3", Amount: decimal.NewFromInt(1)}, want: errs.CodeFailedPrecondition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.InitiatePayment(ctx, tt.req)
			assert.Equal(t, tt.want, errs.CodeOf(err))
		})
	}
}

func TestRequestOTPAfterExhaustion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addPayment(t, "p1", "r1", 10*time.Minute)
	f.issueOTP(t, "p1")

	for i := 0; i < 3; i++ {
		f.svc.VerifyPayment(ctx, VerifyRequest{PaymentID: "p1", RetailerID: "r1", OTPCode: "0000"})
	}

	res, err := f.svc.RequestOTP(ctx, "p1", "lw1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusOTPSent, res.Payment.Status)

	_, err = f.svc.RequestOTP(ctx, "missing", "lw1")
	assert.Equal(t, errs.CodeNotFound, errs.CodeOf(err))

	f.clock.Advance(11 * time.Minute)
	_, err = f.svc.RequestOTP(ctx, "p1", "lw1")
	assert.Equal(t, errs.CodeExpired, errs.CodeOf(err))
}

func TestVerifyPaymentOTPMismatchLogsSecurityOnly(t *testing.T) {
	f := newFixture(t)
	f.addPayment(t, "p1", "r1", 5*time.Minute)
	f.issueOTP(t, "p1")
	f.logs.TakeAll()

	res := f.svc.VerifyPayment(context.Background(), VerifyRequest{PaymentID: "p1", RetailerID: "r1", OTPCode: "9R9X", VerifiedBy: "u1"})
	require.Equal(t, errs.CodeInvalidArgument, res.Code)

	entries := f.logs.All()
	require.NotEmpty(t, entries)
	for _, entry := range entries {
		assert.Equal(t, logger.ChannelSecurity, entry.LoggerName, entry.Message)
		for _, field := range entry.Context {
			assert.NotEqual(t, "9R9X", field.String, "submitted codes are never logged")
		}
	}
}
