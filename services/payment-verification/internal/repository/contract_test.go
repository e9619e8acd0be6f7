package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sivazam/pHLynk-sub002/services/payment-verification/internal/models"
)

// runStoreContract exercises the behaviour every backend must share.
func runStoreContract(t *testing.T, store *Store) {
	t.Run("PaymentCreateAndGet", func(t *testing.T) { testPaymentCreateAndGet(t, store) })
	t.Run("PaymentConditionalUpdates", func(t *testing.T) { testPaymentConditionalUpdates(t, store) })
	t.Run("PaymentListAndDelete", func(t *testing.T) { testPaymentListAndDelete(t, store) })
	t.Run("Tenants", func(t *testing.T) { testTenants(t, store) })
	t.Run("OTPMutate", func(t *testing.T) { testOTPMutate(t, store) })
	t.Run("OTPMutateConcurrent", func(t *testing.T) { testOTPMutateConcurrent(t, store) })
	t.Run("OTPListAndSweep", func(t *testing.T) { testOTPListAndSweep(t, store) })
}

func newPayment(retailerID string, created time.Time) *models.Payment {
	return &models.Payment{
		ID:             uuid.New().String(),
		Amount:         decimal.RequireFromString("1250.50"),
		RetailerID:     retailerID,
		WholesalerID:   "w-1",
		LineWorkerID:   "lw-1",
		LineWorkerName: "Ravi",
		Status:         models.PaymentStatusPending,
		CreatedAt:      created,
		UpdatedAt:      created,
		ExpiresAt:      created.Add(7 * time.Minute),
	}
}

func testPaymentCreateAndGet(t *testing.T, store *Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	payment := newPayment("r-"+uuid.New().String(), now)

	require.NoError(t, store.Payments.Create(ctx, payment))
	assert.ErrorIs(t, store.Payments.Create(ctx, payment), ErrAlreadyExists)

	got, err := store.Payments.GetByID(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.ID, got.ID)
	assert.True(t, payment.Amount.Equal(got.Amount))
	assert.Equal(t, payment.LineWorkerName, got.LineWorkerName)
	assert.Equal(t, models.PaymentStatusPending, got.Status)
	assert.True(t, got.ExpiresAt.Equal(payment.ExpiresAt))

	_, err = store.Payments.GetByID(ctx, "missing-"+uuid.New().String())
	assert.ErrorIs(t, err, ErrNotFound)
}

func testPaymentConditionalUpdates(t *testing.T, store *Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	payment := newPayment("r-"+uuid.New().String(), now)
	require.NoError(t, store.Payments.Create(ctx, payment))

	changed, err := store.Payments.MarkOTPSent(ctx, payment.ID, now)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = store.Payments.MarkVerified(ctx, payment.ID, now)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = store.Payments.MarkVerified(ctx, payment.ID, now.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, changed, "second verification must not transition")

	changed, err = store.Payments.MarkExpired(ctx, payment.ID, now)
	require.NoError(t, err)
	assert.False(t, changed, "verified payments never expire")

	changed, err = store.Payments.MarkOTPSent(ctx, payment.ID, now)
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := store.Payments.GetByID(ctx, payment.ID)
	require.NoError(t, err)
	assert.True(t, got.IsVerified)
	assert.Equal(t, models.PaymentStatusVerified, got.Status)
	require.NotNil(t, got.VerifiedAt)
	assert.True(t, got.VerifiedAt.Equal(now))

	_, err = store.Payments.MarkVerified(ctx, "missing-"+uuid.New().String(), now)
	assert.ErrorIs(t, err, ErrNotFound)

	other := newPayment(payment.RetailerID, now)
	require.NoError(t, store.Payments.Create(ctx, other))
	changed, err = store.Payments.MarkExpired(ctx, other.ID, now)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = store.Payments.MarkExpired(ctx, other.ID, now)
	require.NoError(t, err)
	assert.False(t, changed)
}

func testPaymentListAndDelete(t *testing.T, store *Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	retailerID := "r-" + uuid.New().String()

	old := newPayment(retailerID, now.Add(-10*24*time.Hour))
	verifiedOld := newPayment(retailerID, now.Add(-9*24*time.Hour))
	fresh := newPayment(retailerID, now)
	for _, p := range []*models.Payment{old, verifiedOld, fresh} {
		require.NoError(t, store.Payments.Create(ctx, p))
	}
	_, err := store.Payments.MarkVerified(ctx, verifiedOld.ID, verifiedOld.CreatedAt)
	require.NoError(t, err)

	list, err := store.Payments.ListByRetailer(ctx, retailerID)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, fresh.ID, list[0].ID, "newest first")
	assert.Equal(t, old.ID, list[2].ID)

	deleted, err := store.Payments.DeleteExpiredUnverified(ctx, now.Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, deleted, int64(1))

	_, err = store.Payments.GetByID(ctx, old.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Payments.GetByID(ctx, verifiedOld.ID)
	assert.NoError(t, err)
	_, err = store.Payments.GetByID(ctx, fresh.ID)
	assert.NoError(t, err)

	empty, err := store.Payments.ListByRetailer(ctx, "r-none-"+uuid.New().String())
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testTenants(t *testing.T, store *Store) {
	ctx := context.Background()
	inactive := false
	retailer := &models.Retailer{ID: "r-" + uuid.New().String(), Name: "City Pharma", Phone: "+919876543210", WholesalerID: "w-1"}
	require.NoError(t, store.Tenants.SaveRetailer(ctx, retailer))

	got, err := store.Tenants.GetRetailer(ctx, retailer.ID)
	require.NoError(t, err)
	assert.Equal(t, "City Pharma", got.Name)
	assert.Nil(t, got.IsActive)
	assert.True(t, got.Active())

	retailer.IsActive = &inactive
	require.NoError(t, store.Tenants.SaveRetailer(ctx, retailer))
	got, err = store.Tenants.GetRetailer(ctx, retailer.ID)
	require.NoError(t, err)
	assert.False(t, got.Active())

	wholesaler := &models.Wholesaler{ID: "w-" + uuid.New().String(), Name: "Sri Distributors", Phone: "+919000000001"}
	require.NoError(t, store.Tenants.SaveWholesaler(ctx, wholesaler))
	gotW, err := store.Tenants.GetWholesaler(ctx, wholesaler.ID)
	require.NoError(t, err)
	assert.Equal(t, wholesaler.Phone, gotW.Phone)

	_, err = store.Tenants.GetRetailer(ctx, "missing-"+uuid.New().String())
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Tenants.GetWholesaler(ctx, "missing-"+uuid.New().String())
	assert.ErrorIs(t, err, ErrNotFound)
}

func newOTP(retailerID string, now time.Time) *models.OTP {
	return &models.OTP{
		Code:       "12R4X6",
		RetailerID: retailerID,
		Amount:     decimal.RequireFromString("99.99"),
		CreatedAt:  now,
		ExpiresAt:  now.Add(7 * time.Minute),
	}
}

func testOTPMutate(t *testing.T, store *Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	paymentID := uuid.New().String()

	err := store.OTPs.Mutate(ctx, paymentID, func(current *models.OTP) (*models.OTP, error) {
		assert.Nil(t, current)
		return newOTP("r-1", now), nil
	})
	require.NoError(t, err)

	got, err := store.OTPs.Get(ctx, paymentID)
	require.NoError(t, err)
	assert.Equal(t, paymentID, got.PaymentID)
	assert.Equal(t, int64(1), got.Version)
	assert.True(t, got.Amount.Equal(decimal.RequireFromString("99.99")))

	err = store.OTPs.Mutate(ctx, paymentID, func(current *models.OTP) (*models.OTP, error) {
		require.NotNil(t, current)
		current.Attempts++
		current.Security.ConsecutiveFailures++
		cooldown := now.Add(2 * time.Minute)
		current.Security.CooldownUntil = &cooldown
		return current, nil
	})
	require.NoError(t, err)

	got, err = store.OTPs.Get(ctx, paymentID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, 1, got.Security.ConsecutiveFailures)
	assert.Equal(t, int64(2), got.Version)
	require.NotNil(t, got.Security.CooldownUntil)

	err = store.OTPs.Mutate(ctx, paymentID, func(current *models.OTP) (*models.OTP, error) {
		return nil, ErrSkipWrite
	})
	require.NoError(t, err)
	got, err = store.OTPs.Get(ctx, paymentID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)

	boom := errors.New("boom")
	err = store.OTPs.Mutate(ctx, paymentID, func(current *models.OTP) (*models.OTP, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	err = store.OTPs.Mutate(ctx, paymentID, func(current *models.OTP) (*models.OTP, error) {
		return nil, nil
	})
	require.NoError(t, err)
	_, err = store.OTPs.Get(ctx, paymentID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func testOTPMutateConcurrent(t *testing.T, store *Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	paymentID := uuid.New().String()

	require.NoError(t, store.OTPs.Mutate(ctx, paymentID, func(*models.OTP) (*models.OTP, error) {
		return newOTP("r-1", now), nil
	}))

	// Only one caller may consume the code.
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won := false
			err := store.OTPs.Mutate(ctx, paymentID, func(current *models.OTP) (*models.OTP, error) {
				won = false
				if current == nil || current.IsUsed {
					return nil, ErrSkipWrite
				}
				current.IsUsed = true
				won = true
				return current, nil
			})
			if err == nil && won {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
}

func testOTPListAndSweep(t *testing.T, store *Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	retailerID := "r-" + uuid.New().String()

	live := uuid.New().String()
	used := uuid.New().String()
	expired := uuid.New().String()

	put := func(id string, change func(*models.OTP)) {
		require.NoError(t, store.OTPs.Mutate(ctx, id, func(*models.OTP) (*models.OTP, error) {
			otp := newOTP(retailerID, now)
			change(otp)
			return otp, nil
		}))
	}
	put(live, func(*models.OTP) {})
	put(used, func(o *models.OTP) { o.IsUsed = true })
	put(expired, func(o *models.OTP) {
		o.CreatedAt = now.Add(-3 * time.Hour)
		o.ExpiresAt = now.Add(-2 * time.Hour)
	})

	active, err := store.OTPs.ListActiveByRetailer(ctx, retailerID, now)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, live, active[0].PaymentID)

	deleted, err := store.OTPs.DeleteExpiredBefore(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, deleted, int64(1))

	_, err = store.OTPs.Get(ctx, expired)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.OTPs.Get(ctx, live)
	assert.NoError(t, err)
}
