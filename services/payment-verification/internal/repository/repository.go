// services/payment-verification/internal/repository/repository.go
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/Sivazam/pHLynk-sub002/services/payment-verification/internal/models"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyExists is returned by Create when the id is taken.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrConflict is returned when an optimistic write lost a race and retries ran out.
	ErrConflict = errors.New("concurrent modification")

	// ErrSkipWrite may be returned by a MutateFunc to leave storage untouched.
	ErrSkipWrite = errors.New("skip write")
)

// terminalStatuses are the payment states conditional updates never leave.
var terminalStatuses = []string{
	string(models.PaymentStatusVerified),
	string(models.PaymentStatusExpired),
}

type PaymentRepository interface {
	Create(ctx context.Context, payment *models.Payment) error
	GetByID(ctx context.Context, id string) (*models.Payment, error)
	ListByRetailer(ctx context.Context, retailerID string) ([]*models.Payment, error)

	// MarkVerified sets is_verified, verified_at and status=verified only if
	// the payment is not verified yet. It reports whether this call made the
	// transition.
	MarkVerified(ctx context.Context, id string, at time.Time) (bool, error)

	// MarkExpired moves an unverified, not yet expired payment to expired.
	MarkExpired(ctx context.Context, id string, at time.Time) (bool, error)

	// MarkOTPSent moves a non-terminal payment to otp_sent.
	MarkOTPSent(ctx context.Context, id string, at time.Time) (bool, error)

	// DeleteExpiredUnverified deletes unverified payments that expired before cutoff.
	DeleteExpiredUnverified(ctx context.Context, cutoff time.Time) (int64, error)
}

type TenantRepository interface {
	GetRetailer(ctx context.Context, id string) (*models.Retailer, error)
	SaveRetailer(ctx context.Context, retailer *models.Retailer) error
	GetWholesaler(ctx context.Context, id string) (*models.Wholesaler, error)
	SaveWholesaler(ctx context.Context, wholesaler *models.Wholesaler) error
}

// MutateFunc receives the current record (nil if none) and returns the record
// to store. Returning nil deletes the current record. Returning ErrSkipWrite
// leaves storage untouched; any other error aborts the mutation. The function
// may be invoked more than once when a backend retries after a conflict.
type MutateFunc func(current *models.OTP) (*models.OTP, error)

type OTPRepository interface {
	Get(ctx context.Context, paymentID string) (*models.OTP, error)

	// Mutate performs an atomic read-modify-write of the OTP for paymentID.
	Mutate(ctx context.Context, paymentID string, fn MutateFunc) error

	// ListActiveByRetailer returns unused, unexpired OTPs for the retailer.
	ListActiveByRetailer(ctx context.Context, retailerID string, now time.Time) ([]*models.OTP, error)

	// DeleteExpiredBefore deletes OTPs whose expiry is before cutoff.
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store bundles the repositories of one backend.
type Store struct {
	Payments PaymentRepository
	Tenants  TenantRepository
	OTPs     OTPRepository
	closer   func() error
}

// Close releases the backend.
func (s *Store) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// applyMutation runs fn and normalizes its result. write is false when the
// caller must not touch storage.
func applyMutation(current *models.OTP, fn MutateFunc) (next *models.OTP, write bool, err error) {
	version := int64(0)
	if current != nil {
		version = current.Version
	}
	next, err = fn(current)
	if errors.Is(err, ErrSkipWrite) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if next == nil && current == nil {
		return nil, false, nil
	}
	if next != nil {
		next.Version = version + 1
	}
	return next, true, nil
}
