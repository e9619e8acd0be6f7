// services/payment-verification/internal/repository/bolt.go
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "github.com/boltdb/bolt"

	"github.com/Sivazam/pHLynk-sub002/services/payment-verification/internal/models"
)

var (
	paymentsBucket    = []byte("payments")
	retailersBucket   = []byte("retailers")
	wholesalersBucket = []byte("wholesalers")
	otpsBucket        = []byte("otps")
)

// NewBoltStore opens (or creates) the bolt file at path. Bolt serializes
// read-write transactions, which gives every Mutate and conditional update
// exclusive access to the database.
func NewBoltStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{paymentsBucket, retailersBucket, wholesalersBucket, otpsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &Store{
		Payments: &BoltPaymentRepository{db: db},
		Tenants:  &BoltTenantRepository{db: db},
		OTPs:     &BoltOTPRepository{db: db},
		closer:   db.Close,
	}, nil
}

func getJSON(tx *bolt.Tx, bucket []byte, key string, v interface{}) error {
	data := tx.Bucket(bucket).Get([]byte(key))
	if data == nil {
		return ErrNotFound
	}
	return json.Unmarshal(data, v)
}

func putJSON(tx *bolt.Tx, bucket []byte, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put([]byte(key), data)
}

// Payments

type BoltPaymentRepository struct {
	db *bolt.DB
}

func (r *BoltPaymentRepository) Create(ctx context.Context, payment *models.Payment) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(paymentsBucket).Get([]byte(payment.ID)) != nil {
			return ErrAlreadyExists
		}
		return putJSON(tx, paymentsBucket, payment.ID, payment)
	})
}

func (r *BoltPaymentRepository) GetByID(ctx context.Context, id string) (*models.Payment, error) {
	var payment models.Payment
	err := r.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, paymentsBucket, id, &payment)
	})
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *BoltPaymentRepository) ListByRetailer(ctx context.Context, retailerID string) ([]*models.Payment, error) {
	payments := []*models.Payment{}
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(paymentsBucket).ForEach(func(k, v []byte) error {
			var p models.Payment
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if p.RetailerID == retailerID {
				payments = append(payments, &p)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(payments, func(i, j int) bool {
		return payments[i].CreatedAt.After(payments[j].CreatedAt)
	})
	return payments, nil
}

// update applies change to the payment under a write transaction when allow
// accepts the stored record.
func (r *BoltPaymentRepository) update(id string, allow func(*models.Payment) bool, change func(*models.Payment)) (bool, error) {
	changed := false
	err := r.db.Update(func(tx *bolt.Tx) error {
		var p models.Payment
		if err := getJSON(tx, paymentsBucket, id, &p); err != nil {
			return err
		}
		if !allow(&p) {
			return nil
		}
		change(&p)
		changed = true
		return putJSON(tx, paymentsBucket, id, &p)
	})
	return changed, err
}

func (r *BoltPaymentRepository) MarkVerified(ctx context.Context, id string, at time.Time) (bool, error) {
	return r.update(id,
		func(p *models.Payment) bool { return !p.IsVerified },
		func(p *models.Payment) {
			p.IsVerified = true
			p.VerifiedAt = &at
			p.Status = models.PaymentStatusVerified
			p.UpdatedAt = at
		})
}

func (r *BoltPaymentRepository) MarkExpired(ctx context.Context, id string, at time.Time) (bool, error) {
	return r.update(id,
		func(p *models.Payment) bool { return !p.IsVerified && p.Status != models.PaymentStatusExpired },
		func(p *models.Payment) {
			p.Status = models.PaymentStatusExpired
			p.UpdatedAt = at
		})
}

func (r *BoltPaymentRepository) MarkOTPSent(ctx context.Context, id string, at time.Time) (bool, error) {
	return r.update(id,
		func(p *models.Payment) bool { return !p.IsVerified && !p.Status.Terminal() },
		func(p *models.Payment) {
			p.Status = models.PaymentStatusOTPSent
			p.UpdatedAt = at
		})
}

func (r *BoltPaymentRepository) DeleteExpiredUnverified(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(paymentsBucket)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var p models.Payment
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if !p.IsVerified && p.ExpiresAt.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// Tenants

type BoltTenantRepository struct {
	db *bolt.DB
}

func (r *BoltTenantRepository) GetRetailer(ctx context.Context, id string) (*models.Retailer, error) {
	var retailer models.Retailer
	err := r.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, retailersBucket, id, &retailer)
	})
	if err != nil {
		return nil, err
	}
	return &retailer, nil
}

func (r *BoltTenantRepository) SaveRetailer(ctx context.Context, retailer *models.Retailer) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, retailersBucket, retailer.ID, retailer)
	})
}

func (r *BoltTenantRepository) GetWholesaler(ctx context.Context, id string) (*models.Wholesaler, error) {
	var wholesaler models.Wholesaler
	err := r.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, wholesalersBucket, id, &wholesaler)
	})
	if err != nil {
		return nil, err
	}
	return &wholesaler, nil
}

func (r *BoltTenantRepository) SaveWholesaler(ctx context.Context, wholesaler *models.Wholesaler) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, wholesalersBucket, wholesaler.ID, wholesaler)
	})
}

// OTPs

type BoltOTPRepository struct {
	db *bolt.DB
}

func (r *BoltOTPRepository) Get(ctx context.Context, paymentID string) (*models.OTP, error) {
	var otp models.OTP
	err := r.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, otpsBucket, paymentID, &otp)
	})
	if err != nil {
		return nil, err
	}
	return &otp, nil
}

func (r *BoltOTPRepository) Mutate(ctx context.Context, paymentID string, fn MutateFunc) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		var current *models.OTP
		var stored models.OTP
		switch err := getJSON(tx, otpsBucket, paymentID, &stored); err {
		case nil:
			current = &stored
		case ErrNotFound:
		default:
			return err
		}

		next, write, err := applyMutation(current, fn)
		if err != nil || !write {
			return err
		}
		if next == nil {
			return tx.Bucket(otpsBucket).Delete([]byte(paymentID))
		}
		next.PaymentID = paymentID
		return putJSON(tx, otpsBucket, paymentID, next)
	})
}

func (r *BoltOTPRepository) ListActiveByRetailer(ctx context.Context, retailerID string, now time.Time) ([]*models.OTP, error) {
	otps := []*models.OTP{}
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(otpsBucket).ForEach(func(k, v []byte) error {
			var o models.OTP
			if err := json.Unmarshal(v, &o); err != nil {
				return err
			}
			if o.RetailerID == retailerID && o.Live(now) {
				otps = append(otps, &o)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(otps, func(i, j int) bool {
		return otps[i].CreatedAt.After(otps[j].CreatedAt)
	})
	return otps, nil
}

func (r *BoltOTPRepository) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(otpsBucket)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var o models.OTP
			if err := json.Unmarshal(v, &o); err != nil {
				return err
			}
			if o.ExpiresAt.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}
