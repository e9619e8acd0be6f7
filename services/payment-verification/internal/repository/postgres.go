// services/payment-verification/internal/repository/postgres.go
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/Sivazam/pHLynk-sub002/services/payment-verification/internal/models"
)

const (
	uniqueViolation  = "23505"
	maxMutateRetries = 3
)

// NewPostgresStore builds the postgres backed repositories on an open pool.
func NewPostgresStore(db *sql.DB) *Store {
	return &Store{
		Payments: NewPostgresPaymentRepository(db),
		Tenants:  NewPostgresTenantRepository(db),
		OTPs:     NewPostgresOTPRepository(db),
		closer:   db.Close,
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// Payments

type PostgresPaymentRepository struct {
	db *sql.DB
}

func NewPostgresPaymentRepository(db *sql.DB) *PostgresPaymentRepository {
	return &PostgresPaymentRepository{db: db}
}

const paymentColumns = `id, amount, retailer_id, wholesaler_id, line_worker_id, line_worker_name,
	is_verified, verified_at, status, created_at, updated_at, expires_at`

func scanPayment(row rowScanner) (*models.Payment, error) {
	var (
		payment                models.Payment
		wholesalerID, workerID sql.NullString
		workerName             sql.NullString
		verifiedAt             sql.NullTime
	)
	err := row.Scan(
		&payment.ID,
		&payment.Amount,
		&payment.RetailerID,
		&wholesalerID,
		&workerID,
		&workerName,
		&payment.IsVerified,
		&verifiedAt,
		&payment.Status,
		&payment.CreatedAt,
		&payment.UpdatedAt,
		&payment.ExpiresAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	payment.WholesalerID = wholesalerID.String
	payment.LineWorkerID = workerID.String
	payment.LineWorkerName = workerName.String
	payment.VerifiedAt = timePtr(verifiedAt)
	return &payment, nil
}

func (r *PostgresPaymentRepository) Create(ctx context.Context, payment *models.Payment) error {
	query := `
		INSERT INTO payments (` + paymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := r.db.ExecContext(ctx, query,
		payment.ID,
		payment.Amount,
		payment.RetailerID,
		payment.WholesalerID,
		payment.LineWorkerID,
		payment.LineWorkerName,
		payment.IsVerified,
		payment.VerifiedAt,
		payment.Status,
		payment.CreatedAt,
		payment.UpdatedAt,
		payment.ExpiresAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (r *PostgresPaymentRepository) GetByID(ctx context.Context, id string) (*models.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	return scanPayment(r.db.QueryRowContext(ctx, query, id))
}

func (r *PostgresPaymentRepository) ListByRetailer(ctx context.Context, retailerID string) ([]*models.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE retailer_id = $1 ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, retailerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := []*models.Payment{}
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, payment)
	}
	return payments, rows.Err()
}

// conditionalUpdate runs an UPDATE guarded by a WHERE clause and reports
// whether a row changed. A miss is reported as ErrNotFound only when the
// payment does not exist at all.
func (r *PostgresPaymentRepository) conditionalUpdate(ctx context.Context, id, query string, args ...interface{}) (bool, error) {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM payments WHERE id = $1)", id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func (r *PostgresPaymentRepository) MarkVerified(ctx context.Context, id string, at time.Time) (bool, error) {
	query := `
		UPDATE payments
		SET is_verified = TRUE, verified_at = $2, status = $3, updated_at = $2
		WHERE id = $1 AND NOT is_verified
	`
	return r.conditionalUpdate(ctx, id, query, id, at, models.PaymentStatusVerified)
}

func (r *PostgresPaymentRepository) MarkExpired(ctx context.Context, id string, at time.Time) (bool, error) {
	query := `
		UPDATE payments
		SET status = $2, updated_at = $3
		WHERE id = $1 AND NOT is_verified AND status <> $2
	`
	return r.conditionalUpdate(ctx, id, query, id, models.PaymentStatusExpired, at)
}

func (r *PostgresPaymentRepository) MarkOTPSent(ctx context.Context, id string, at time.Time) (bool, error) {
	query := `
		UPDATE payments
		SET status = $2, updated_at = $3
		WHERE id = $1 AND NOT is_verified AND status <> ALL($4)
	`
	return r.conditionalUpdate(ctx, id, query, id, models.PaymentStatusOTPSent, at, pq.Array(terminalStatuses))
}

func (r *PostgresPaymentRepository) DeleteExpiredUnverified(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM payments WHERE expires_at < $1 AND NOT is_verified", cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Tenants

type PostgresTenantRepository struct {
	db *sql.DB
}

func NewPostgresTenantRepository(db *sql.DB) *PostgresTenantRepository {
	return &PostgresTenantRepository{db: db}
}

func (r *PostgresTenantRepository) GetRetailer(ctx context.Context, id string) (*models.Retailer, error) {
	var (
		retailer            models.Retailer
		phone, wholesalerID sql.NullString
		active              sql.NullBool
	)
	err := r.db.QueryRowContext(ctx,
		"SELECT id, name, phone, wholesaler_id, is_active FROM retailers WHERE id = $1", id,
	).Scan(&retailer.ID, &retailer.Name, &phone, &wholesalerID, &active)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	retailer.Phone = phone.String
	retailer.WholesalerID = wholesalerID.String
	if active.Valid {
		v := active.Bool
		retailer.IsActive = &v
	}
	return &retailer, nil
}

func (r *PostgresTenantRepository) SaveRetailer(ctx context.Context, retailer *models.Retailer) error {
	query := `
		INSERT INTO retailers (id, name, phone, wholesaler_id, is_active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, phone = EXCLUDED.phone,
			wholesaler_id = EXCLUDED.wholesaler_id, is_active = EXCLUDED.is_active
	`
	_, err := r.db.ExecContext(ctx, query,
		retailer.ID, retailer.Name, retailer.Phone, retailer.WholesalerID, retailer.IsActive)
	return err
}

func (r *PostgresTenantRepository) GetWholesaler(ctx context.Context, id string) (*models.Wholesaler, error) {
	var (
		wholesaler models.Wholesaler
		phone      sql.NullString
	)
	err := r.db.QueryRowContext(ctx,
		"SELECT id, name, phone FROM wholesalers WHERE id = $1", id,
	).Scan(&wholesaler.ID, &wholesaler.Name, &phone)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	wholesaler.Phone = phone.String
	return &wholesaler, nil
}

func (r *PostgresTenantRepository) SaveWholesaler(ctx context.Context, wholesaler *models.Wholesaler) error {
	query := `
		INSERT INTO wholesalers (id, name, phone) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, phone = EXCLUDED.phone
	`
	_, err := r.db.ExecContext(ctx, query, wholesaler.ID, wholesaler.Name, wholesaler.Phone)
	return err
}

// OTPs

type PostgresOTPRepository struct {
	db *sql.DB
}

func NewPostgresOTPRepository(db *sql.DB) *PostgresOTPRepository {
	return &PostgresOTPRepository{db: db}
}

const otpColumns = `payment_id, code, retailer_id, retailer_user_id, phone, retailer_name, amount,
	line_worker_name, requested_by, wholesaler_id, attempts, is_used, used_at, verified_by,
	created_at, expires_at, last_attempt_at, consecutive_failures, cooldown_until,
	breach_detected, version`

func scanOTP(row rowScanner) (*models.OTP, error) {
	var (
		otp                                     models.OTP
		userID, phone, retailerName, workerName sql.NullString
		requestedBy, wholesalerID, verifiedBy   sql.NullString
		usedAt, lastAttemptAt, cooldownUntil    sql.NullTime
	)
	err := row.Scan(
		&otp.PaymentID,
		&otp.Code,
		&otp.RetailerID,
		&userID,
		&phone,
		&retailerName,
		&otp.Amount,
		&workerName,
		&requestedBy,
		&wholesalerID,
		&otp.Attempts,
		&otp.IsUsed,
		&usedAt,
		&verifiedBy,
		&otp.CreatedAt,
		&otp.ExpiresAt,
		&lastAttemptAt,
		&otp.Security.ConsecutiveFailures,
		&cooldownUntil,
		&otp.Security.BreachDetected,
		&otp.Version,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	otp.RetailerUserID = userID.String
	otp.Phone = phone.String
	otp.RetailerName = retailerName.String
	otp.LineWorkerName = workerName.String
	otp.RequestedBy = requestedBy.String
	otp.WholesalerID = wholesalerID.String
	otp.VerifiedBy = verifiedBy.String
	otp.UsedAt = timePtr(usedAt)
	otp.Security.LastAttemptAt = timePtr(lastAttemptAt)
	otp.Security.CooldownUntil = timePtr(cooldownUntil)
	return &otp, nil
}

func otpArgs(otp *models.OTP) []interface{} {
	return []interface{}{
		otp.PaymentID,
		otp.Code,
		otp.RetailerID,
		otp.RetailerUserID,
		otp.Phone,
		otp.RetailerName,
		otp.Amount,
		otp.LineWorkerName,
		otp.RequestedBy,
		otp.WholesalerID,
		otp.Attempts,
		otp.IsUsed,
		otp.UsedAt,
		otp.VerifiedBy,
		otp.CreatedAt,
		otp.ExpiresAt,
		otp.Security.LastAttemptAt,
		otp.Security.ConsecutiveFailures,
		otp.Security.CooldownUntil,
		otp.Security.BreachDetected,
		otp.Version,
	}
}

func (r *PostgresOTPRepository) Get(ctx context.Context, paymentID string) (*models.OTP, error) {
	query := `SELECT ` + otpColumns + ` FROM payment_otps WHERE payment_id = $1`
	return scanOTP(r.db.QueryRowContext(ctx, query, paymentID))
}

// Mutate locks the row with SELECT ... FOR UPDATE for the duration of fn. A
// concurrent first insert for the same payment surfaces as a conflict and is
// retried against the now existing row.
func (r *PostgresOTPRepository) Mutate(ctx context.Context, paymentID string, fn MutateFunc) error {
	for attempt := 0; attempt < maxMutateRetries; attempt++ {
		err := r.mutateOnce(ctx, paymentID, fn)
		if errors.Is(err, ErrConflict) {
			continue
		}
		return err
	}
	return ErrConflict
}

func (r *PostgresOTPRepository) mutateOnce(ctx context.Context, paymentID string, fn MutateFunc) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + otpColumns + ` FROM payment_otps WHERE payment_id = $1 FOR UPDATE`
	current, err := scanOTP(tx.QueryRowContext(ctx, query, paymentID))
	if errors.Is(err, ErrNotFound) {
		current = nil
	} else if err != nil {
		return fmt.Errorf("otp lock failed: %w", err)
	}

	next, write, err := applyMutation(current, fn)
	if err != nil || !write {
		return err
	}

	switch {
	case next == nil:
		if _, err := tx.ExecContext(ctx, "DELETE FROM payment_otps WHERE payment_id = $1", paymentID); err != nil {
			return fmt.Errorf("otp delete failed: %w", err)
		}
	case current == nil:
		next.PaymentID = paymentID
		insert := `
			INSERT INTO payment_otps (` + otpColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
			ON CONFLICT (payment_id) DO NOTHING
		`
		result, err := tx.ExecContext(ctx, insert, otpArgs(next)...)
		if err != nil {
			return fmt.Errorf("otp insert failed: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return ErrConflict
		}
	default:
		next.PaymentID = paymentID
		update := `
			UPDATE payment_otps SET
				code = $2, retailer_id = $3, retailer_user_id = $4, phone = $5, retailer_name = $6,
				amount = $7, line_worker_name = $8, requested_by = $9, wholesaler_id = $10,
				attempts = $11, is_used = $12, used_at = $13, verified_by = $14, created_at = $15,
				expires_at = $16, last_attempt_at = $17, consecutive_failures = $18,
				cooldown_until = $19, breach_detected = $20, version = $21
			WHERE payment_id = $1
		`
		if _, err := tx.ExecContext(ctx, update, otpArgs(next)...); err != nil {
			return fmt.Errorf("otp update failed: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

func (r *PostgresOTPRepository) ListActiveByRetailer(ctx context.Context, retailerID string, now time.Time) ([]*models.OTP, error) {
	query := `
		SELECT ` + otpColumns + ` FROM payment_otps
		WHERE retailer_id = $1 AND NOT is_used AND expires_at > $2
		ORDER BY created_at DESC
	`
	rows, err := r.db.QueryContext(ctx, query, retailerID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	otps := []*models.OTP{}
	for rows.Next() {
		otp, err := scanOTP(rows)
		if err != nil {
			return nil, err
		}
		otps = append(otps, otp)
	}
	return otps, rows.Err()
}

func (r *PostgresOTPRepository) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, "DELETE FROM payment_otps WHERE expires_at < $1", cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
