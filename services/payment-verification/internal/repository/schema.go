// services/payment-verification/internal/repository/schema.go
package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// Database schema
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS wholesalers (
    id VARCHAR(64) PRIMARY KEY,
    name TEXT NOT NULL,
    phone VARCHAR(20)
);

CREATE TABLE IF NOT EXISTS retailers (
    id VARCHAR(64) PRIMARY KEY,
    name TEXT NOT NULL,
    phone VARCHAR(20),
    wholesaler_id VARCHAR(64),
    is_active BOOLEAN
);

CREATE TABLE IF NOT EXISTS payments (
    id VARCHAR(64) PRIMARY KEY,
    amount DECIMAL(19, 4) NOT NULL,
    retailer_id VARCHAR(64) NOT NULL,
    wholesaler_id VARCHAR(64),
    line_worker_id VARCHAR(64),
    line_worker_name TEXT,
    is_verified BOOLEAN NOT NULL DEFAULT FALSE,
    verified_at TIMESTAMPTZ,
    status VARCHAR(20) NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    expires_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_payments_retailer ON payments (retailer_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_payments_unverified_expiry ON payments (expires_at) WHERE NOT is_verified;

CREATE TABLE IF NOT EXISTS payment_otps (
    payment_id VARCHAR(64) PRIMARY KEY,
    code VARCHAR(16) NOT NULL,
    retailer_id VARCHAR(64) NOT NULL,
    retailer_user_id VARCHAR(64),
    phone VARCHAR(20),
    retailer_name TEXT,
    amount DECIMAL(19, 4) NOT NULL,
    line_worker_name TEXT,
    requested_by VARCHAR(64),
    wholesaler_id VARCHAR(64),
    attempts INTEGER NOT NULL DEFAULT 0,
    is_used BOOLEAN NOT NULL DEFAULT FALSE,
    used_at TIMESTAMPTZ,
    verified_by VARCHAR(64),
    created_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL,
    last_attempt_at TIMESTAMPTZ,
    consecutive_failures INTEGER NOT NULL DEFAULT 0,
    cooldown_until TIMESTAMPTZ,
    breach_detected BOOLEAN NOT NULL DEFAULT FALSE,
    version BIGINT NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_payment_otps_retailer ON payment_otps (retailer_id, expires_at);
CREATE INDEX IF NOT EXISTS idx_payment_otps_expiry ON payment_otps (expires_at);
`

// Migrate creates the tables used by the postgres backend.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
