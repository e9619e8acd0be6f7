// services/payment-verification/internal/models/payment.go
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusOTPSent  PaymentStatus = "otp_sent"
	PaymentStatusVerified PaymentStatus = "verified"
	PaymentStatusExpired  PaymentStatus = "expired"
	PaymentStatusFailed   PaymentStatus = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentStatusVerified || s == PaymentStatusExpired
}

// Payment is a collection made by a line worker from a retailer.
type Payment struct {
	ID             string          `json:"id"`
	Amount         decimal.Decimal `json:"amount"`
	RetailerID     string          `json:"retailer_id"`
	WholesalerID   string          `json:"wholesaler_id,omitempty"`
	LineWorkerID   string          `json:"line_worker_id,omitempty"`
	LineWorkerName string          `json:"line_worker_name"`
	IsVerified     bool            `json:"is_verified"`
	VerifiedAt     *time.Time      `json:"verified_at,omitempty"`
	Status         PaymentStatus   `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
}

// Expired reports whether the payment window closed before now.
func (p *Payment) Expired(now time.Time) bool {
	return p.ExpiresAt.Before(now)
}

// DerivedStatus is the status a reader should see at now: a persisted
// "otp_sent" payment whose window closed reads as expired.
func (p *Payment) DerivedStatus(now time.Time) PaymentStatus {
	switch {
	case p.IsVerified:
		return PaymentStatusVerified
	case p.Status == PaymentStatusExpired || p.Expired(now):
		return PaymentStatusExpired
	case p.Status == "":
		return PaymentStatusPending
	default:
		return p.Status
	}
}

// PaymentSnapshot is the payment projection returned to callers, with the
// retailer and line worker names denormalized onto it.
type PaymentSnapshot struct {
	ID             string          `json:"id"`
	Amount         decimal.Decimal `json:"amount"`
	RetailerID     string          `json:"retailer_id"`
	RetailerName   string          `json:"retailer_name,omitempty"`
	LineWorkerName string          `json:"line_worker_name"`
	IsVerified     bool            `json:"is_verified"`
	VerifiedAt     *time.Time      `json:"verified_at,omitempty"`
	Status         PaymentStatus   `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
}

// Snapshot projects p with the given status override.
func (p *Payment) Snapshot(retailerName string, status PaymentStatus) *PaymentSnapshot {
	return &PaymentSnapshot{
		ID:             p.ID,
		Amount:         p.Amount,
		RetailerID:     p.RetailerID,
		RetailerName:   retailerName,
		LineWorkerName: p.LineWorkerName,
		IsVerified:     p.IsVerified,
		VerifiedAt:     p.VerifiedAt,
		Status:         status,
		CreatedAt:      p.CreatedAt,
		ExpiresAt:      p.ExpiresAt,
	}
}

// PaymentSummary is one row of a retailer's payment list.
type PaymentSummary struct {
	ID             string          `json:"id"`
	Amount         decimal.Decimal `json:"amount"`
	RetailerID     string          `json:"retailer_id"`
	LineWorkerName string          `json:"line_worker_name"`
	IsVerified     bool            `json:"is_verified"`
	VerifiedAt     *time.Time      `json:"verified_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
	Status         PaymentStatus   `json:"status"`
}
