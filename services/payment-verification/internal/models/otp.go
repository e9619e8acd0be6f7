package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OTP is the one-time code bound to a single payment. The store is keyed by
// PaymentID, so at most one record exists per payment.
type OTP struct {
	PaymentID      string          `json:"payment_id"`
	Code           string          `json:"code"`
	RetailerID     string          `json:"retailer_id"`
	RetailerUserID string          `json:"retailer_user_id,omitempty"`
	Phone          string          `json:"phone,omitempty"`
	RetailerName   string          `json:"retailer_name,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	LineWorkerName string          `json:"line_worker_name,omitempty"`
	RequestedBy    string          `json:"requested_by,omitempty"`
	WholesalerID   string          `json:"wholesaler_id,omitempty"`
	Attempts       int             `json:"attempts"`
	IsUsed         bool            `json:"is_used"`
	UsedAt         *time.Time      `json:"used_at,omitempty"`
	VerifiedBy     string          `json:"verified_by,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
	Security       OTPSecurity     `json:"security"`
	Version        int64           `json:"version"`
}

// OTPSecurity tracks brute force signals. ConsecutiveFailures and
// BreachDetected survive OTP regeneration; Attempts on the OTP does not.
type OTPSecurity struct {
	LastAttemptAt       *time.Time `json:"last_attempt_at,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	CooldownUntil       *time.Time `json:"cooldown_until,omitempty"`
	BreachDetected      bool       `json:"breach_detected"`
}

// Live reports whether the code can still be redeemed at now, ignoring
// attempt limits.
func (o *OTP) Live(now time.Time) bool {
	return !o.IsUsed && now.Before(o.ExpiresAt)
}

// ActiveOTP is the retailer facing view of a pending code.
type ActiveOTP struct {
	PaymentID      string          `json:"payment_id"`
	Code           string          `json:"code"`
	Amount         decimal.Decimal `json:"amount"`
	LineWorkerName string          `json:"line_worker_name,omitempty"`
	ExpiresAt      time.Time       `json:"expires_at"`
	CreatedAt      time.Time       `json:"created_at"`
}

// SecurityAlert is raised when consecutive OTP failures cross the breach threshold.
type SecurityAlert struct {
	ID                  string    `json:"id"`
	PaymentID           string    `json:"payment_id"`
	RetailerID          string    `json:"retailer_id"`
	RetailerName        string    `json:"retailer_name,omitempty"`
	WholesalerID        string    `json:"wholesaler_id,omitempty"`
	RequestedBy         string    `json:"requested_by,omitempty"`
	LineWorkerName      string    `json:"line_worker_name,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	DetectedAt          time.Time `json:"detected_at"`
}
