// services/payment-verification/internal/otp/policy.go
package otp

import (
	"errors"
	"time"
)

// Policy holds the limits applied to every OTP.
type Policy struct {
	// Validity is how long a freshly generated code can be redeemed.
	Validity time.Duration `mapstructure:"validity"`
	// MaxAttempts is the number of wrong submissions allowed per code.
	MaxAttempts int `mapstructure:"max_attempts"`
	// Cooldown is the lockout set when MaxAttempts is reached.
	Cooldown time.Duration `mapstructure:"cooldown"`
	// BreachThreshold is the number of consecutive failures, across
	// regenerations, that raises a security alert.
	BreachThreshold int `mapstructure:"breach_threshold"`
	// Retention is how long an expired record is kept before the sweep deletes it.
	Retention time.Duration `mapstructure:"retention"`
}

func DefaultPolicy() Policy {
	return Policy{
		Validity:        7 * time.Minute,
		MaxAttempts:     3,
		Cooldown:        2 * time.Minute,
		BreachThreshold: 6,
		Retention:       1 * time.Hour,
	}
}

func (p Policy) Validate() error {
	switch {
	case p.Validity <= 0:
		return errors.New("otp validity must be positive")
	case p.MaxAttempts <= 0:
		return errors.New("otp max attempts must be positive")
	case p.Cooldown <= 0:
		return errors.New("otp cooldown must be positive")
	case p.BreachThreshold <= 0:
		return errors.New("otp breach threshold must be positive")
	case p.Retention < 0:
		return errors.New("otp retention must not be negative")
	}
	return nil
}
