// shared/pkg/logger/secure.go
package logger

import (
	"strings"

	"go.uber.org/zap"
)

const (
	ChannelPayment  = "payment"
	ChannelSecurity = "security"
	ChannelError    = "error"
)

// Secure routes events to categorized sinks. Payment events are informational,
// security events are warnings and error events are errors. None of the
// methods return errors or panic.
type Secure struct {
	payment  *zap.Logger
	security *zap.Logger
	errors   *zap.Logger
}

// NewSecure splits base into the three channels. A nil base yields a no-op logger.
func NewSecure(base *zap.Logger) *Secure {
	if base == nil {
		base = zap.NewNop()
	}
	return &Secure{
		payment:  base.Named(ChannelPayment).With(zap.String("channel", ChannelPayment)),
		security: base.Named(ChannelSecurity).With(zap.String("channel", ChannelSecurity)),
		errors:   base.Named(ChannelError).With(zap.String("channel", ChannelError)),
	}
}

// Payment logs a payment lifecycle event.
func (s *Secure) Payment(event string, fields ...zap.Field) {
	s.payment.Info(event, append(fields, zap.String("event", event))...)
}

// Security logs a security relevant event such as tampering or brute forcing.
func (s *Secure) Security(event string, fields ...zap.Field) {
	s.security.Warn(event, append(fields, zap.String("event", event))...)
}

// Error logs an unexpected failure with its context.
func (s *Secure) Error(event string, fields ...zap.Field) {
	s.errors.Error(event, append(fields, zap.String("event", event))...)
}

// Phone returns a field with all but the last four digits masked.
func Phone(key, phone string) zap.Field {
	return zap.String(key, MaskPhone(phone))
}

// MaskPhone masks a phone number for logging.
func MaskPhone(phone string) string {
	phone = strings.TrimSpace(phone)
	if len(phone) <= 4 {
		return strings.Repeat("*", len(phone))
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}
