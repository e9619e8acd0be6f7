// services/payment-verification/internal/notification/notifier.go
package notification

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Sivazam/pHLynk-sub002/services/payment-verification/internal/models"
	"github.com/Sivazam/pHLynk-sub002/services/payment-verification/internal/repository"
	"github.com/Sivazam/pHLynk-sub002/shared/pkg/logger"
)

// Notifier turns verification events into SMS messages. Every failure is
// logged and swallowed.
type Notifier struct {
	sender  Sender
	tenants repository.TenantRepository
	log     *logger.Secure
}

func NewNotifier(sender Sender, tenants repository.TenantRepository, log *logger.Secure) *Notifier {
	if log == nil {
		log = logger.NewSecure(nil)
	}
	return &Notifier{sender: sender, tenants: tenants, log: log}
}

// PaymentConfirmed messages the retailer and the wholesaler.
func (n *Notifier) PaymentConfirmed(ctx context.Context, payment *models.Payment, retailer *models.Retailer) {
	vars := map[string]string{
		"paymentId":      payment.ID,
		"amount":         payment.Amount.StringFixed(2),
		"retailerName":   retailer.Name,
		"lineWorkerName": payment.LineWorkerName,
	}
	if payment.VerifiedAt != nil {
		vars["verifiedAt"] = payment.VerifiedAt.Format(time.RFC3339)
	}

	if retailer.Phone != "" {
		if err := n.sender.SendPaymentConfirmationSMS(ctx, retailer.Phone, TemplateRetailer, vars); err != nil {
			n.log.Error("confirmation_sms_failed",
				zap.String("payment_id", payment.ID),
				zap.String("template", string(TemplateRetailer)),
				zap.Error(err))
		}
	}

	wholesalerID := payment.WholesalerID
	if wholesalerID == "" {
		wholesalerID = retailer.WholesalerID
	}
	wholesaler := n.wholesaler(ctx, wholesalerID)
	if wholesaler == nil || wholesaler.Phone == "" {
		return
	}
	vars["wholesalerName"] = wholesaler.Name
	if err := n.sender.SendPaymentConfirmationSMS(ctx, wholesaler.Phone, TemplateWholesaler, vars); err != nil {
		n.log.Error("confirmation_sms_failed",
			zap.String("payment_id", payment.ID),
			zap.String("template", string(TemplateWholesaler)),
			zap.Error(err))
	}
}

// SecurityBreach alerts the wholesaler responsible for the line worker.
func (n *Notifier) SecurityBreach(ctx context.Context, alert *models.SecurityAlert) {
	wholesaler := n.wholesaler(ctx, alert.WholesalerID)
	if wholesaler == nil || wholesaler.Phone == "" {
		n.log.Security("security_alert_undeliverable",
			zap.String("alert_id", alert.ID),
			zap.String("payment_id", alert.PaymentID),
			zap.String("wholesaler_id", alert.WholesalerID))
		return
	}

	vars := map[string]string{
		"paymentId":           alert.PaymentID,
		"retailerName":        alert.RetailerName,
		"lineWorkerName":      alert.LineWorkerName,
		"consecutiveFailures": strconv.Itoa(alert.ConsecutiveFailures),
		"detectedAt":          alert.DetectedAt.Format(time.RFC3339),
	}
	if err := n.sender.SendSecurityAlertSMS(ctx, wholesaler.Phone, vars); err != nil {
		n.log.Error("security_alert_sms_failed",
			zap.String("alert_id", alert.ID),
			zap.Error(err))
		return
	}
	n.log.Security("security_alert_sent",
		zap.String("alert_id", alert.ID),
		zap.String("wholesaler_id", wholesaler.ID),
		logger.Phone("phone", wholesaler.Phone))
}

func (n *Notifier) wholesaler(ctx context.Context, id string) *models.Wholesaler {
	if id == "" || n.tenants == nil {
		return nil
	}
	w, err := n.tenants.GetWholesaler(ctx, id)
	if err != nil {
		n.log.Error("wholesaler_lookup_failed", zap.String("wholesaler_id", id), zap.Error(err))
		return nil
	}
	return w
}
