// services/payment-verification/internal/handler/payment_handler.go
package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Sivazam/pHLynk-sub002/services/payment-verification/internal/service"
	"github.com/Sivazam/pHLynk-sub002/shared/pkg/errs"
)

const maxBatchIDs = 500

type PaymentHandler struct {
	service *service.VerificationService
	logger  *zap.Logger
}

func NewPaymentHandler(service *service.VerificationService, logger *zap.Logger) *PaymentHandler {
	return &PaymentHandler{
		service: service,
		logger:  logger,
	}
}

// Register mounts the API routes on r, normally the /api/v1 group.
func (h *PaymentHandler) Register(r gin.IRouter) {
	payments := r.Group("/payments")
	{
		payments.POST("", h.CreatePayment)
		payments.POST("/batch-verify", h.BatchVerify)
		payments.POST("/:id/otp", h.RequestOTP)
		payments.POST("/:id/verify", h.VerifyPayment)
	}

	retailers := r.Group("/retailers")
	{
		retailers.GET("/:id/payments", h.ListRetailerPayments)
		retailers.GET("/:id/active-otps", h.ListActiveOTPs)
	}

	maintenance := r.Group("/maintenance")
	{
		maintenance.POST("/payments/cleanup", h.CleanupPayments)
		maintenance.POST("/otps/cleanup", h.CleanupOTPs)
	}
}

// CreatePayment handles POST /api/v1/payments
func (h *PaymentHandler) CreatePayment(c *gin.Context) {
	var req service.InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": errs.CodeInvalidArgument, "error": err.Error()})
		return
	}

	result, err := h.service.InitiatePayment(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, result)
}

type otpRequest struct {
	RequestedBy string `json:"requested_by"`
}

// RequestOTP handles POST /api/v1/payments/:id/otp
func (h *PaymentHandler) RequestOTP(c *gin.Context) {
	var req otpRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": errs.CodeInvalidArgument, "error": err.Error()})
			return
		}
	}

	result, err := h.service.RequestOTP(c.Request.Context(), c.Param("id"), req.RequestedBy)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, result)
}

type verifyRequest struct {
	RetailerID string `json:"retailer_id" binding:"required"`
	OTPCode    string `json:"otp_code"`
	VerifiedBy string `json:"verified_by"`
}

// VerifyPayment handles POST /api/v1/payments/:id/verify
func (h *PaymentHandler) VerifyPayment(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": errs.CodeInvalidArgument, "error": err.Error()})
		return
	}

	result := h.service.VerifyPayment(c.Request.Context(), service.VerifyRequest{
		PaymentID:  c.Param("id"),
		RetailerID: req.RetailerID,
		OTPCode:    req.OTPCode,
		VerifiedBy: req.VerifiedBy,
	})
	if result.RetryAfterSeconds > 0 {
		c.Header("Retry-After", strconv.Itoa(result.RetryAfterSeconds))
	}

	c.JSON(errs.HTTPStatus(result.Code), result)
}

type batchRequest struct {
	PaymentIDs []string `json:"payment_ids" binding:"required"`
}

// BatchVerify handles POST /api/v1/payments/batch-verify
func (h *PaymentHandler) BatchVerify(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": errs.CodeInvalidArgument, "error": err.Error()})
		return
	}
	if len(req.PaymentIDs) > maxBatchIDs {
		c.JSON(http.StatusBadRequest, gin.H{"code": errs.CodeInvalidArgument, "error": "too many payment ids"})
		return
	}

	c.JSON(http.StatusOK, h.service.BatchVerifyPayments(c.Request.Context(), req.PaymentIDs))
}

// ListRetailerPayments handles GET /api/v1/retailers/:id/payments
func (h *PaymentHandler) ListRetailerPayments(c *gin.Context) {
	payments, err := h.service.GetPaymentSummaryForRetailer(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"payments": payments})
}

// ListActiveOTPs handles GET /api/v1/retailers/:id/active-otps
func (h *PaymentHandler) ListActiveOTPs(c *gin.Context) {
	otps, err := h.service.ActiveOTPsForRetailer(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"otps": otps})
}

// CleanupPayments handles POST /api/v1/maintenance/payments/cleanup
func (h *PaymentHandler) CleanupPayments(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"deleted": h.service.CleanupExpiredPayments(c.Request.Context())})
}

// CleanupOTPs handles POST /api/v1/maintenance/otps/cleanup
func (h *PaymentHandler) CleanupOTPs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"deleted": h.service.CleanupExpiredOTPs(c.Request.Context())})
}

func (h *PaymentHandler) writeError(c *gin.Context, err error) {
	code := errs.CodeOf(err)
	if code == errs.CodeInternal {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	var e *errs.Error
	if errors.As(err, &e) && e.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(e.RetryAfterSeconds()))
	}
	c.JSON(errs.HTTPStatus(code), gin.H{"code": code, "error": errs.Message(err)})
}
