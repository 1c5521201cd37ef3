package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/merchant-payments/internal/models"
	"github.com/akylbek/payment-system/merchant-payments/internal/service"
	"github.com/akylbek/payment-system/merchant-payments/internal/telemetry"
)

const idempotencyKeyHeader = "X-Idempotency-Key"

type PaymentHandler struct {
	checkout    *service.CheckoutService
	preferences *service.PreferenceIssuer
	charges     *service.DirectChargeHandler
}

func NewPaymentHandler(checkout *service.CheckoutService, preferences *service.PreferenceIssuer, charges *service.DirectChargeHandler) *PaymentHandler {
	return &PaymentHandler{
		checkout:    checkout,
		preferences: preferences,
		charges:     charges,
	}
}

func (h *PaymentHandler) CreatePayment(c *gin.Context) {
	var req models.CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		telemetry.Logger.Warn("Invalid payment request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader(idempotencyKeyHeader)
	}

	p, created, err := h.checkout.CreatePayment(c.Request.Context(), req)
	if err != nil {
		respondError(c, "create_payment", err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"success": true, "payment": p})
}

func (h *PaymentHandler) CreateOrder(c *gin.Context) {
	var req models.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		telemetry.Logger.Warn("Invalid order request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader(idempotencyKeyHeader)
	}

	order, p, created, err := h.checkout.CreateOrder(c.Request.Context(), req)
	if err != nil {
		respondError(c, "create_order", err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"success": true, "order": order, "payment": p})
}

func (h *PaymentHandler) CreatePreference(c *gin.Context) {
	resp, err := h.preferences.Issue(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "create_preference", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *PaymentHandler) DirectCharge(c *gin.Context) {
	var req models.DirectChargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		telemetry.Logger.Warn("Invalid charge request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
		return
	}

	resp, err := h.charges.Charge(c.Request.Context(), req, c.GetHeader(idempotencyKeyHeader))
	if err != nil {
		respondError(c, "direct_charge", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
