package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/akylbek/payment-system/merchant-payments/internal/interfaces"
)

type PaymentStateHandler struct {
	store interfaces.Store
}

func NewPaymentStateHandler(store interfaces.Store) *PaymentStateHandler {
	return &PaymentStateHandler{store: store}
}

func (h *PaymentStateHandler) GetPaymentState(c *gin.Context) {
	paymentID := c.Param("id")

	p, err := h.store.GetPayment(c.Request.Context(), paymentID)
	if errors.Is(err, interfaces.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Payment not found"})
		return
	}
	if err != nil {
		respondError(c, "get_payment_state", err)
		return
	}

	resp := gin.H{
		"payment_id":     p.ID,
		"state":          p.Status,
		"amount":         p.Amount,
		"currency":       p.Currency,
		"failure_reason": p.FailureReason,
		"preference_id":  p.PreferenceID,
		"settlement":     p.Settlement,
		"expires_at":     p.ExpiresAt,
		"created_at":     p.CreatedAt,
		"updated_at":     p.UpdatedAt,
	}
	if p.OrderID != "" {
		order, err := h.store.GetOrder(c.Request.Context(), p.OrderID)
		if err != nil {
			respondError(c, "get_payment_state", err)
			return
		}
		resp["order_id"] = order.ID
		resp["order_status"] = order.Status
	}
	c.JSON(http.StatusOK, resp)
}
