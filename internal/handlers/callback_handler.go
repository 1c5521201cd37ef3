package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/merchant-payments/internal/gateway"
	"github.com/akylbek/payment-system/merchant-payments/internal/models"
	"github.com/akylbek/payment-system/merchant-payments/internal/service"
	"github.com/akylbek/payment-system/merchant-payments/internal/telemetry"
)

const maxCallbackBody = 64 << 10

type CallbackHandler struct {
	processor *service.CallbackProcessor
}

func NewCallbackHandler(processor *service.CallbackProcessor) *CallbackHandler {
	return &CallbackHandler{processor: processor}
}

// HandleGatewayCallback acknowledges every notification it managed to log,
// whatever happened while processing it.
func (h *CallbackHandler) HandleGatewayCallback(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxCallbackBody)
	body, err := c.GetRawData()
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "body too large"})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	var n models.CallbackNotification
	if len(body) > 0 {
		if err := json.Unmarshal(body, &n); err != nil {
			telemetry.Logger.Warn("Gateway callback body is not a notification", zap.Error(err))
		}
	}
	if len(body) == 0 {
		body = []byte(`{}`)
	}

	// Query parameters are what the gateway signs, so they win over the body.
	topic := firstNonEmpty(c.Query("type"), c.Query("topic"), n.Type)
	dataID := firstNonEmpty(c.Query("data.id"), n.Data.ID, c.Query("id"))

	result, err := h.processor.Handle(c.Request.Context(), service.CallbackInput{
		Body:      body,
		Topic:     topic,
		DataID:    dataID,
		Signature: c.GetHeader("x-signature"),
		RequestID: c.GetHeader("x-request-id"),
	})
	if errors.Is(err, gateway.ErrInvalidCallbackSignature) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}
	if err != nil {
		telemetry.Logger.Error("Failed to log gateway callback", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "callback not recorded"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "received", "event_id": result.GatewayEventID})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
