package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/merchant-payments/internal/gateway"
	"github.com/akylbek/payment-system/merchant-payments/internal/interfaces"
	"github.com/akylbek/payment-system/merchant-payments/internal/service"
	"github.com/akylbek/payment-system/merchant-payments/internal/telemetry"
)

// respondError maps err to a stable message. The full error only goes to
// the log.
func respondError(c *gin.Context, op string, err error) {
	status, msg := http.StatusInternalServerError, "Internal error"
	switch {
	case errors.Is(err, interfaces.ErrNotFound):
		status, msg = http.StatusNotFound, "Not found"
	case errors.Is(err, service.ErrInvalidRequest):
		status, msg = http.StatusBadRequest, "Invalid request"
	case errors.Is(err, service.ErrInvalidState):
		status, msg = http.StatusConflict, "Payment is not in a chargeable state"
	case errors.Is(err, gateway.ErrGatewayUnavailable):
		status, msg = http.StatusServiceUnavailable, "Payment provider unavailable, please try again"
	case errors.Is(err, gateway.ErrGatewayRejected):
		status, msg = http.StatusUnprocessableEntity, "The payment could not be processed"
	}

	log := telemetry.Logger.Warn
	if status >= http.StatusInternalServerError {
		log = telemetry.Logger.Error
	}
	log("Request failed",
		zap.String("operation", op),
		zap.Int("status", status),
		zap.String("trace_id", telemetry.TraceID(c.Request.Context())),
		zap.Error(err),
	)
	c.JSON(status, gin.H{"success": false, "error": msg})
}
