package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/akylbek/payment-system/merchant-payments/internal/handlers"
	"github.com/akylbek/payment-system/merchant-payments/internal/telemetry"
)

type Handlers struct {
	Payments *handlers.PaymentHandler
	State    *handlers.PaymentStateHandler
	Callback *handlers.CallbackHandler
}

func NewRouter(h Handlers) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(telemetry.TracingMiddleware())

	// Prometheus metrics
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": telemetry.ServiceName})
	})

	// Gateway notifications
	r.POST("/webhooks/gateway", h.Callback.HandleGatewayCallback)

	// Checkout
	checkout := r.Group("/checkout")
	checkout.POST("/payments", h.Payments.CreatePayment)
	checkout.POST("/orders", h.Payments.CreateOrder)
	checkout.POST("/charges", h.Payments.DirectCharge)

	// Payment routes
	r.POST("/payments/:id/preference", h.Payments.CreatePreference)
	r.GET("/payments/:id/state", h.State.GetPaymentState)

	return r
}
