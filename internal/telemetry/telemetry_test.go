package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestTracingMiddleware_PropagatesTraceID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tp := sdktrace.NewTracerProvider()
	previous := Tracer
	Tracer = tp.Tracer("test")
	t.Cleanup(func() { Tracer = previous })

	var seen string
	router := gin.New()
	router.Use(TracingMiddleware())
	router.GET("/ping", func(c *gin.Context) {
		seen = TraceID(c.Request.Context())
		c.Status(http.StatusNoContent)
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.NotEmpty(t, seen)
	require.Equal(t, seen, rec.Header().Get("X-Trace-ID"))
}

func TestTraceID_EmptyWithoutSpan(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	require.Empty(t, TraceID(req.Context()))
}
