package traces

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/mbd888/risktier/internal/logging"
)

func TestInit_DisabledIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), "", "test", logging.Discard())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestStartSpan_RecordsAttributesAndErrors(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, span := StartSpan(context.Background(), "commit.submit", Address("GABC"), Score(41), Tier("TIER_2"))
	Fail(span, errors.New("rpc unavailable"))
	Fail(span, nil)
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "commit.submit", ended[0].Name())
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Len(t, ended[0].Attributes(), 3)
	assert.Len(t, ended[0].Events(), 1)
}

func TestMiddleware_ServerSpanPerRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/addresses/:address/risk", func(c *gin.Context) {
		_, child := StartSpan(c.Request.Context(), "analysis.Analyze")
		child.End()
		c.Status(http.StatusBadGateway)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/addresses/GABC/risk", nil))

	ended := rec.Ended()
	require.Len(t, ended, 2)
	child, server := ended[0], ended[1]
	assert.Equal(t, "GET /v1/addresses/:address/risk", server.Name())
	assert.Equal(t, trace.SpanKindServer, server.SpanKind())
	assert.Equal(t, codes.Error, server.Status().Code)
	assert.Equal(t, server.SpanContext().SpanID(), child.Parent().SpanID())
}
