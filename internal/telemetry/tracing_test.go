package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestMiddlewarePropagatesTraceContext(t *testing.T) {
	tp, err := InitTracerProvider(context.Background(), "distcrawl-test", 1)
	require.NoError(t, err)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	var (
		inbound trace.SpanContext
		attrs   = map[string]string{}
	)
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/fetch", func(w http.ResponseWriter, req *http.Request) {
		inbound = trace.SpanContextFromContext(req.Context())
		InjectAttributes(req.Context(), attrs)
		w.WriteHeader(http.StatusNoContent)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fetch?a=schedule", nil))

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.True(t, inbound.IsValid())
	require.Contains(t, attrs, "traceparent")

	header := http.Header{}
	ctx := trace.ContextWithSpanContext(context.Background(), inbound)
	InjectHeaders(ctx, header)
	require.NotEmpty(t, header.Get("traceparent"))
}
