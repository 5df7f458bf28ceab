package traces

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/mbd888/marketescrow/internal/logging"
)

func TestInit_NoEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), "", "test", logging.Discard())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestStartSpan_RecordsAttributesAndError(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, span := StartSpan(context.Background(), "escrow.ReleaseFunds", TransactionID("etx_1"), Action("release_funds"))
	End(span, errors.New("terminal"))

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "escrow.ReleaseFunds", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)

	found := false
	for _, kv := range spans[0].Attributes() {
		if kv.Key == "escrow.transaction_id" && kv.Value.AsString() == "etx_1" {
			found = true
		}
	}
	assert.True(t, found, "transaction id attribute missing")
}
