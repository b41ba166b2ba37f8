package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/roach88/stepsync/internal/progress"
	"github.com/roach88/stepsync/internal/testutil"
)

func TestEngine_GatewaySpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	f := newFixture(t, WithTracer(tp.Tracer("test")))
	ctx := context.Background()

	_, err := f.eng.InitializeProgress(ctx, testKey)
	require.NoError(t, err)

	f.gw.FailNext(testutil.OpSaveStep, nil)
	f.update(t, progress.PhaseValidation, "step1", progress.StatusCompleted)
	require.Error(t, f.eng.ForceFlush(ctx, testKey))

	spans := recorder.Ended()
	names := make([]string, len(spans))
	for i, s := range spans {
		names[i] = s.Name()
	}
	assert.Equal(t, []string{"stepsync.fetch_session", "stepsync.create_session", "stepsync.save"}, names)

	fetch := attribute.NewSet(spans[0].Attributes()...)
	found, ok := fetch.Value(attrFound)
	require.True(t, ok)
	assert.False(t, found.AsBool())

	save := spans[2]
	assert.Equal(t, codes.Error, save.Status().Code)
	require.Len(t, save.Events(), 1, "error recorded as a span event")

	attrs := attribute.NewSet(save.Attributes()...)
	user, ok := attrs.Value(attrUserID)
	require.True(t, ok)
	assert.Equal(t, "user-1", user.AsString())
	trigger, ok := attrs.Value(attrTrigger)
	require.True(t, ok)
	assert.Equal(t, triggerForce, trigger.AsString())
	items, ok := attrs.Value(attrItems)
	require.True(t, ok)
	assert.Equal(t, int64(1), items.AsInt64())
}
