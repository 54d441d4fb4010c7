package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "atelier-pipeline", config.ServiceName)
	require.Equal(t, "1.0.0", config.ServiceVersion)
	require.Equal(t, "development", config.Environment)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.True(t, config.Enabled)
	require.False(t, config.Insecure)
}

func TestDisabledProviderIsNoOp(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)

	// Every instrument path must be safe without initialization.
	ctx := context.Background()
	p.SessionStarted(ctx)
	p.RecordPhaseDuration(ctx, 1, time.Second)
	p.RecordFeedbackWait(ctx, time.Minute)
	p.RecordRetry(ctx, attribute.Int("phase", 1))
	p.RecordBreakerOpened(ctx, "render-api")
	p.SessionEnded(ctx)

	_, done := p.TrackOperation(ctx, "engine.start_session")
	done(errors.New("boom"))

	require.NoError(t, p.Shutdown(ctx))
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())
}

func TestTrackOperationReturnsCompletion(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx, done := p.TrackOperation(context.Background(), "engine.get_status",
		attribute.String("session_id", "s1"))
	require.NotNil(t, ctx)
	require.NotPanics(t, func() { done(nil) })
}
