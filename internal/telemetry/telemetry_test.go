package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitDisabled(t *testing.T) {
	cfg := Config{ServiceName: "swimcoach"}
	assert.False(t, cfg.Enabled())

	shutdown, err := Init(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitEnabledShutsDown(t *testing.T) {
	// Exporters connect lazily, so Init succeeds without a collector.
	shutdown, err := Init(context.Background(), Config{Endpoint: "127.0.0.1:4318", Insecure: true, Version: "test"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = shutdown(ctx)
}

func TestMeterAndTracer(t *testing.T) {
	c, err := Meter("swimcoach/test").Int64Counter("swimcoach.test.count")
	require.NoError(t, err)
	c.Add(context.Background(), 1)

	_, span := Tracer("swimcoach/test").Start(context.Background(), "test")
	span.End()
}
