package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/petrijr/flowrun/internal/config"
)

func TestSetup_NoneIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), &config.Tracing{Exporter: "none"}, "test", nil, nil)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetup_StdoutExportsSpans(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	shutdown, err := Setup(context.Background(), &config.Tracing{
		Exporter:    "stdout",
		SampleRatio: 1,
		ServiceName: "flowrund-test",
	}, "v0.0.0", &buf, nil)
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "job.execute")
	span.End()

	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "job.execute")
	assert.Contains(t, buf.String(), "flowrund-test")
}

func TestSetup_UnknownExporter(t *testing.T) {
	_, err := Setup(context.Background(), &config.Tracing{Exporter: "zipkin"}, "", nil, nil)
	assert.Error(t, err)
}
