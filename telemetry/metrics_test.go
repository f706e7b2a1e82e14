package telemetry

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestSetup_None(t *testing.T) {
	setup, err := Setup(context.Background(), Options{})
	require.NoError(t, err)
	assert.NoError(t, setup.Shutdown(context.Background()))
}

func TestSetup_Unknown(t *testing.T) {
	_, err := Setup(context.Background(), Options{Exporter: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestSetup_Stdout(t *testing.T) {
	var buf bytes.Buffer

	setup, err := Setup(context.Background(), Options{Exporter: ExporterStdout, Interval: time.Hour, Writer: &buf})
	require.NoError(t, err)

	counter, err := otel.Meter("test").Int64Counter("searchexport.test_pages")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	require.NoError(t, setup.Shutdown(context.Background()))
	assert.Contains(t, buf.String(), "searchexport.test_pages")
}
