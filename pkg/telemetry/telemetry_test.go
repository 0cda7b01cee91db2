package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"
)

func TestNew_DisabledIsNoop(t *testing.T) {
	tel, shutdown, err := New(Config{Enabled: false})
	require.NoError(t, err)
	require.Nil(t, tel.MeterProvider)
	require.NotNil(t, tel.Tracer)
	require.NotNil(t, tel.Meter)
	require.NoError(t, shutdown(context.Background()))
}

func TestNew_ExposesPrometheusMetrics(t *testing.T) {
	tel, shutdown, err := New(Config{Enabled: true, ServiceName: "pagecache-test"})
	require.NoError(t, err)
	defer shutdown(context.Background())
	require.NotEmpty(t, tel.InstanceID)

	counter, err := tel.Meter.Int64Counter("test.requests", metric.WithUnit("1"))
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	rec := httptest.NewRecorder()
	tel.MetricsHandler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "test_requests")
}

func TestNew_TwoInstancesDoNotCollide(t *testing.T) {
	_, s1, err := New(Config{Enabled: true, ServiceName: "a"})
	require.NoError(t, err)
	defer s1(context.Background())

	_, s2, err := New(Config{Enabled: true, ServiceName: "b"})
	require.NoError(t, err)
	defer s2(context.Background())
}
