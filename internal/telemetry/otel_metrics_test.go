package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/yuuki/ntbqp/internal/transport"
)

type mockSource struct {
	mock.Mock
}

func (m *mockSource) QueueStats() []transport.QueueStats {
	args := m.Called()
	return args.Get(0).([]transport.QueueStats)
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestQueueStatsObserved(t *testing.T) {
	source := &mockSource{}
	source.On("QueueStats").Return([]transport.QueueStats{
		{Transport: "t1", QP: 0, LinkUp: true, Round: 3, RxBytes: 1500, RxPkts: 10, TxRingFull: 2, RxStale: 1, TxFreeEntries: 30},
		{Transport: "t1", QP: 1, TxPkts: 7, DMAFallbacks: 4},
	})

	reader := sdkmetric.NewManualReader()
	m, err := NewMetricsWithReader("node-a", reader, source)
	require.NoError(t, err)
	defer m.Shutdown(context.Background())

	got := collect(t, reader)
	source.AssertCalled(t, "QueueStats")

	rxBytes, ok := got["ntbqp.qp.rx.bytes"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	assert.True(t, rxBytes.IsMonotonic)
	require.Len(t, rxBytes.DataPoints, 2)
	byQP := make(map[int64]int64)
	for _, dp := range rxBytes.DataPoints {
		qp, ok := dp.Attributes.Value("qp")
		require.True(t, ok)
		byQP[qp.AsInt64()] = dp.Value
	}
	assert.Equal(t, map[int64]int64{0: 1500, 1: 0}, byQP)

	fallbacks := got["ntbqp.qp.dma.fallbacks"].Data.(metricdata.Sum[int64])
	var total int64
	for _, dp := range fallbacks.DataPoints {
		total += dp.Value
	}
	assert.Equal(t, int64(4), total)

	round, ok := got["ntbqp.qp.round"].Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	for _, dp := range round.DataPoints {
		qp, _ := dp.Attributes.Value("qp")
		if qp.AsInt64() == 0 {
			assert.Equal(t, int64(3), dp.Value)
		}
	}
}

func TestRecordProbeResults(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	m, err := NewMetricsWithReader("node-a", reader, nil)
	require.NoError(t, err)
	defer m.Shutdown(context.Background())

	ctx := context.Background()
	m.RecordRTT(ctx, 12*time.Microsecond, 0)
	m.RecordRTT(ctx, 8*time.Microsecond, 0)
	m.RecordTimeout(ctx, 0)
	m.RecordLinkFlap(ctx)
	m.RecordLinkFlap(ctx)

	got := collect(t, reader)

	rtt, ok := got["ntbqp.pingpong.rtt"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, rtt.DataPoints, 1)
	assert.Equal(t, uint64(2), rtt.DataPoints[0].Count)
	assert.InDelta(t, 20.0, rtt.DataPoints[0].Sum, 0.001)

	timeouts := got["ntbqp.pingpong.timeout"].Data.(metricdata.Sum[int64])
	require.Len(t, timeouts.DataPoints, 1)
	assert.Equal(t, int64(1), timeouts.DataPoints[0].Value)

	flaps := got["ntbqp.link.flaps"].Data.(metricdata.Sum[int64])
	require.Len(t, flaps.DataPoints, 1)
	assert.Equal(t, int64(2), flaps.DataPoints[0].Value)
}

func TestParseCollectorAddr(t *testing.T) {
	tests := []struct {
		addr     string
		scheme   string
		endpoint string
		wantErr  bool
	}{
		{"localhost:4317", "grpc", "localhost:4317", false},
		{"127.0.0.1:4317", "grpc", "127.0.0.1:4317", false},
		{"grpcs://collector:4317", "grpcs", "collector:4317", false},
		{"http://collector:4318", "http", "collector:4318", false},
		{"HTTPS://collector:4318", "https", "collector:4318", false},
		{"ftp://collector:21", "", "", true},
		{"collector", "", "", true},
		{"", "", "", true},
		{"http://", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			scheme, endpoint, err := parseCollectorAddr(tt.addr)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.scheme, scheme)
			assert.Equal(t, tt.endpoint, endpoint)
		})
	}
}

// TestNewMetricsExporter builds the OTLP pipeline without a collector; the
// exporters connect lazily
func TestNewMetricsExporter(t *testing.T) {
	ctx := context.Background()
	for _, addr := range []string{"localhost:4317", "http://localhost:4318"} {
		m, err := NewMetrics(ctx, "node-a", addr, nil)
		require.NoError(t, err, addr)

		shutdownCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		_ = m.Shutdown(shutdownCtx)
		cancel()
	}

	_, err := NewMetrics(ctx, "node-a", "ftp://collector:21", nil)
	assert.Error(t, err)
}
