package observability

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/envelope"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/kerr"
)

const (
	traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	spanID  = "00f067aa0ba902b7"
)

func testProvider(t *testing.T) (*Provider, *tracetest.SpanRecorder, *sdkmetric.ManualReader) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		_ = mp.Shutdown(context.Background())
	})
	p, err := NewWithProviders(tp, mp)
	require.NoError(t, err)
	return p, rec, reader
}

func counterTotal(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is %T", name, m.Data)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestNewDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{})
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())
	_, done := p.Dispatch(context.Background(), "send", envelope.Envelope{Opcode: "accrual.calculate"})
	done("accrual-engine", nil)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	assert.Equal(t, "esta-kernel", c.ServiceName)
	assert.Equal(t, "localhost:4317", c.OTLPEndpoint)
	assert.False(t, c.Enabled)
}

func TestRemoteParent(t *testing.T) {
	ctx := RemoteParent(context.Background(), envelope.TraceContext{TraceID: traceID, SpanID: spanID, Sampled: true})
	sc := trace.SpanContextFromContext(ctx)
	require.True(t, sc.IsValid())
	assert.True(t, sc.IsRemote())
	assert.True(t, sc.IsSampled())
	assert.Equal(t, traceID, sc.TraceID().String())

	bare := context.Background()
	assert.Equal(t, bare, RemoteParent(bare, envelope.TraceContext{TraceID: "zz"}))
}

func TestDispatchJoinsEnvelopeTrace(t *testing.T) {
	p, rec, reader := testProvider(t)
	env := envelope.Envelope{
		Opcode:       "accrual.calculate",
		TraceContext: envelope.TraceContext{TraceID: traceID, SpanID: spanID, Sampled: true},
	}

	_, done := p.Dispatch(context.Background(), "send", env)
	done("accrual-engine", nil)
	_, done = p.Dispatch(context.Background(), "send", envelope.Envelope{Opcode: "payroll.sync"})
	done("", kerr.New(kerr.NoRoute, "router.Route", "no route"))

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "kernel.send", spans[0].Name())
	assert.Equal(t, traceID, spans[0].SpanContext().TraceID().String())
	assert.Equal(t, spanID, spans[0].Parent().SpanID().String())
	assert.True(t, spans[0].Parent().IsRemote())
	assert.Len(t, spans[1].Events(), 1, "error recorded on span")

	assert.Equal(t, int64(2), counterTotal(t, reader, "esta.kernel.messages"))
	assert.Equal(t, int64(1), counterTotal(t, reader, "esta.kernel.failures"))
}

func TestRecordLoadAndRestart(t *testing.T) {
	p, _, reader := testProvider(t)
	p.RecordLoad(context.Background(), "accrual-engine", nil)
	p.RecordLoad(context.Background(), "bad", kerr.New(kerr.ManifestInvalid, "manifest.Validate", "x"))
	p.RecordRestart(context.Background(), "accrual-engine", 1)
	assert.Equal(t, int64(2), counterTotal(t, reader, "esta.kernel.loads"))
	assert.Equal(t, int64(1), counterTotal(t, reader, "esta.kernel.restarts"))
}

func TestKernelCollector(t *testing.T) {
	st := kernel.Stats{}
	st.Messages.Delivered = 3
	st.Loader.RunningModules = 2
	st.Router.TotalRouted = 4
	reg, err := NewRegistry("test", func() kernel.Stats { return st })
	require.NoError(t, err)

	expected := `
		# HELP test_messages_delivered_total Messages a handler returned a result for
		# TYPE test_messages_delivered_total counter
		test_messages_delivered_total 3
		# HELP test_loader_running_modules Modules in the running state
		# TYPE test_loader_running_modules gauge
		test_loader_running_modules 2
	`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"test_messages_delivered_total", "test_loader_running_modules"))

	st.Messages.Delivered = 5
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(strings.ReplaceAll(expected, "total 3", "total 5")),
		"test_messages_delivered_total", "test_loader_running_modules"))

	count, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 25, count)

	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf, reg))
	assert.Contains(t, buf.String(), "test_router_routed_total 4")
}
