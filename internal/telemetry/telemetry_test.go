package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInit_Disabled(t *testing.T) {
	for _, exporter := range []string{"", ExporterNone} {
		p, err := Init(context.Background(), Config{Exporter: exporter})
		if err != nil {
			t.Fatalf("Init(%q): %v", exporter, err)
		}
		if p.Tracer == nil || p.Meter == nil {
			t.Fatal("expected non-nil noop tracer and meter")
		}
		if err := p.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	}
}

func TestInit_Stdout(t *testing.T) {
	p, err := Init(context.Background(), Config{Exporter: ExporterStdout})
	if err != nil {
		t.Fatalf("Init with stdout exporter: %v", err)
	}
	defer p.Shutdown(context.Background())
	if p.Tracer == nil {
		t.Fatal("expected non-nil tracer")
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	if _, err := Init(context.Background(), Config{Exporter: "carrier-pigeon"}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestNilProviderIsSafe(t *testing.T) {
	var p *Provider
	ctx, span := p.StartTurn(context.Background(), "+1", "g", 1)
	p.RecordRow(ctx, "processed")
	p.TurnStarted(ctx)
	p.TurnFinished(ctx)
	p.EndTurn(ctx, span, "active", ResultOK, nil)
	if err := p.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown on nil provider: %v", err)
	}
}

func newRecordingProvider(t *testing.T) (*Provider, *sdkmetric.ManualReader, *tracetest.SpanRecorder) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	p, err := newProvider(tp.Tracer(ScopeName), mp.Meter(ScopeName), slog.Default(), func(ctx context.Context) error {
		tp.Shutdown(ctx)
		return mp.Shutdown(ctx)
	})
	if err != nil {
		t.Fatalf("newProvider: %v", err)
	}
	return p, reader, sr
}

func sumOf(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestProvider_RecordsTurns(t *testing.T) {
	p, reader, sr := newRecordingProvider(t)
	defer p.Shutdown(context.Background())
	ctx := context.Background()

	p.RecordRow(ctx, "processed")
	p.RecordRow(ctx, "junk")

	turnCtx, span := p.StartTurn(ctx, "+15550001", "g1", 100)
	p.TurnStarted(turnCtx)
	if got := sumOf(t, reader, "bridge.turns_inflight"); got != 1 {
		t.Errorf("expected 1 in-flight turn, got %d", got)
	}
	p.TurnFinished(turnCtx)
	p.EndTurn(turnCtx, span, "active", ResultError, errors.New("boom"))

	if got := sumOf(t, reader, "bridge.rows"); got != 2 {
		t.Errorf("expected 2 rows, got %d", got)
	}
	if got := sumOf(t, reader, "bridge.turns"); got != 1 {
		t.Errorf("expected 1 turn, got %d", got)
	}
	if got := sumOf(t, reader, "bridge.turns_inflight"); got != 0 {
		t.Errorf("expected 0 in-flight turns, got %d", got)
	}

	ended := sr.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected 1 ended span, got %d", len(ended))
	}
	if ended[0].Name() != "bridge.turn" {
		t.Errorf("unexpected span name %q", ended[0].Name())
	}
	if len(ended[0].Events()) == 0 {
		t.Error("expected the error to be recorded on the span")
	}
}
