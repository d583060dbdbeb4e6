package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys for bridge spans and metrics.
var (
	AttrSender   = attribute.Key("bridge.sender")
	AttrGUID     = attribute.Key("bridge.guid")
	AttrPosition = attribute.Key("bridge.position")
	AttrOutcome  = attribute.Key("bridge.outcome")
	AttrRoute    = attribute.Key("bridge.route")
	AttrResult   = attribute.Key("bridge.result")
)

// Turn results recorded on bridge.turns.
const (
	ResultOK        = "ok"
	ResultError     = "error"
	ResultCancelled = "cancelled"
)

// RecordRow counts one accounted row.
func (p *Provider) RecordRow(ctx context.Context, outcome string) {
	if p == nil {
		return
	}
	p.rows.Add(ctx, 1, metric.WithAttributes(AttrOutcome.String(outcome)))
}

// StartTurn opens a span for one routed row.
func (p *Provider) StartTurn(ctx context.Context, sender, guid string, position int64) (context.Context, trace.Span) {
	if p == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return p.Tracer.Start(ctx, "bridge.turn",
		trace.WithAttributes(
			AttrSender.String(sender),
			AttrGUID.String(guid),
			AttrPosition.Int64(position),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndTurn records the route and result of a turn and ends its span.
func (p *Provider) EndTurn(ctx context.Context, span trace.Span, route, result string, err error) {
	if p == nil {
		return
	}
	span.SetAttributes(AttrRoute.String(route), AttrResult.String(result))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	p.turns.Add(ctx, 1, metric.WithAttributes(AttrRoute.String(route), AttrResult.String(result)))
}

// TurnStarted and TurnFinished bracket an agent call.
func (p *Provider) TurnStarted(ctx context.Context) {
	if p == nil {
		return
	}
	p.inflight.Add(ctx, 1)
}

func (p *Provider) TurnFinished(ctx context.Context) {
	if p == nil {
		return
	}
	p.inflight.Add(ctx, -1)
}
