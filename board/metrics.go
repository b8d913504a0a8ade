package board

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName     = "taskboard/board"
	eventName      = "observability.event"
	eventDomain    = "taskboard"
	attrPrefix     = "board."
	spanNamePrefix = "board."
)

// opMetrics records one board operation as a span plus a structured log entry.
type opMetrics struct {
	logger     *log.Logger
	op         string
	start      time.Time
	span       trace.Span
	attrs      []attribute.KeyValue
	errorStage string
}

func startOp(ctx context.Context, logger *log.Logger, op string, attrs ...attribute.KeyValue) (context.Context, *opMetrics) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, spanNamePrefix+op, trace.WithAttributes(attrs...))
	return ctx, &opMetrics{
		logger: logger,
		op:     op,
		start:  time.Now(),
		span:   span,
		attrs:  append([]attribute.KeyValue(nil), attrs...),
	}
}

func (m *opMetrics) Set(attrs ...attribute.KeyValue) {
	m.attrs = append(m.attrs, attrs...)
}

func (m *opMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

func (m *opMetrics) End(err error) {
	if m == nil {
		return
	}
	attrs := append([]attribute.KeyValue(nil), m.attrs...)
	attrs = append(attrs, attribute.Float64(attrPrefix+"total_ms", durationToMillis(time.Since(m.start))))
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String(attrPrefix+"error_stage", m.errorStage))
	}
	severity := "INFO"
	if err != nil {
		severity = "ERROR"
		attrs = append(attrs, attribute.String("error.message", err.Error()))
	}

	m.span.SetAttributes(attrs...)
	eventAttrs := append([]attribute.KeyValue{
		attribute.String("event.name", attrPrefix+m.op),
		attribute.String("event.domain", eventDomain),
		attribute.String("severity_text", severity),
	}, attrs...)
	m.span.AddEvent(eventName, trace.WithAttributes(eventAttrs...))
	if err != nil {
		m.span.RecordError(err)
		m.span.SetStatus(codes.Error, err.Error())
	} else {
		m.span.SetStatus(codes.Ok, "")
	}
	sc := m.span.SpanContext()
	m.span.End()

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"event.name":    attrPrefix + m.op,
		"event.domain":  eventDomain,
		"severity_text": severity,
		"attributes":    attributesToMap(attrs),
	}
	if sc.HasTraceID() {
		fields["trace_id"] = sc.TraceID().String()
	}
	entry := m.logger.WithFields(fields)
	if err != nil {
		entry.Error(eventName)
		return
	}
	entry.Info(eventName)
}

func attributesToMap(attrs []attribute.KeyValue) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		out[string(kv.Key)] = kv.Value.AsInterface()
	}
	return out
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
