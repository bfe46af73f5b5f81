package streams

import (
	"context"
	"log"
	"sync"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	streamMetricsOnce sync.Once
	eventsPublished   otelmetric.Int64Counter
	eventsRejected    otelmetric.Int64Counter
	taskTransitions   otelmetric.Int64Counter
)

func initStreamMetrics() {
	meter := otel.Meter("taskgraph/queue/streams")
	var err error
	eventsPublished, err = meter.Int64Counter(
		"stream_events_published_total",
		otelmetric.WithDescription("Envelopes appended to Redis streams"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: stream_events_published_total: %v", err)
	}
	eventsRejected, err = meter.Int64Counter(
		"stream_events_rejected_total",
		otelmetric.WithDescription("Stream entries dropped because they failed decoding or validation"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: stream_events_rejected_total: %v", err)
	}
	taskTransitions, err = meter.Int64Counter(
		"task_status_transitions_total",
		otelmetric.WithDescription("Task status transitions published"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: task_status_transitions_total: %v", err)
	}
}

func recordPublished(ctx context.Context, stream, eventType string, payload []byte) {
	streamMetricsOnce.Do(initStreamMetrics)
	attrs := otelmetric.WithAttributes(attribute.String("stream", stream), attribute.String("event_type", eventType))
	if eventsPublished != nil {
		eventsPublished.Add(ctx, 1, attrs)
	}
	if eventType == EventTaskStatus && taskTransitions != nil {
		status := gjson.GetBytes(payload, "status").String()
		taskTransitions.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("status", status)))
	}
}

func recordRejected(ctx context.Context, stream, reason string) {
	streamMetricsOnce.Do(initStreamMetrics)
	if eventsRejected == nil {
		return
	}
	eventsRejected.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("stream", stream), attribute.String("reason", reason)))
}
