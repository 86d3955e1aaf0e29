package workflow

import (
	"context"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tendant/simple-forensics/pkg/schema"
)

var (
	documentsRegistered metric.Int64Counter
	jobsFinished        metric.Int64Counter
	stageDuration       metric.Float64Histogram
	eventsDropped       metric.Int64Counter
)

func init() {
	meter := otel.Meter("github.com/tendant/simple-forensics/internal/workflow")

	var err error

	documentsRegistered, err = meter.Int64Counter(
		"forensics.documents.registered",
		metric.WithDescription("Number of documents registered"),
	)
	if err != nil {
		log.Fatalf("failed to create documents.registered counter: %v", err)
	}

	jobsFinished, err = meter.Int64Counter(
		"forensics.jobs.finished",
		metric.WithDescription("Number of analysis jobs that reached a terminal state"),
	)
	if err != nil {
		log.Fatalf("failed to create jobs.finished counter: %v", err)
	}

	stageDuration, err = meter.Float64Histogram(
		"forensics.stage.duration",
		metric.WithDescription("Duration of analysis stage runs"),
		metric.WithUnit("s"),
	)
	if err != nil {
		log.Fatalf("failed to create stage.duration histogram: %v", err)
	}

	eventsDropped, err = meter.Int64Counter(
		"forensics.events.dropped",
		metric.WithDescription("Lifecycle events dropped because the publish buffer was full"),
	)
	if err != nil {
		log.Fatalf("failed to create events.dropped counter: %v", err)
	}
}

func recordDocumentRegistered(mediaType string) {
	documentsRegistered.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("media_type", mediaType)))
}

func recordJobFinished(status schema.JobStatus, reason schema.FailureReason) {
	jobsFinished.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("status", string(status)),
			attribute.String("reason", string(reason)),
		))
}

func recordStageDuration(stage, provider string, seconds float64, ok bool) {
	stageDuration.Record(context.Background(), seconds,
		metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("provider", provider),
			attribute.Bool("succeeded", ok),
		))
}

func recordEventDropped() {
	eventsDropped.Add(context.Background(), 1)
}
