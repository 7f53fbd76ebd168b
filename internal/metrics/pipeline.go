package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/manash/archrefine/internal/session"
	"github.com/manash/archrefine/pkg/models"
)

const instrumentationName = "github.com/manash/archrefine/internal/metrics"

// Pipeline records refinement pipeline metrics. It is both the registry's
// StepRecorder and an Observer.
type Pipeline struct {
	session.BaseObserver

	stepsCounter      metric.Int64Counter
	stepDuration      metric.Float64Histogram
	iterationsCounter metric.Int64Counter
	scoreHistogram    metric.Int64Histogram
	stopsCounter      metric.Int64Counter
	sessionsActive    metric.Int64UpDownCounter
	generationCost    metric.Float64Counter
}

// NewPipeline creates the instruments on the global meter provider.
func NewPipeline() (*Pipeline, error) {
	return NewPipelineWithMeter(otel.Meter(instrumentationName))
}

func NewPipelineWithMeter(meter metric.Meter) (*Pipeline, error) {
	stepsCounter, err := meter.Int64Counter(
		"archrefine.pipeline.steps",
		metric.WithDescription("Collaborator calls by step and outcome"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	stepDuration, err := meter.Float64Histogram(
		"archrefine.pipeline.step.duration",
		metric.WithDescription("Duration of collaborator calls in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	iterationsCounter, err := meter.Int64Counter(
		"archrefine.iterations",
		metric.WithDescription("Iterations appended to sessions"),
		metric.WithUnit("{iteration}"),
	)
	if err != nil {
		return nil, err
	}

	scoreHistogram, err := meter.Int64Histogram(
		"archrefine.iteration.score",
		metric.WithDescription("Overall judge score of scored iterations"),
		metric.WithUnit("1"),
		metric.WithExplicitBucketBoundaries(2, 4, 5, 6, 7, 8, 9, 10),
	)
	if err != nil {
		return nil, err
	}

	stopsCounter, err := meter.Int64Counter(
		"archrefine.autorefine.stops",
		metric.WithDescription("Auto-refine loops stopped, by reason"),
		metric.WithUnit("{stop}"),
	)
	if err != nil {
		return nil, err
	}

	sessionsActive, err := meter.Int64UpDownCounter(
		"archrefine.sessions.active",
		metric.WithDescription("Number of live refinement sessions"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, err
	}

	generationCost, err := meter.Float64Counter(
		"archrefine.generation.cost",
		metric.WithDescription("Estimated image generation spend"),
		metric.WithUnit("USD"),
	)
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		stepsCounter:      stepsCounter,
		stepDuration:      stepDuration,
		iterationsCounter: iterationsCounter,
		scoreHistogram:    scoreHistogram,
		stopsCounter:      stopsCounter,
		sessionsActive:    sessionsActive,
		generationCost:    generationCost,
	}, nil
}

// RecordStep records one collaborator call.
func (p *Pipeline) RecordStep(ctx context.Context, _ string, step session.Step, outcome session.Outcome, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("step", string(step)),
		attribute.String("outcome", string(outcome)),
	)
	p.stepsCounter.Add(ctx, 1, attrs)
	p.stepDuration.Record(ctx, elapsed.Seconds(), attrs)
}

func (p *Pipeline) OnSessionCreated(*session.Session) {
	p.sessionsActive.Add(context.Background(), 1)
}

func (p *Pipeline) OnSessionClosed(*session.Session, bool) {
	p.sessionsActive.Add(context.Background(), -1)
}

func (p *Pipeline) OnIterationAppended(_ string, it *models.Iteration) {
	ctx := context.Background()
	p.iterationsCounter.Add(ctx, 1,
		metric.WithAttributes(attribute.Bool("scored", it.Scored())),
	)
	if it.Scored() {
		p.scoreHistogram.Record(ctx, int64(*it.OverallScore))
	}
}

func (p *Pipeline) OnAutoRefineStopped(_ string, reason session.StopReason) {
	p.stopsCounter.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("reason", string(reason))),
	)
}

// RecordGenerationCost adds the estimated spend of one generate call.
func (p *Pipeline) RecordGenerationCost(ctx context.Context, model string, usd float64) {
	p.generationCost.Add(ctx, usd, metric.WithAttributes(attribute.String("model", model)))
}
