package mapping

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/e2b-dev/infra/packages/membacking/internal/telemetry"
)

const (
	operation          = "operation"
	operationInsert    = "insert"
	operationRemove    = "remove"
	operationReplace   = "replace"
	operationRemoveAll = "remove-within"
	operationClose     = "close"

	result            = "result"
	resultTypeSuccess = "success"
	resultTypeFailure = "failure"

	failureReason = "failure-reason"

	failureTypeOverlap     = "overlap-conflict"
	failureTypeNotMapped   = "not-mapped"
	failureTypeBacking     = "backing-unavailable"
	failureTypeTimeout     = "removal-timed-out"
	failureTypeInvalid     = "invalid-range"
	failureTypeClosed      = "closed"
	failureTypeOther       = "other"
	translationTypeHit     = "hit"
	translationTypeMiss    = "miss"
	translationTypeFault   = "fault"
	translationKindAttrKey = "kind"
)

type metrics struct {
	mutations    metric.Int64Counter
	translations metric.Int64Counter
	quiesce      metric.Int64Histogram
}

func newMetrics(meterProvider metric.MeterProvider, m *Manager) (*metrics, error) {
	meter := meterProvider.Meter("internal.mapping")

	mutations, err := telemetry.GetCounter(meter, telemetry.MappingMutationsCounterName)
	if err != nil {
		return nil, fmt.Errorf("failed to get mutations metric: %w", err)
	}

	translations, err := telemetry.GetCounter(meter, telemetry.MappingTranslationsCounterName)
	if err != nil {
		return nil, fmt.Errorf("failed to get translations metric: %w", err)
	}

	quiesce, err := telemetry.GetHistogram(meter, telemetry.MappingQuiesceDurationHistogramName)
	if err != nil {
		return nil, fmt.Errorf("failed to get quiesce duration metric: %w", err)
	}

	_, err = telemetry.GetObservableUpDownCounter(meter, telemetry.MappingEntriesMeterName, func(_ context.Context, observer metric.Int64Observer) error {
		observer.Observe(int64(m.len()))

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get entries metric: %w", err)
	}

	_, err = telemetry.GetObservableUpDownCounter(meter, telemetry.MappingActiveVaMappersName, func(_ context.Context, observer metric.Int64Observer) error {
		observer.Observe(int64(m.readers.count()))

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get va mappers metric: %w", err)
	}

	_, err = telemetry.GetObservableUpDownCounter(meter, telemetry.MappingDeferredHandlesName, func(_ context.Context, observer metric.Int64Observer) error {
		observer.Observe(m.deferredCount.Load())

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get deferred handles metric: %w", err)
	}

	_, err = telemetry.GetGaugeInt(meter, telemetry.MappingGenerationGaugeName, func(_ context.Context, observer metric.Int64Observer) error {
		observer.Observe(int64(m.generation.Load()))

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get generation metric: %w", err)
	}

	return &metrics{
		mutations:    mutations,
		translations: translations,
		quiesce:      quiesce,
	}, nil
}

func (mt *metrics) recordMutation(ctx context.Context, op string, err error) {
	if err == nil {
		mt.mutations.Add(ctx, 1, metric.WithAttributes(
			attribute.String(operation, op),
			attribute.String(result, resultTypeSuccess),
		))

		return
	}

	mt.mutations.Add(ctx, 1, metric.WithAttributes(
		attribute.String(operation, op),
		attribute.String(result, resultTypeFailure),
		attribute.String(failureReason, failureType(err)),
	))
}

func (mt *metrics) recordQuiesce(ctx context.Context, d time.Duration, err error) {
	res := resultTypeSuccess
	if err != nil {
		res = resultTypeFailure
	}

	mt.quiesce.Record(ctx, d.Microseconds(), metric.WithAttributes(attribute.String(result, res)))
}

func (mt *metrics) recordTranslations(ctx context.Context, stats TranslationStats) {
	if stats.Hits > 0 {
		mt.translations.Add(ctx, int64(stats.Hits), metric.WithAttributes(attribute.String(translationKindAttrKey, translationTypeHit)))
	}

	if stats.Misses > 0 {
		mt.translations.Add(ctx, int64(stats.Misses), metric.WithAttributes(attribute.String(translationKindAttrKey, translationTypeMiss)))
	}

	if stats.Faults > 0 {
		mt.translations.Add(ctx, int64(stats.Faults), metric.WithAttributes(attribute.String(translationKindAttrKey, translationTypeFault)))
	}
}

func failureType(err error) string {
	switch {
	case errors.Is(err, ErrOverlapConflict):
		return failureTypeOverlap
	case errors.Is(err, ErrNotMapped):
		return failureTypeNotMapped
	case errors.Is(err, ErrBackingUnavailable):
		return failureTypeBacking
	case errors.Is(err, ErrRemovalTimedOut):
		return failureTypeTimeout
	case errors.Is(err, ErrInvalidRange):
		return failureTypeInvalid
	case errors.Is(err, ErrClosed):
		return failureTypeClosed
	default:
		return failureTypeOther
	}
}
