package telemetry

import "go.opentelemetry.io/otel/metric"

type (
	CounterType                 string
	HistogramType               string
	ObservableUpDownCounterType string
	GaugeIntType                string
)

const (
	MappingMutationsCounterName    CounterType = "membacking.mapping.mutations"
	MappingTranslationsCounterName CounterType = "membacking.mapping.translations"
	ObjectCacheOpensCounterName    CounterType = "membacking.objectcache.opens"
	ObjectCacheClosesCounterName   CounterType = "membacking.objectcache.closes"
)

const (
	MappingQuiesceDurationHistogramName HistogramType = "membacking.mapping.quiesce.duration"
)

const (
	MappingEntriesMeterName    ObservableUpDownCounterType = "membacking.mapping.entries"
	ObjectCacheOpenObjectsName ObservableUpDownCounterType = "membacking.objectcache.objects.open"
	MappingActiveVaMappersName ObservableUpDownCounterType = "membacking.mapping.va_mappers.active"
	MappingDeferredHandlesName ObservableUpDownCounterType = "membacking.mapping.deferred.handles"
)

const (
	MappingGenerationGaugeName GaugeIntType = "membacking.mapping.generation"
)

var counterDesc = map[CounterType]string{
	MappingMutationsCounterName:    "Number of structural mutations of the guest range table.",
	MappingTranslationsCounterName: "Number of guest physical address translations.",
	ObjectCacheOpensCounterName:    "Number of backing objects opened by the object cache.",
	ObjectCacheClosesCounterName:   "Number of backing objects closed by the object cache.",
}

var counterUnits = map[CounterType]string{
	MappingMutationsCounterName:    "{mutation}",
	MappingTranslationsCounterName: "{translation}",
	ObjectCacheOpensCounterName:    "{object}",
	ObjectCacheClosesCounterName:   "{object}",
}

var histogramDesc = map[HistogramType]string{
	MappingQuiesceDurationHistogramName: "Time spent waiting for translators to pass a reclamation point.",
}

var histogramUnits = map[HistogramType]string{
	MappingQuiesceDurationHistogramName: "us",
}

var observableUpDownCounterDesc = map[ObservableUpDownCounterType]string{
	MappingEntriesMeterName:    "Guest ranges currently present in the range table.",
	ObjectCacheOpenObjectsName: "Backing objects currently mapped into the process.",
	MappingActiveVaMappersName: "Registered VA mappers.",
	MappingDeferredHandlesName: "Backing objects waiting for deferred reclamation.",
}

var observableUpDownCounterUnits = map[ObservableUpDownCounterType]string{
	MappingEntriesMeterName:    "{range}",
	ObjectCacheOpenObjectsName: "{object}",
	MappingActiveVaMappersName: "{mapper}",
	MappingDeferredHandlesName: "{object}",
}

var gaugeIntDesc = map[GaugeIntType]string{
	MappingGenerationGaugeName: "Current generation of the guest range table.",
}

var gaugeIntUnits = map[GaugeIntType]string{
	MappingGenerationGaugeName: "{generation}",
}

func GetCounter(meter metric.Meter, name CounterType) (metric.Int64Counter, error) {
	desc := counterDesc[name]
	unit := counterUnits[name]
	return meter.Int64Counter(string(name),
		metric.WithDescription(desc),
		metric.WithUnit(unit),
	)
}

func GetHistogram(meter metric.Meter, name HistogramType) (metric.Int64Histogram, error) {
	desc := histogramDesc[name]
	unit := histogramUnits[name]
	return meter.Int64Histogram(string(name),
		metric.WithDescription(desc),
		metric.WithUnit(unit),
	)
}

func GetObservableUpDownCounter(meter metric.Meter, name ObservableUpDownCounterType, callback metric.Int64Callback) (metric.Int64ObservableUpDownCounter, error) {
	desc := observableUpDownCounterDesc[name]
	unit := observableUpDownCounterUnits[name]
	return meter.Int64ObservableUpDownCounter(string(name),
		metric.WithDescription(desc),
		metric.WithUnit(unit),
		metric.WithInt64Callback(callback),
	)
}

func GetGaugeInt(meter metric.Meter, name GaugeIntType, callback metric.Int64Callback) (metric.Int64ObservableGauge, error) {
	desc := gaugeIntDesc[name]
	unit := gaugeIntUnits[name]
	return meter.Int64ObservableGauge(string(name),
		metric.WithDescription(desc),
		metric.WithUnit(unit),
		metric.WithInt64Callback(callback),
	)
}
