package metrics

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type CounterType string

const (
	PageFaultsMeterName CounterType = "pager.faults"
	EvictionsMeterName  CounterType = "pager.evictions"
	SwapOutsMeterName   CounterType = "pager.swap.out"
	SwapInsMeterName    CounterType = "pager.swap.in"
	KillsMeterName      CounterType = "pager.kills"
)

type UpDownCounterType string

const (
	FramesInUseMeterName UpDownCounterType = "pager.phys.frames_in_use"
)

var (
	meter     = otel.GetMeterProvider().Meter("github.com/e2b-dev/infra/packages/pager")
	meterLock = sync.Mutex{}

	counters       = make(map[CounterType]metric.Int64Counter)
	upDownCounters = make(map[UpDownCounterType]metric.Int64UpDownCounter)
)

var counterDesc = map[CounterType]string{
	PageFaultsMeterName: "Number of page faults handled, by cause.",
	EvictionsMeterName:  "Number of resident pages evicted to reclaim a frame.",
	SwapOutsMeterName:   "Number of pages written to a swap slot.",
	SwapInsMeterName:    "Number of pages read back from a swap slot.",
	KillsMeterName:      "Number of processes killed by the fault handler, by reason.",
}

var counterUnits = map[CounterType]string{
	PageFaultsMeterName: "{fault}",
	EvictionsMeterName:  "{page}",
	SwapOutsMeterName:   "{page}",
	SwapInsMeterName:    "{page}",
	KillsMeterName:      "{process}",
}

var upDownCounterDesc = map[UpDownCounterType]string{
	FramesInUseMeterName: "Number of physical frames currently allocated.",
}

var upDownCounterUnits = map[UpDownCounterType]string{
	FramesInUseMeterName: "{frame}",
}

func GetCounter(name CounterType) (metric.Int64Counter, error) {
	meterLock.Lock()
	defer meterLock.Unlock()

	if counter, ok := counters[name]; ok {
		return counter, nil
	}

	counter, err := meter.Int64Counter(string(name), metric.WithDescription(counterDesc[name]), metric.WithUnit(counterUnits[name]))
	if err != nil {
		return nil, err
	}

	counters[name] = counter

	return counter, nil
}

func GetUpDownCounter(name UpDownCounterType) (metric.Int64UpDownCounter, error) {
	meterLock.Lock()
	defer meterLock.Unlock()

	if counter, ok := upDownCounters[name]; ok {
		return counter, nil
	}

	counter, err := meter.Int64UpDownCounter(string(name), metric.WithDescription(upDownCounterDesc[name]), metric.WithUnit(upDownCounterUnits[name]))
	if err != nil {
		return nil, err
	}

	upDownCounters[name] = counter

	return counter, nil
}

// Add increments the named counter, dropping the sample if the instrument
// could not be created.
func Add(ctx context.Context, name CounterType, attrs ...attribute.KeyValue) {
	counter, err := GetCounter(name)
	if err != nil {
		return
	}

	counter.Add(ctx, 1, metric.WithAttributes(attrs...))
}
