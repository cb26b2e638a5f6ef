package telemetry

import (
	"context"
	"fmt"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// InitMetrics installs a meter provider backed by a Prometheus exporter on
// its own registry. It returns the provider, the scrape handler and a
// shutdown function.
func InitMetrics() (metric.MeterProvider, http.Handler, func(context.Context) error, error) {
	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
	return provider, handler, provider.Shutdown, nil
}

// Instruments are the counters the dispatch service and reconcilers update.
type Instruments struct {
	AgentsMarkedOffline  metric.Int64Counter
	CommandsTimedOut     metric.Int64Counter
	CommandsEnqueued     metric.Int64Counter
	CommandsAcknowledged metric.Int64Counter
	LateAcks             metric.Int64Counter
	SweepErrors          metric.Int64Counter
	SweepDuration        metric.Float64Histogram
}

// NewInstruments registers the hive instruments on provider.
func NewInstruments(provider metric.MeterProvider) (*Instruments, error) {
	meter := provider.Meter("github.com/opszero/hive")
	var (
		inst Instruments
		err  error
	)
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&inst.AgentsMarkedOffline, "hive_agents_marked_offline", "Agents moved to offline by the liveness sweep"},
		{&inst.CommandsTimedOut, "hive_commands_timed_out", "Commands expired by the timeout sweep"},
		{&inst.CommandsEnqueued, "hive_commands_enqueued", "Commands accepted for dispatch"},
		{&inst.CommandsAcknowledged, "hive_commands_acknowledged", "Terminal acknowledgements applied, by status"},
		{&inst.LateAcks, "hive_late_acks", "Acknowledgements ignored because the command had already left executing"},
		{&inst.SweepErrors, "hive_sweep_errors", "Reconciler sweeps that returned an error"},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, fmt.Errorf("register %s: %w", c.name, err)
		}
	}
	if inst.SweepDuration, err = meter.Float64Histogram("hive_sweep_duration_seconds",
		metric.WithDescription("Wall time of reconciler sweeps"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("register hive_sweep_duration_seconds: %w", err)
	}
	return &inst, nil
}

// NoopInstruments returns instruments that record nothing.
func NoopInstruments() *Instruments {
	inst, _ := NewInstruments(noop.NewMeterProvider())
	return inst
}
