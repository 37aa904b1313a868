package backing

import (
	stdctx "context"

	"go.opentelemetry.io/otel/metric"
)

// initTelemetry wires the optional OpenTelemetry instruments from a
// context's Config. Everything here is best effort; a failing meter only
// logs.
func (c *Context) initTelemetry(cfg Config) {
	c.meter, c.tracer = cfg.Meter, cfg.Tracer
	if c.meter == nil {
		return
	}
	gauge, err := c.meter.Int64ObservableGauge(
		"backing_store.reserved_address_space",
		metric.WithUnit("By"),
		metric.WithDescription("Virtual address space charged against the reservation ceiling."),
	)
	if err == nil {
		_, err = c.meter.RegisterCallback(func(_ stdctx.Context, o metric.Observer) error {
			o.ObserveInt64(gauge, int64(ReservedAddressSpace()))
			return nil
		}, gauge)
	}
	if err != nil {
		internalLogger.warnf("context %s: otel gauge: %v", c.name, err)
	}
}

// allocationSpan opens a span around a managed allocation when a tracer
// is configured; the returned func ends it.
func (c *Context) allocationSpan(name string) func() {
	if c.tracer == nil {
		return func() {}
	}
	_, span := c.tracer.Start(stdctx.Background(), name)
	return func() { span.End() }
}
