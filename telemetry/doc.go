/*
Package telemetry implements the broker's Observability component (L8):
counters, gauges, and histograms over the taxonomy spec §4.8 names, a
small alert rule engine with severity bands and cooldown de-duplication,
and the broker-health rollup derived from per-server health.

The package is a thin domain layer over go.opentelemetry.io/otel's metric
API (MetricInstruments, adapted from the teacher's generic instrument
cache) - it never picks an exporter itself, matching spec §1's explicit
exclusion of "metrics export format details": the embedding application
wires whatever OTel exporter (OTLP, stdout, Prometheus bridge) it wants
onto the global MeterProvider, and everything recorded here rides along.

Usage:

	instruments := telemetry.NewMetricInstruments("metamcp-broker")
	metrics := telemetry.NewBrokerMetrics(instruments)
	metrics.RecordToolCall(ctx, "developer", "claude-context", "search", nil)

	alerts := telemetry.NewAlertEngine(telemetry.DefaultAlertCooldown)
	if alerts.Raise(telemetry.AlertWarning, "budget-warning:"+sessionID, "budget at 80%") {
	    logger.Warn(...)
	}
*/
package telemetry
