// Package telemetry wires the OpenTelemetry SDK into deployd.
//
// It builds trace, metric, and log providers exporting over OTLP and
// installs them as the process globals, so instrumented packages can
// use otel.Tracer and friends without holding a reference. Export
// failures degrade to no-op providers instead of failing startup.
//
// Configuration lives under the telemetry section:
//
//	telemetry:
//	  enabled: true
//	  endpoint: "localhost:4317"
//	  protocol: "grpc"
//	  sample_rate: 1.0
//	  metric_interval: "15s"
package telemetry
