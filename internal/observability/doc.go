// Package observability wires structured logging, Prometheus metrics and
// OpenTelemetry tracing for the call pipeline.
//
// Logging is plain log/slog with a handler that redacts credentials and
// copies call correlation fields (request id, call id, turn) from the
// context into every record:
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "info"})
//	ctx = observability.AddCallID(ctx, callSID)
//	logger.InfoContext(ctx, "turn applied", "stage", "reply")
//
// Metrics are registered on an explicit prometheus.Registerer so tests can
// use a private registry:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.ObserveStage("transcribe", "deepgram", "success", elapsed)
//
// Tracing exports over OTLP/gRPC when an endpoint is configured and falls
// back to a no-op tracer otherwise.
package observability
