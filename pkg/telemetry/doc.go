// Package telemetry provides logging, metrics, tracing, and event publishing
// for the stackd daemon.
//
// # Overview
//
// All observability concerns share one Config. Logging is structured zerolog
// output (console or JSON), metrics are Prometheus collectors behind a
// dedicated registry, and tracing uses OpenTelemetry with OTLP or stdout
// exporters. The EventBus implements the engine's event publisher boundary:
// every deployment and supervision event is logged, appended to the state
// store's timeline, and fanned out to in-process subscribers.
//
// # Usage Example
//
//	cfg := telemetry.DefaultConfig()
//	logger, err := telemetry.NewLogger(cfg.Logging)
//	if err != nil {
//	    panic(err)
//	}
//
//	metrics, _ := telemetry.NewMetrics(cfg.Metrics)
//	bus := telemetry.NewEventBus(logger.Zerolog(), store)
package telemetry
