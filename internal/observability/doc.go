// Package observability provides structured logging, context propagation and
// Prometheus metrics for the triage service.
//
// Build a logger once at startup and hand it to every component:
//
//	logger := observability.NewLogger(observability.LoggingConfig{
//	    Level:  "info",
//	    Format: "json",
//	    Output: "stdout",
//	})
//
// Components derive their own child loggers with a "component" field. Per-job
// fields travel on the context:
//
//	ctx = observability.WithQueueItemID(ctx, item.ID.String())
//	ctx = observability.WithPaperID(ctx, item.PaperID.String())
//	log := observability.LoggerFromContext(ctx, logger)
//
// Metrics are registered under one namespace and recorded through the
// Record* methods:
//
//	metrics := observability.NewMetrics("biosecurity_triage")
//	metrics.RecordJob("completed", elapsed.Seconds())
//
// Standard log fields:
//
//   - request_id: inbound HTTP request identifier
//   - correlation_id: identifier carried across Kafka and HTTP hops
//   - queue_item_id: assessment queue row
//   - paper_id: paper under assessment
//   - component: emitting subsystem
package observability
