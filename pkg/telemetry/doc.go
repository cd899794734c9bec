// Package telemetry provides the observability stack of blueprintd.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and an asynchronous event publisher
// that can mirror events to Redis pub/sub.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// # Structured Logging
//
// Loggers are scoped per component and carry instance and session fields:
//
//	logger := tel.Logger.NewComponentLogger("engine")
//	logger.WithInstanceID(id).WithSessionID(sid).Info("Session queued")
//
// # Tracing
//
// Every execution segment of a session gets a span, and every handler
// invocation a child span:
//
//	ctx, span := tel.Tracer.StartSessionSpan(ctx, instanceID, sessionID, "create")
//	defer span.End()
//
// A nil *Tracer starts no-op spans, so components can be built without tracing.
//
// # Metrics
//
// Exposed metrics, prefixed with the configured namespace:
//
//  - sessions_started_total{type,operation}
//  - sessions_completed_total{type,operation,outcome}
//  - session_duration_seconds{type,operation,outcome}
//  - sessions_rejected_total{type,code}
//  - stray_callbacks_total{type}
//  - handler_calls_total{type,handler,list,status}
//  - handler_duration_seconds{type,list}
//  - active_workers
//  - worker_recoveries_total
//  - address_reservations_total{network,result}
//  - pool_addresses_reserved{network,pool}
//  - notifications_total{outcome,status}
//  - errors_by_class_total{class}
//  - errors_by_code_total{code}
//
// A nil or disabled *Metrics ignores every call.
//
// # Events
//
// The EventPublisher buffers events and fans them out to subscribers. When
// Events.Redis is enabled, NewTelemetry subscribes a RedisSink that publishes
// each event as JSON on the channel ChannelPrefix + Topic.
package telemetry
