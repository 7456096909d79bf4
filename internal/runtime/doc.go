/*
Package runtime hosts the knightbus message-processing engine.

# Architecture Overview

A Service owns a Registry of typed handlers. Start builds one middleware
pipeline per handler and runs a message pump for each of them. Pumps fetch
messages from a transport receiver, bound concurrency with a gate and hand
every message to its pipeline, which settles it with exactly one of
Complete, AbandonByError or DeadLetter.

# Package Structure

## Core Service (service.go, registry.go, registration.go)

The Service wires together:
  - the handler registry and the typed Register* functions
  - the Watermill transport used by the default bridge receiver and Publish
  - the singleton lock manager and the saga store (backends.go)
  - the service middleware chain
  - HTTP servers for metrics and the handlers API

Singleton handlers run their pump inside lock.RunExclusive so only one
instance processes the queue at a time.

## Middleware (middleware.go, hooks.go)

Service middlewares wrap the processor of every handler:
  - Tracer: OpenTelemetry consumer spans
  - LogMessages: debug logging of payloads
  - LockExtension: message lock renewal
  - Throttle: a gate shared by all handlers
  - Attachments: out-of-band payloads
  - JobHooks: start/done/error callbacks

## Stats & Monitoring (models.go, resources.go, metrics.go, observe.go)

Per-handler statistics (outcomes, latency percentiles, throughput, error
categories) are recorded for every message and exposed by Handlers and the
/api/handlers endpoint. Prometheus collectors are registered when metrics
are enabled.

# Sub-packages

  - config/: Service configuration with validation
  - errors/: Sentinel errors
  - gate/: Concurrency gate
  - handlers/: Message state contract and processor interfaces
  - pump/: Polling loop
  - pipeline/: Middleware pipeline, scopes and invokers
  - lock/: Singleton lease manager and stores
  - saga/: Saga stores, mapper and activation middleware
  - codec/, jsoncodec/: Message encodings
  - ids/, logging/, metadata/, natskv/, sqlstore/: Shared helpers

# Usage Example

	cfg := &knightbus.Config{
		PubSubSystem: "nats",
		NATSURL:      "nats://localhost:4222",
		LockBackend:  "postgres",
		PostgresURL:  "postgres://localhost/app?sslmode=disable",
	}

	svc := knightbus.NewService(cfg, logger, ctx, knightbus.ServiceDependencies{})

	knightbus.RegisterCommandHandler(svc, knightbus.Registration[ShipOrder]{
		Name:  "ship-order",
		Queue: "orders.ship",
	}, knightbus.Instance[knightbus.Processor[ShipOrder]](shipper))

	svc.Start(ctx)
*/
package runtime
