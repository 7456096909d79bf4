// Package knightbus is a transport-agnostic message processing engine.
//
// A Service hosts typed handlers. Each handler gets a message pump that
// fetches batches from its queue, bounds concurrency with a gate and runs
// every message through a middleware pipeline that settles it exactly once:
// Complete on success, AbandonByError on failure, DeadLetter once the
// delivery count passes the configured limit.
//
// Handlers are registered with RegisterCommandHandler, RegisterEventHandler,
// RegisterRequestHandler, RegisterStreamHandler or RegisterSagaHandler.
// Singleton handlers only run on the instance holding a lease from the lock
// manager; saga handlers load and persist saga state around the processor.
//
// # Transports
//
// Config.PubSubSystem selects the transport. Import
// github.com/BookBeat/knightbus-sub001/transport/transports to register all
// built-in transports, or import the ones you need:
//   - sqs, nats-jetstream, postgres, sqlite: native message locks, lock
//     renewal and delivery counts
//   - channel, kafka, rabbitmq, nats, aws, http: Watermill pub/subs bridged
//     with emulated locks and dead-letter topics
//
// # Storage
//
// Config.LockBackend and Config.SagaBackend select where singleton leases
// and saga state live: memory, postgres, sqlite or a NATS KV bucket.
//
// # Observability
//
// Every handler keeps live statistics exposed by Service.Handlers and, when
// metrics are enabled, on /api/handlers next to the Prometheus /metrics
// endpoint. The default middleware chain opens OpenTelemetry consumer spans.
package knightbus
