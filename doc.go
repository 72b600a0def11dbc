// Package roboboy is a transform-tree web republisher: it consumes a
// high-frequency stream of coordinate-frame transforms, maintains a bounded
// time-indexed graph of them, and republishes client-requested frame-pair
// resolutions at reduced rates suitable for browser consumers.
//
// The pipeline, leaf first:
//
//   - tfgraph: the transform graph store (bounded per-edge history,
//     immutable snapshots) and the pure chain resolver.
//   - subscription: the registry of active client requests.
//   - scheduler: one rate-clamped republish loop per subscription, with
//     drop-newest backpressure toward the output sink.
//   - session: the goal state machine bridging client requests and
//     disconnects to the registry and scheduler.
//   - input/transform: NATS consumer feeding the store.
//   - output/websocket: the web-facing transport, serving batches and
//     accepting subscribe/unsubscribe envelopes.
//   - output/natsmirror: optional best-effort republish of batches onto
//     the NATS bus.
//
// Everything is in-memory and transient: a process restart loses all
// subscriptions and clients must re-request.
package roboboy
