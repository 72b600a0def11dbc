// Package tfgraph maintains the transform graph: a time-indexed set of
// rigid-body transforms between named coordinate frames, fed continuously by
// the upstream transform stream.
//
// The package has two halves:
//
//   - Store: thread-safe ingestion of transform edges with a bounded
//     per-edge history ring, and production of immutable Snapshots.
//   - Resolve: a pure function over a Snapshot that composes the chain of
//     transforms relating two frames, walking edges in either direction.
//
// A Snapshot copies references to immutable samples, so chain resolution is
// internally consistent even while new edges arrive concurrently.
package tfgraph
