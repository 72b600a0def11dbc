package tfgraph

import (
	"fmt"
	"time"

	"github.com/tessel-la/robo-boy/errors"
	"github.com/tessel-la/robo-boy/pkg/timestamp"
)

// snapEdge is one edge inside a snapshot. Exactly one sample per
// (parent, child) key survives snapshot construction, so the most recent
// timestamp has already won any duplicate.
type snapEdge struct {
	parent string
	child  string
	tf     Transform
	ts     int64
	stale  bool
}

// Snapshot is an immutable view of the transform graph at a query timestamp.
// It is safe for concurrent use; resolution over a snapshot is pure
// computation and never blocks.
type Snapshot struct {
	asOf      int64
	adjacency map[string][]snapEdge
	frames    int
}

// AsOf returns the snapshot's query time.
func (s *Snapshot) AsOf() time.Time {
	return timestamp.FromUnixMs(s.asOf)
}

// HasFrame reports whether the frame appears in any stored edge.
func (s *Snapshot) HasFrame(name string) bool {
	_, ok := s.adjacency[name]
	return ok
}

// FrameCount returns the number of frames known to the snapshot.
func (s *Snapshot) FrameCount() int {
	return s.frames
}

// Resolve computes the net transform expressing target in the source frame by
// walking the snapshot's graph. Edges are traversable in either direction; an
// edge walked child→parent contributes its inverse. The result's timestamp is
// the oldest sample on the path (the weakest link), and the result is stale
// when any edge on the path is stale.
//
// source == target returns the identity transform at the snapshot's query
// time regardless of graph contents.
func Resolve(snap *Snapshot, source, target string) (Resolved, error) {
	if source == target {
		return Resolved{
			Source:    source,
			Target:    target,
			Transform: IdentityTransform(),
			Timestamp: snap.asOf,
		}, nil
	}

	if !snap.HasFrame(source) {
		return Resolved{}, errors.WrapInvalid(
			fmt.Errorf("%w: %q", errors.ErrUnknownFrame, source),
			"Resolver", "Resolve", "look up source frame")
	}
	if !snap.HasFrame(target) {
		return Resolved{}, errors.WrapInvalid(
			fmt.Errorf("%w: %q", errors.ErrUnknownFrame, target),
			"Resolver", "Resolve", "look up target frame")
	}

	path, ok := findPath(snap, source, target)
	if !ok {
		return Resolved{}, errors.WrapTransient(
			fmt.Errorf("%w: no path between %q and %q", errors.ErrNotConnected, source, target),
			"Resolver", "Resolve", "walk transform graph")
	}

	acc := IdentityTransform()
	oldest := snap.asOf
	stale := false
	at := source
	for _, e := range path {
		step := e.tf
		next := e.child
		if e.child == at {
			// Walking against the edge direction
			step = e.tf.Inverse()
			next = e.parent
		}
		acc = acc.Compose(step)
		if e.ts < oldest {
			oldest = e.ts
		}
		stale = stale || e.stale
		at = next
	}

	return Resolved{
		Source:    source,
		Target:    target,
		Transform: acc,
		Timestamp: oldest,
		Stale:     stale,
	}, nil
}

// findPath runs a breadth-first walk from source to target treating edges as
// undirected, returning the edge sequence along the discovered path.
func findPath(snap *Snapshot, source, target string) ([]snapEdge, bool) {
	type hop struct {
		frame string
		via   snapEdge
		prev  *hop
	}

	visited := map[string]bool{source: true}
	queue := []*hop{{frame: source}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		if cur.frame == target {
			// Reconstruct the edge sequence source→target
			var rev []snapEdge
			for h := cur; h.prev != nil; h = h.prev {
				rev = append(rev, h.via)
			}
			path := make([]snapEdge, len(rev))
			for i := range rev {
				path[i] = rev[len(rev)-1-i]
			}
			return path, true
		}

		for _, e := range snap.adjacency[cur.frame] {
			next := e.child
			if next == cur.frame {
				next = e.parent
			}
			if visited[next] {
				continue
			}
			visited[next] = true
			queue = append(queue, &hop{frame: next, via: e, prev: cur})
		}
	}

	return nil, false
}
