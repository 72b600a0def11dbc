package tfgraph

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tessel-la/robo-boy/errors"
	"github.com/tessel-la/robo-boy/pkg/timestamp"
)

// StoreConfig tunes the graph store. The numeric values are reconstructed
// defaults; deployments tune them, they are not contracts.
type StoreConfig struct {
	// HistoryDepth is the bounded per-(parent,child) sample history.
	HistoryDepth int `json:"history_depth"`
	// MaxExtrapolation is how far a snapshot may reach beyond the nearest
	// sample before the edge is tagged stale.
	MaxExtrapolation time.Duration `json:"max_extrapolation"`
}

// DefaultStoreConfig returns the default store tuning.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		HistoryDepth:     100,
		MaxExtrapolation: 3 * time.Second,
	}
}

// Validate checks the store configuration.
func (c StoreConfig) Validate() error {
	if c.HistoryDepth <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: history_depth must be positive, got %d", errors.ErrInvalidConfig, c.HistoryDepth),
			"StoreConfig", "Validate", "check history depth")
	}
	if c.MaxExtrapolation <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: max_extrapolation must be positive, got %v", errors.ErrInvalidConfig, c.MaxExtrapolation),
			"StoreConfig", "Validate", "check extrapolation window")
	}
	return nil
}

// sample is one stored transform observation. Samples are immutable after
// creation; snapshots share them by reference.
type sample struct {
	tf Transform
	ts int64 // Unix milliseconds
}

// edgeHistory is a bounded ring of samples for one (parent, child) key.
// Timestamps are strictly increasing in storage order.
type edgeHistory struct {
	parent  string
	child   string
	samples []*sample
	head    int // next write position
	size    int
}

func (h *edgeHistory) append(s *sample) {
	h.samples[h.head] = s
	h.head = (h.head + 1) % len(h.samples)
	if h.size < len(h.samples) {
		h.size++
	}
}

// latest returns the newest stored sample, or nil when empty.
func (h *edgeHistory) latest() *sample {
	if h.size == 0 {
		return nil
	}
	idx := (h.head - 1 + len(h.samples)) % len(h.samples)
	return h.samples[idx]
}

// at returns the best sample for a query time: the newest sample at-or-before
// asOf, or the oldest stored sample when every sample is newer.
func (h *edgeHistory) at(asOf int64) *sample {
	if h.size == 0 {
		return nil
	}
	// Scan newest to oldest; histories are short (bounded ring).
	for i := 1; i <= h.size; i++ {
		idx := (h.head - i + len(h.samples)) % len(h.samples)
		if h.samples[idx].ts <= asOf {
			return h.samples[idx]
		}
	}
	// All samples are newer than asOf; closest is the oldest.
	oldest := (h.head - h.size + len(h.samples)) % len(h.samples)
	return h.samples[oldest]
}

type edgeKey struct {
	parent string
	child  string
}

// StoreStats exposes ingestion counters for observability.
type StoreStats struct {
	Ingested   int64
	Malformed  int64
	OutOfOrder int64
	EdgeCount  int
	FrameCount int
}

// Store is the transform graph store: the only shared mutable resource in the
// system. Ingestion appends immutable samples under a write lock; Snapshot
// copies sample references under a read lock, so resolution never observes a
// half-applied update.
type Store struct {
	mu     sync.RWMutex
	edges  map[edgeKey]*edgeHistory
	frames map[string]struct{}
	cfg    StoreConfig
	logger *slog.Logger

	ingested   atomic.Int64
	malformed  atomic.Int64
	outOfOrder atomic.Int64
}

// NewStore creates a transform graph store. A nil logger falls back to the
// default slog logger.
func NewStore(cfg StoreConfig, logger *slog.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		edges:  make(map[edgeKey]*edgeHistory),
		frames: make(map[string]struct{}),
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Ingest accepts one transform edge, appending to the bounded history for its
// (parent, child) key. Malformed edges (non-finite numerics, bad frame names)
// and out-of-order timestamps are rejected without touching stored history;
// both are logged and counted, never fatal.
func (s *Store) Ingest(edge Edge) error {
	if err := edge.Validate(); err != nil {
		s.malformed.Add(1)
		s.logger.Warn("Dropped malformed transform edge",
			"parent", edge.Parent, "child", edge.Child, "error", err)
		return err
	}

	if edge.Timestamp == 0 {
		edge.Timestamp = timestamp.Now()
	}

	key := edgeKey{parent: edge.Parent, child: edge.Child}

	s.mu.Lock()
	defer s.mu.Unlock()

	hist, ok := s.edges[key]
	if !ok {
		hist = &edgeHistory{
			parent:  edge.Parent,
			child:   edge.Child,
			samples: make([]*sample, s.cfg.HistoryDepth),
		}
		s.edges[key] = hist
		s.frames[edge.Parent] = struct{}{}
		s.frames[edge.Child] = struct{}{}
	}

	// Per-key timestamps must be strictly increasing; late arrivals are
	// rejected rather than reordered.
	if latest := hist.latest(); latest != nil && edge.Timestamp <= latest.ts {
		s.outOfOrder.Add(1)
		err := errors.WrapInvalid(
			fmt.Errorf("%w: %s->%s timestamp %d <= stored %d",
				errors.ErrStaleEdge, edge.Parent, edge.Child, edge.Timestamp, latest.ts),
			"Store", "Ingest", "check timestamp ordering")
		s.logger.Debug("Rejected out-of-order transform edge",
			"parent", edge.Parent, "child", edge.Child,
			"timestamp", edge.Timestamp, "latest", latest.ts)
		return err
	}

	hist.append(&sample{tf: edge.Transform, ts: edge.Timestamp})
	s.ingested.Add(1)
	return nil
}

// Snapshot returns an immutable view of the graph at the query time: for every
// (parent, child) key the most relevant stored sample at-or-before asOf, or
// the closest available sample. Edges whose sample is further from asOf than
// the max-extrapolation window are tagged stale.
func (s *Store) Snapshot(asOf time.Time) *Snapshot {
	asOfMs := timestamp.ToUnixMs(asOf)
	windowMs := s.cfg.MaxExtrapolation.Milliseconds()

	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &Snapshot{
		asOf:      asOfMs,
		adjacency: make(map[string][]snapEdge, len(s.frames)),
		frames:    len(s.frames),
	}

	for key, hist := range s.edges {
		smp := hist.at(asOfMs)
		if smp == nil {
			continue
		}

		delta := asOfMs - smp.ts
		if delta < 0 {
			delta = -delta
		}

		e := snapEdge{
			parent: key.parent,
			child:  key.child,
			tf:     smp.tf,
			ts:     smp.ts,
			stale:  delta > windowMs,
		}
		snap.adjacency[key.parent] = append(snap.adjacency[key.parent], e)
		snap.adjacency[key.child] = append(snap.adjacency[key.child], e)
	}

	return snap
}

// HistoryLen reports the number of stored samples for one key.
func (s *Store) HistoryLen(parent, child string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hist, ok := s.edges[edgeKey{parent: parent, child: child}]
	if !ok {
		return 0
	}
	return hist.size
}

// Frames returns the names of all frames ever seen.
func (s *Store) Frames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.frames))
	for f := range s.frames {
		out = append(out, f)
	}
	return out
}

// Stats returns ingestion counters.
func (s *Store) Stats() StoreStats {
	s.mu.RLock()
	edgeCount := len(s.edges)
	frameCount := len(s.frames)
	s.mu.RUnlock()

	return StoreStats{
		Ingested:   s.ingested.Load(),
		Malformed:  s.malformed.Load(),
		OutOfOrder: s.outOfOrder.Load(),
		EdgeCount:  edgeCount,
		FrameCount: frameCount,
	}
}
