// Package subscription tracks active client requests for resolved transform
// pairs. The Registry owns every Subscription for the process lifetime; a
// rate or pair change is expressed as cancel-then-create, never as mutation
// of a live subscription.
package subscription

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tessel-la/robo-boy/errors"
	"github.com/tessel-la/robo-boy/tfgraph"
)

// Config carries per-subscription output tuning. Thresholds suppress
// republishing of pairs whose pose moved less than the threshold since the
// last emitted batch; zero disables suppression.
type Config struct {
	// AngularThreshold is the minimum rotation change in radians before a
	// pair is re-emitted.
	AngularThreshold float64 `json:"angular_threshold"`

	// TranslationThreshold is the minimum translation change in meters
	// before a pair is re-emitted.
	TranslationThreshold float64 `json:"translation_threshold"`
}

// Validate checks threshold sanity.
func (c Config) Validate() error {
	if c.AngularThreshold < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("angular threshold %f must not be negative", c.AngularThreshold),
			"subscription", "Validate", "threshold validation")
	}
	if c.TranslationThreshold < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("translation threshold %f must not be negative", c.TranslationThreshold),
			"subscription", "Validate", "threshold validation")
	}
	return nil
}

// Subscription is one client request: an ordered set of frame pairs and the
// rate at which their resolutions should be republished. Immutable after
// creation.
type Subscription struct {
	ID        string        `json:"id"`
	Pairs     []tfgraph.Pair `json:"pairs"`
	Rate      float64       `json:"rate"`
	Config    Config        `json:"config"`
	CreatedAt time.Time     `json:"created_at"`
}

// Registry is the shared table of active subscriptions. Safe for concurrent
// use; List returns a point-in-time copy so callers never observe structural
// changes mid-iteration.
type Registry struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	logger *slog.Logger
}

// NewRegistry creates an empty registry. A nil logger falls back to
// slog.Default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default().With("component", "subscription-registry")
	}
	return &Registry{
		subs:   make(map[string]*Subscription),
		logger: logger,
	}
}

// Create registers a new subscription and returns it. IDs are random UUIDs,
// unique for the process lifetime. The pair slice is copied so the caller
// cannot mutate the stored subscription afterwards.
func (r *Registry) Create(pairs []tfgraph.Pair, rate float64, cfg Config) (*Subscription, error) {
	if len(pairs) == 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("subscription needs at least one frame pair"),
			"subscription-registry", "Create", "pair validation")
	}
	for _, p := range pairs {
		if p.Source == "" || p.Target == "" {
			return nil, errors.WrapInvalid(
				fmt.Errorf("pair %q -> %q has an empty frame name", p.Source, p.Target),
				"subscription-registry", "Create", "pair validation")
		}
	}
	if rate <= 0 {
		return nil, errors.WrapInvalid(errors.ErrRateOutOfRange,
			"subscription-registry", "Create", "rate validation")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "subscription-registry", "Create", "config validation")
	}

	sub := &Subscription{
		ID:        uuid.NewString(),
		Pairs:     append([]tfgraph.Pair(nil), pairs...),
		Rate:      rate,
		Config:    cfg,
		CreatedAt: time.Now(),
	}

	r.mu.Lock()
	r.subs[sub.ID] = sub
	r.mu.Unlock()

	r.logger.Debug("Subscription created",
		"subscription_id", sub.ID,
		"pairs", len(sub.Pairs),
		"rate_hz", sub.Rate)
	return sub, nil
}

// Cancel removes a subscription. Cancelling an unknown or already-cancelled
// id is a no-op; the return value reports whether this call removed it.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	_, existed := r.subs[id]
	delete(r.subs, id)
	r.mu.Unlock()

	if existed {
		r.logger.Debug("Subscription cancelled", "subscription_id", id)
	}
	return existed
}

// Get returns the subscription for id, if present.
func (r *Registry) Get(id string) (*Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[id]
	return sub, ok
}

// List returns a point-in-time copy of all active subscriptions.
func (r *Registry) List() []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		out = append(out, sub)
	}
	return out
}

// Len returns the number of active subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}
