// Package natsmirror republishes resolved transform batches onto the NATS
// bus so non-WebSocket consumers can attach to a subscription's output.
// Used as a best-effort mirror behind the scheduler's fan-out; delivery
// failures never affect the owning subscription.
package natsmirror

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/tessel-la/robo-boy/errors"
	"github.com/tessel-la/robo-boy/natsclient"
	"github.com/tessel-la/robo-boy/scheduler"
)

// DefaultSubjectPrefix is where resolved batches are published:
// <prefix>.<subscription id>.
const DefaultSubjectPrefix = "tf.resolved"

// Sink publishes each batch to a per-subscription NATS subject.
type Sink struct {
	client *natsclient.Client
	prefix string
	logger *slog.Logger

	published atomic.Int64
	failed    atomic.Int64
}

var _ scheduler.Sink = (*Sink)(nil)

// NewSink creates a mirror sink. An empty prefix falls back to
// DefaultSubjectPrefix.
func NewSink(client *natsclient.Client, prefix string, logger *slog.Logger) (*Sink, error) {
	if client == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("nil NATS client"),
			"natsmirror", "NewSink", "dependency validation")
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default().With("component", "natsmirror")
	}
	return &Sink{client: client, prefix: prefix, logger: logger}, nil
}

// SubjectFor returns the publish subject for one subscription.
func (s *Sink) SubjectFor(subscriptionID string) string {
	return s.prefix + "." + subscriptionID
}

// TrySend publishes the batch. NATS has its own buffering, so this never
// reports backpressure; connection failures surface as transient errors for
// the fan-out to log.
func (s *Sink) TrySend(ctx context.Context, batch scheduler.Batch) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return errors.WrapInvalid(err, "natsmirror", "TrySend", "batch encoding")
	}

	if err := s.client.Publish(ctx, s.SubjectFor(batch.SubscriptionID), data); err != nil {
		s.failed.Add(1)
		return errors.WrapTransient(err, "natsmirror", "TrySend", "NATS publish")
	}

	s.published.Add(1)
	return nil
}

// Stats returns publish success and failure counts.
func (s *Sink) Stats() (published, failed int64) {
	return s.published.Load(), s.failed.Load()
}
