package scheduler

import (
	"context"
	"log/slog"
)

// Sink accepts resolved transform batches from the scheduler. TrySend must
// never block past the sink's own admission check: a sink that cannot take
// the batch right now returns errors.ErrBackpressure and the scheduler drops
// the batch rather than queueing it.
type Sink interface {
	TrySend(ctx context.Context, batch Batch) error
}

// FanOut delivers each batch to one primary sink plus any number of
// best-effort mirrors. Only the primary's verdict counts: mirror failures
// are logged and swallowed so a slow mirror can never fail a subscription.
type FanOut struct {
	primary Sink
	mirrors []Sink
	logger  *slog.Logger
}

// NewFanOut wraps primary with best-effort mirrors.
func NewFanOut(logger *slog.Logger, primary Sink, mirrors ...Sink) *FanOut {
	if logger == nil {
		logger = slog.Default().With("component", "sink-fanout")
	}
	return &FanOut{primary: primary, mirrors: mirrors, logger: logger}
}

// TrySend forwards the batch to every mirror, then to the primary. The
// primary's error is returned unchanged.
func (f *FanOut) TrySend(ctx context.Context, batch Batch) error {
	for _, m := range f.mirrors {
		if err := m.TrySend(ctx, batch); err != nil {
			f.logger.Debug("Mirror sink rejected batch",
				"subscription_id", batch.SubscriptionID,
				"error", err)
		}
	}
	return f.primary.TrySend(ctx, batch)
}
