// Package retry keeps re-attempting connection establishment with
// exponential backoff until it succeeds or the context ends.
package retry

import (
	"context"
	"time"

	"agroflow/internal/platform/observability"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Reconnect timing.
const (
	InitialInterval = 500 * time.Millisecond
	MaxInterval     = 30 * time.Second
)

// NewBackOff returns an exponential backoff that never gives up on its own.
func NewBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = InitialInterval
	b.MaxInterval = MaxInterval
	b.MaxElapsedTime = 0
	return b
}

// Forever runs op until it returns nil, a permanent error, or ctx is done.
func Forever(ctx context.Context, logger observability.Logger, what string, op func() error) error {
	notify := func(err error, next time.Duration) {
		logger.Warn("🔁 Retrying "+what,
			zap.Error(err),
			zap.Duration("next_attempt_in", next),
		)
	}
	return backoff.RetryNotify(op, backoff.WithContext(NewBackOff(), ctx), notify)
}

// Permanent stops Forever without further attempts.
func Permanent(err error) error { return backoff.Permanent(err) }

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
