package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/loykin/pgdesk/internal/fault"
	"github.com/loykin/pgdesk/internal/runtimecfg"
)

// Backoff shapes the wait between stop attempts.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// DefaultBackoff is used when a zero Backoff is passed.
var DefaultBackoff = Backoff{Initial: 500 * time.Millisecond, Max: 5 * time.Second}

func (b Backoff) policy(attempts int) backoff.BackOff {
	if b.Initial <= 0 {
		b.Initial = DefaultBackoff.Initial
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.Initial
	eb.MaxInterval = b.Max
	eb.MaxElapsedTime = 0
	return backoff.WithMaxRetries(eb, uint64(attempts-1))
}

// StopWithRetry repeats the full Stop ladder up to attempts times with
// exponential backoff in between. It returns STOP_FAILED while the server
// still holds the data directory.
func (s *Supervisor) StopWithRetry(ctx context.Context, cfg runtimecfg.RuntimeConfig, attempts int, b Backoff) error {
	if attempts < 1 {
		attempts = 1
	}
	n := 0
	err := backoff.Retry(func() error {
		n++
		err := s.Stop(ctx, cfg)
		if err != nil && !fault.Is(err, fault.StopFailed) {
			return backoff.Permanent(err)
		}
		if err != nil {
			s.Logger.Warn("stop attempt failed", "attempt", n, "of", attempts, "error", err)
		}
		return err
	}, backoff.WithContext(b.policy(attempts), ctx))
	if err == nil {
		return nil
	}
	var fe *fault.Error
	if !errors.As(err, &fe) {
		return fault.New(fault.StopFailed, "supervisor.stop", "the database server could not be stopped", err)
	}
	return err
}
