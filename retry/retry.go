// Package retry runs a single network operation with a bounded number of retries
// and a linear backoff between attempts.
package retry

import (
	"context"
	"fmt"
	"time"

	utilsretry "github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

// DefaultMaxAttempts is the number of retries after the initial attempt.
const DefaultMaxAttempts = 5

// Classifier reports whether a failed attempt is worth retrying.
type Classifier func(err error) bool

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Policy describes how an operation is retried.
// A Policy holds no attempt state, each Do call counts its own attempts.
type Policy struct {
	// MaxAttempts is the number of retries after the first attempt.
	MaxAttempts int
	// Unit is the backoff unit, the n-th retry waits n*Unit.
	Unit time.Duration
	// Baseline is added to every backoff.
	Baseline time.Duration
	// Sleep defaults to a context aware time.Sleep.
	Sleep  SleepFunc
	Logger log.Logger
}

// DefaultPolicy returns a policy with 5 retries and one second backoff units.
func DefaultPolicy(logger log.Logger) Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		Unit:        time.Second,
		Logger:      logger,
	}
}

// WithBaseline returns a copy of the policy that adds d to every backoff.
func (p Policy) WithBaseline(d time.Duration) Policy {
	p.Baseline = d
	return p
}

// Backoff returns the wait before the given (1-based) retry.
func (p Policy) Backoff(attempt int) time.Duration {
	return time.Duration(attempt)*p.Unit + p.Baseline
}

// Always treats every error as retryable.
func Always(error) bool {
	return true
}

// Do calls op until it succeeds, the classifier rejects its error or the retries
// are used up. The last error is returned in the latter two cases.
func Do[T any](ctx context.Context, p Policy, name string, op func(ctx context.Context) (T, error), classify Classifier) (T, error) {
	if classify == nil {
		classify = Always
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	logger := p.Logger
	if logger == nil {
		logger = log.NewLogger()
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts < 0 {
		maxAttempts = 0
	}

	var result T
	var lastErr error
	// The backoff grows with the attempt, so the wait happens inside the action.
	err := utilsretry.Times(uint(maxAttempts)).Wait(0).TryWithAbort(func(attempt uint) (error, bool) {
		if attempt > 0 {
			if serr := sleep(ctx, p.Backoff(int(attempt))); serr != nil {
				return fmt.Errorf("%s: %w (last error: %s)", name, serr, lastErr), true
			}
		}

		v, err := op(ctx)
		if err == nil {
			result = v
			return nil, true
		}
		lastErr = err

		if !classify(err) {
			logger.Debugf("%s: not retryable: %s", name, err)
			return err, true
		}
		if int(attempt) >= maxAttempts {
			logger.Warnf("%s: giving up after %d attempts: %s", name, attempt+1, err)
			return err, true
		}

		logger.Warnf("%s failed (attempt %d/%d), retrying in %s: %s", name, attempt+1, maxAttempts+1, p.Backoff(int(attempt)+1), err)
		return err, false
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// Sleep waits for d, returning early with the context error if ctx is done first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
