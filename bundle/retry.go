package bundle

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/opexlabs/opex-node/metrics"
)

const (
	DefaultRetryInitialDelay = time.Second
	DefaultRetryMultiplier   = 2.0
	DefaultRetryTimeout      = 120 * time.Second
)

type RetryPolicy struct {
	InitialDelay time.Duration
	Multiplier   float64
	Timeout      time.Duration

	// Timer and Clock replace wall-clock waiting when set.
	Timer backoff.Timer
	Clock backoff.Clock
	// Notify is called before every wait with the error that caused it.
	Notify backoff.Notify
}

var DefaultRetryPolicy = RetryPolicy{
	InitialDelay: DefaultRetryInitialDelay,
	Multiplier:   DefaultRetryMultiplier,
	Timeout:      DefaultRetryTimeout,
}

// withDefaults fills unset fields from DefaultRetryPolicy. A zero InitialDelay or Timeout would
// otherwise retry without waiting and without end.
func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.InitialDelay <= 0 {
		p.InitialDelay = DefaultRetryInitialDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultRetryMultiplier
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultRetryTimeout
	}
	return p
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	p = p.withDefaults()
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialDelay
	exp.Multiplier = p.Multiplier
	exp.RandomizationFactor = 0
	exp.MaxInterval = p.Timeout
	exp.MaxElapsedTime = p.Timeout
	if p.Clock != nil {
		exp.Clock = p.Clock
	}
	return exp
}

// Retry runs op until it succeeds. Errors that are not retryable (see IsRetryable) are returned
// after the first attempt. When the next wait would exceed the policy timeout, the last error is
// returned joined with ErrRetryTimeout.
func Retry(ctx context.Context, op func() error, policy RetryPolicy) error {
	var fatal bool
	operation := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			fatal = true
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		metrics.IncRateLimitRetries()
		if policy.Notify != nil {
			policy.Notify(err, next)
		}
	}

	back := backoff.WithContext(policy.backOff(), ctx)
	err := backoff.RetryNotifyWithTimer(operation, back, notify, policy.Timer)
	switch {
	case err == nil:
		return nil
	case fatal:
		return err
	case ctx.Err() != nil:
		if errors.Is(err, ctx.Err()) {
			return err
		}
		return errors.Join(ctx.Err(), err)
	default:
		return errors.Join(ErrRetryTimeout, err)
	}
}
