package gbus

import (
	"context"
	"fmt"
	"time"
)

const (
	defaultRetryAttempts  = 5
	defaultRetryInitial   = time.Second
	defaultRetryIncrement = time.Second
	defaultRetryMax       = 5 * time.Second
)

// RetryPolicy is an incremental backoff schedule bound to a consumer at
// registration time. The delay before attempt n+1 is Initial + (n-1)*Increment,
// capped at Max.
type RetryPolicy struct {
	Attempts  int           `yaml:"attempts"`  // total attempts, including the first one
	Initial   time.Duration `yaml:"initial"`   // delay before the first retry
	Increment time.Duration `yaml:"increment"` // added to the delay on every retry
	Max       time.Duration `yaml:"max"`       // delay cap
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:  defaultRetryAttempts,
		Initial:   defaultRetryInitial,
		Increment: defaultRetryIncrement,
		Max:       defaultRetryMax,
	}
}

// Validate returns a usable copy of the policy. A zero policy becomes the
// default one, negative durations become zero and a missing cap is set to
// the largest delay of the schedule.
func (p RetryPolicy) Validate() RetryPolicy {
	if p == (RetryPolicy{}) {
		return DefaultRetryPolicy()
	}
	if p.Attempts <= 0 {
		p.Attempts = defaultRetryAttempts
	}
	p.Initial = max(p.Initial, 0)
	p.Increment = max(p.Increment, 0)
	if p.Max <= 0 {
		p.Max = p.Initial + time.Duration(max(p.Attempts-2, 0))*p.Increment
	}
	p.Max = max(p.Max, p.Initial)
	return p
}

// Delay returns the wait before the given retry (1 for the first retry).
func (p RetryPolicy) Delay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	d := p.Initial + time.Duration(retry-1)*p.Increment
	return min(d, p.Max)
}

// RetryState is the state of a message under a retry policy.
type RetryState int

const (
	Received   RetryState = iota // message accepted, nothing done yet
	Processing                   // handler running
	Retrying                     // waiting before the next attempt
	Succeeded                    // handler succeeded
	Exhausted                    // every attempt failed
	Rejected                     // permanent failure, not retried
	Abandoned                    // context cancelled before finishing
)

func (s RetryState) String() string {
	switch s {
	case Received:
		return "received"
	case Processing:
		return "processing"
	case Retrying:
		return "retrying"
	case Succeeded:
		return "succeeded"
	case Exhausted:
		return "exhausted"
	case Rejected:
		return "rejected"
	case Abandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Outcome summarizes the execution of a handler under a retry policy.
type Outcome struct {
	State    RetryState
	Attempts int
	Delays   []time.Duration // waits between consecutive attempts
	Err      error           // last error, nil on success
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Retrier executes functions applying a RetryPolicy.
type Retrier struct {
	policy  RetryPolicy
	sleep   Sleeper
	onRetry func(retry int, delay time.Duration, err error)
}

func NewRetrier(p RetryPolicy, sleep Sleeper, onRetry func(retry int, delay time.Duration, err error)) *Retrier {
	if sleep == nil {
		sleep = sleepContext
	}
	if onRetry == nil {
		onRetry = func(int, time.Duration, error) {}
	}
	return &Retrier{policy: p.Validate(), sleep: sleep, onRetry: onRetry}
}

func (r *Retrier) Policy() RetryPolicy {
	return r.policy
}

// Execute runs fn until it succeeds, fails permanently, the policy is
// exhausted or ctx is cancelled. Pending retries are abandoned, not drained,
// on cancellation.
func (r *Retrier) Execute(ctx context.Context, fn func(ctx context.Context) error) Outcome {
	out := Outcome{State: Received}
	for {
		if err := ctx.Err(); err != nil {
			out.State, out.Err = Abandoned, err
			return out
		}
		out.State = Processing
		out.Attempts++
		err := protect(ctx, fn)
		switch {
		case err == nil:
			out.State, out.Err = Succeeded, nil
			return out
		case IsPermanent(err):
			out.State, out.Err = Rejected, err
			return out
		case ctx.Err() != nil:
			out.State, out.Err = Abandoned, err
			return out
		case out.Attempts >= r.policy.Attempts:
			out.State, out.Err = Exhausted, err
			return out
		}

		out.State, out.Err = Retrying, err
		delay := r.policy.Delay(out.Attempts)
		r.onRetry(out.Attempts, delay, err)
		if serr := r.sleep(ctx, delay); serr != nil {
			out.State, out.Err = Abandoned, serr
			return out
		}
		out.Delays = append(out.Delays, delay)
	}
}

// protect turns a panic of fn into a permanent error, so the message goes to
// the dead-letter path instead of crashing the consumer.
func protect(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("%w: %v", ErrHandlerPanic, r))
		}
	}()
	return fn(ctx)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
