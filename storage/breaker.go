package storage

import (
	"errors"
	"time"

	"github.com/cenk/backoff"
	"github.com/facebookgo/clock"
	circuit "github.com/rubyist/circuitbreaker"
)

// ErrBucketUnavailable is returned while the breaker is open.
var ErrBucketUnavailable = errors.New("object store unavailable")

const breakerThreshold = 5

type breaker struct {
	cb *circuit.Breaker
}

// newBreaker trips after five consecutive failures and probes the bucket
// again with exponential backoff.
func newBreaker() *breaker {
	return newBreakerWithClock(clock.New())
}

func newBreakerWithClock(clk clock.Clock) *breaker {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.Clock = clk
	expBackoff.InitialInterval = 5 * time.Second
	expBackoff.MaxInterval = 2 * time.Minute
	expBackoff.Multiplier = 2.0
	expBackoff.Reset()

	return &breaker{
		cb: circuit.NewBreakerWithOptions(&circuit.Options{
			BackOff:    expBackoff,
			Clock:      clk,
			ShouldTrip: circuit.ThresholdTripFunc(breakerThreshold),
		}),
	}
}

// call runs fn through the breaker. Errors from fn are returned unchanged.
func (b *breaker) call(fn func() error) error {
	err := b.cb.Call(fn, 0)
	if errors.Is(err, circuit.ErrBreakerOpen) {
		return ErrBucketUnavailable
	}
	return err
}
