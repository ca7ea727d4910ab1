package objstore

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/sony/gobreaker"
)

// newBreaker builds the process-wide circuit breaker for object-store calls.
// It opens after failureThreshold consecutive failures, stays open for
// openTimeout, then allows a single probe (gobreaker's half-open default).
func newBreaker(failureThreshold uint32, openTimeout time.Duration) *gobreaker.CircuitBreaker {
	if failureThreshold == 0 {
		failureThreshold = 5
	}
	if openTimeout <= 0 {
		openTimeout = 60 * time.Second
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "objstore",
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("[objstore.breaker] %s: %s -> %s", name, from, to)
		},
	})
}

// throughBreaker runs op under the breaker and maps the library's open-state
// errors to the package sentinel.
func throughBreaker(cb *gobreaker.CircuitBreaker, op func() error) error {
	_, err := cb.Execute(func() (any, error) {
		return nil, op()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrBreakerOpen, err)
	}
	return err
}
