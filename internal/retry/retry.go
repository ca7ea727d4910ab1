// Package retry is the single retry/backoff primitive shared by the object
// store client, the source adapter and the lock manager. It never retries an
// error the classifier rejects.
package retry

import (
	"context"
	"log"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/coldstore/archiver/internal/errclass"
)

// Policy describes exponential backoff with full jitter.
type Policy struct {
	// MaxAttempts bounds total tries (initial call included). <=0 means 3.
	MaxAttempts int
	// Base is the first delay. Zero means 1s.
	Base time.Duration
	// Cap bounds any single delay. Zero means 30s.
	Cap time.Duration
	// Classify reports whether err is retryable. Nil means
	// errclass.IsTransient.
	Classify func(error) bool
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.Base <= 0 {
		p.Base = time.Second
	}
	if p.Cap <= 0 {
		p.Cap = 30 * time.Second
	}
	if p.Classify == nil {
		p.Classify = errclass.IsTransient
	}
	return p
}

// Do runs op, retrying per the policy until it succeeds, the classifier
// rejects the error, attempts run out, or ctx is cancelled.
func Do(ctx context.Context, p Policy, name string, op func(ctx context.Context) error) error {
	p = p.withDefaults()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Base
	eb.MaxInterval = p.Cap
	eb.Multiplier = 2
	// Jitter is applied below; backoff's built-in randomization stays off so
	// the full-jitter window is [0, delay).
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0

	attempt := 0
	wrapped := func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !p.Classify(err) || attempt >= p.MaxAttempts {
			return backoff.Permanent(err)
		}
		log.Printf("[retry] %s attempt %d/%d failed: %v", name, attempt, p.MaxAttempts, err)
		return err
	}

	jittered := jitterBackOff{b: backoff.WithContext(eb, ctx)}
	return backoff.Retry(wrapped, jittered)
}

// jitterBackOff applies full jitter: each delay is uniform in [0, next).
type jitterBackOff struct {
	b backoff.BackOffContext
}

func (j jitterBackOff) NextBackOff() time.Duration {
	d := j.b.NextBackOff()
	if d <= 0 {
		return d
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}

func (j jitterBackOff) Reset() { j.b.Reset() }
